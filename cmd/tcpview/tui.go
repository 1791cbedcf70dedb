package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tcpview/internal/tui"
)

func init() {
	rootCmd.AddCommand(cmdTUI)
}

var cmdTUI = &cobra.Command{
	Use:   "tui",
	Short: "Launch the interactive terminal UI",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTUI()
	},
}

func runTUI() error {
	ctrl, _, cleanup, err := openController(nil, false)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := tui.Run(ctrl); err != nil {
		return fmt.Errorf("tui exited with error: %w", err)
	}
	return nil
}
