package main

import (
	"context"
	"log"
	"strings"

	"github.com/spf13/cobra"

	"tcpview/internal/helper"
)

var (
	configPath string

	helperMode   bool
	helperSocket   string
	helperUID      int
	helperProcRoot string
)

var rootCmd = &cobra.Command{
	Use:   "tcpview [command]",
	Short: "tcpview: live view of TCP and UDP sockets",
	Long: `tcpview shows the TCP and UDP sockets of this machine together with the processes that own them.
Without a command it starts the interactive terminal UI.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if helperMode {
			return runHelper(cmd)
		}
		return runTUI()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to JSON or YAML config file")

	marker := strings.TrimPrefix(helper.MarkerFlag, "--")
	flags := rootCmd.Flags()
	flags.BoolVar(&helperMode, marker, false, "Run as the privileged name resolution helper")
	flags.StringVar(&helperSocket, "socket", "", "Helper socket path")
	flags.IntVar(&helperUID, "uid", -1, "UID allowed to connect to the helper")
	procRoot := strings.TrimPrefix(helper.ProcRootFlag, "--")
	flags.StringVar(&helperProcRoot, procRoot, "", "procfs mount scanned by the helper")
	for _, name := range []string{marker, "socket", "uid", procRoot} {
		_ = flags.MarkHidden(name)
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
