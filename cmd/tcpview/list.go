package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"tcpview/internal/tracker"
	"tcpview/internal/tui"
)

var (
	listNames  bool
	listFilter string
	listProto  string
	listState  string
)

func init() {
	rootCmd.AddCommand(cmdList)

	cmdList.Flags().BoolVar(&listNames, "names", false, "Start the privileged helper to resolve owners of all sockets")
	cmdList.Flags().StringVar(&listFilter, "filter", "", "Filter query, e.g. \"pid:42 stale nginx\"")
	cmdList.Flags().StringVar(&listProto, "proto", "", "Comma separated protocols (tcp,tcp6,udp,udp6)")
	cmdList.Flags().StringVar(&listState, "state", "", "Comma separated connection states")
}

var cmdList = &cobra.Command{
	Use:   "list",
	Short: "Print the current sockets once",
	Long:  `Reads the connection tables once and prints them as a table.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		query := listQuery(listFilter, listProto, listState)

		ctrl, log, cleanup, err := openController(cmd.ErrOrStderr(), false)
		if err != nil {
			return err
		}
		defer cleanup()

		if listNames {
			spin := spinner.New(spinner.CharSets[21], 120*time.Millisecond, spinner.WithWriter(cmd.ErrOrStderr()))
			spin.Suffix = " Waiting for authorisation..."
			spin.Start()
			err := ctrl.ResolveNames(ctx)
			spin.Stop()
			if err != nil {
				log.WithError(err).Warn("showing owners of own processes only")
			}
		}

		if _, err := ctrl.Refresh(ctx); err != nil {
			return fmt.Errorf("read connections: %w", err)
		}
		recs, err := ctrl.Records(query)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(recs) == 0 {
			fmt.Fprintln(out, "No connections")
			return nil
		}
		renderRecords(out, recs)
		return nil
	},
}

func listQuery(filter, proto, state string) string {
	parts := make([]string, 0, 3)
	if proto = strings.TrimSpace(proto); proto != "" {
		parts = append(parts, "proto:"+proto)
	}
	if state = strings.TrimSpace(state); state != "" {
		parts = append(parts, "state:"+state)
	}
	if filter = strings.TrimSpace(filter); filter != "" {
		parts = append(parts, filter)
	}
	return strings.Join(parts, " ")
}

func renderRecords(out io.Writer, recs []tracker.Record) {
	table := tablewriter.NewWriter(out)
	table.SetHeader(tui.Headers())
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	for _, r := range recs {
		table.Append(tui.Row(r))
	}
	table.Render()
}
