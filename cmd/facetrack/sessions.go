package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-facetrack/internal/log"
	"github.com/teslashibe/go-facetrack/pkg/store"
)

var sessionsLimit int

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List persisted sessions, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(os.Stderr)
		if err != nil {
			return err
		}

		log.Debug("listing sessions", "driver", cfg.Store.Driver, "limit", sessionsLimit)
		st, err := store.Open(cmd.Context(), strings.ToLower(cfg.Store.Driver), cfg.Store.DSN)
		if err != nil {
			return fmt.Errorf("store: %w", err)
		}
		defer st.Close()

		records, err := st.ListSessions(cmd.Context(), sessionsLimit)
		if err != nil {
			return err
		}
		printSessions(cmd.OutOrStdout(), records)
		return nil
	},
}

func init() {
	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "n", 20, "Maximum sessions to list")
	rootCmd.AddCommand(sessionsCmd)
}

func printSessions(out io.Writer, records []store.Record) {
	if len(records) == 0 {
		fmt.Fprintln(out, "No sessions found.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSTARTED\tUPDATED\tFACES\tPEAK\tMEAN AGE\tEMOTION")
	fmt.Fprintln(w, "-------\t-------\t-------\t-----\t----\t--------\t-------")

	for _, r := range records {
		age := "-"
		if r.Stats.AgeSamples > 0 {
			age = fmt.Sprintf("%.1f ± %.1f", r.Stats.MeanAge, r.Stats.AgeStdDev)
		}
		emotion := r.Stats.DominantEmotion()
		if emotion == "" {
			emotion = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			r.SessionID,
			r.Stats.StartedAt.Local().Format("2006-01-02 15:04"),
			r.UpdatedAt.Local().Format("15:04:05"),
			r.Stats.TotalUniqueFaces,
			r.Stats.PeakFaces,
			age,
			emotion)
	}
	w.Flush()
}
