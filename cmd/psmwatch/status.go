package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/psmwatch/psmwatch/internal/store"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the tracked positions and the store watermark",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			st, err := store.Open(cfg.StoreLocation, logger)
			if err != nil {
				return err
			}
			doc, err := st.Load(cmd.Context())
			if err != nil {
				return err
			}

			asof, lastRun := "n/a", "n/a"
			if doc.Meta.AsofBarDate != nil {
				asof = *doc.Meta.AsofBarDate
			}
			if doc.Meta.LastRunUTC != nil {
				lastRun = *doc.Meta.LastRunUTC
			}
			printf("Store: %s", cfg.StoreLocation)
			printf("As-of bar date: %s  Last run: %s  Positions: %d", asof, lastRun, len(doc.Positions))
			printf("")

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			defer w.Flush()
			write := func(cols ...string) {
				for i, col := range cols {
					if i > 0 {
						w.Write([]byte("\t"))
					}
					w.Write([]byte(col))
				}
				w.Write([]byte("\n"))
			}
			write("KEY", "MODE", "STATE", "LAST BAR", "CLOSE", "BARS", "ANOMALY")

			for _, key := range store.IterKeys(doc) {
				pos := doc.Positions[key]
				lastBar := "-"
				closePx := "-"
				if n := len(pos.Buffers.OHLC); n > 0 {
					lastBar = pos.Buffers.OHLC[n-1].Date
					closePx = fmt.Sprintf("%.2f", pos.Buffers.OHLC[n-1].Close)
				}
				anomaly := "-"
				if pos.Computed.AnomalyCodeLast != nil {
					anomaly = *pos.Computed.AnomalyCodeLast
				}
				write(key, string(pos.Mode), string(pos.State), lastBar, closePx,
					strconv.Itoa(len(pos.Buffers.OHLC)), anomaly)
			}
			return nil
		},
	}
}
