// Copyright 2026 CleverData
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cleverdata/watchfolder/internal/config"
	"github.com/cleverdata/watchfolder/internal/db"
)

func openLedger() *db.Ledger {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		log.Fatalf("Error parsing config: %v", err)
	}
	if cfg.HistoryDB == "" {
		log.Fatal("history_db is not configured")
	}
	ledger, err := db.Open(cfg.HistoryDB)
	if err != nil {
		log.Fatalf("Failed to open history: %v", err)
	}
	return ledger
}

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent upload attempts",
	Run: func(cmd *cobra.Command, args []string) {
		ledger := openLedger()
		defer ledger.Close()

		entries, err := ledger.Recent(context.Background(), historyLimit)
		if err != nil {
			log.Fatalf("%v", err)
		}
		if len(entries) == 0 {
			fmt.Println("No uploads recorded.")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "WHEN\tFILE\tSIZE\tSTATUS\tATTEMPT\tCYCLE\tDETAIL")
		for _, e := range entries {
			detail := e.Error
			if e.Stage != "" {
				detail = e.Stage + ": " + detail
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n", humanize.Time(e.RecordedAt), e.FileName,
				humanize.IBytes(uint64(e.Size)), e.Status, e.Attempt, e.CycleID, detail)
		}
		w.Flush()
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of entries to show (0 for all)")
	rootCmd.AddCommand(historyCmd)
}
