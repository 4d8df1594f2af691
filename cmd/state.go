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
	"errors"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cleverdata/watchfolder/internal/config"
	"github.com/cleverdata/watchfolder/internal/syncstate"
)

func stateStore() *syncstate.Store {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		log.Fatalf("Error parsing config: %v", err)
	}
	if cfg.StateFile == "" {
		log.Fatal("state_file is not configured")
	}
	return syncstate.NewStore(cfg.StateFile)
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(syncstate.TimeLayout)
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the sync state of every tracked file",
	Run: func(cmd *cobra.Command, args []string) {
		store := stateStore()
		records, err := store.Load()
		if err != nil {
			var corrupt *syncstate.CorruptStateError
			if !errors.As(err, &corrupt) {
				log.Fatalf("Failed to read %s: %v", store.Path(), err)
			}
			fmt.Printf("Warning: %v\n", err)
		}

		if len(records) == 0 {
			fmt.Printf("No files tracked in %s.\n", store.Path())
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "FILE\tLAST SYNC (UTC)\tCANDIDATE (UTC)\tSTABLE\tATTEMPTS")
		for _, name := range records.Names() {
			rec := records[name]
			stable := fmt.Sprintf("%ds", rec.StableSeconds)
			if rec.StableSeconds == syncstate.InFlight {
				stable = "sent"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", name, formatTimestamp(rec.LastSyncWriteTime),
				formatTimestamp(rec.CandidateWriteTime), stable, rec.AttemptCount)
		}
		w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(stateCmd)
}
