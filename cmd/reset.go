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
	"errors"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/cleverdata/watchfolder/internal/syncstate"
)

var resetFile string

var resetCmd = &cobra.Command{
	Use:   "reset-history",
	Short: "Forget uploaded files so they are sent again",
	Long: `Removes sync state records and the upload history, for one file or for all of them.
Stop the service first: the running agent rewrites the state file at the end of every poll.`,
	Run: func(cmd *cobra.Command, args []string) {
		store := stateStore()
		records, err := store.Load()
		if err != nil {
			var corrupt *syncstate.CorruptStateError
			if !errors.As(err, &corrupt) {
				log.Fatalf("Failed to read %s: %v", store.Path(), err)
			}
		}

		if resetFile != "" {
			fmt.Printf("Clearing history for: %s\n", resetFile)
			delete(records, resetFile)
		} else {
			fmt.Println("⚠️  WARNING: Clearing ENTIRE upload history. All files will be re-uploaded if seen again.")
			records = syncstate.Records{}
		}

		if err := store.Save(records); err != nil {
			log.Fatalf("Failed to write %s: %v", store.Path(), err)
		}

		ledger := openLedger()
		defer ledger.Close()
		n, err := ledger.Reset(context.Background(), resetFile)
		if err != nil {
			log.Fatalf("%v", err)
		}

		log.Printf("Reset complete (%d history entries removed).", n)
	},
}

func init() {
	resetCmd.Flags().StringVarP(&resetFile, "file", "f", "", "Specific file name to clear")
	rootCmd.AddCommand(resetCmd)
}
