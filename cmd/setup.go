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
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// setupFlags maps setup flags to config keys.
var setupFlags = map[string]string{
	"path":                 "watch_dir",
	"server":               "server",
	"key":                  "api_key",
	"folder":               "folder_id",
	"state-file":           "state_file",
	"history-db":           "history_db",
	"poll-interval":        "poll_interval",
	"settle-seconds":       "settle_seconds",
	"part-size":            "part_size",
	"max-attempts":         "max_attempts",
	"extensions":           "extensions",
	"storage-access-key":   "storage_access_key",
	"storage-secret-key":   "storage_secret_key",
	"storage-region":       "storage_region",
	"insecure-skip-verify": "insecure_skip_verify",
	"fail-fast-parts":      "fail_fast_parts",
	"prune-missing":        "prune_missing",
	"request-timeout":      "request_timeout",
	"log-file":             "log_file",
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Write the agent configuration",
	Long: `Writes the watch folder and gateway settings to config.yaml.

A file is uploaded once its modification time has stayed the same for
settle-seconds, checked every poll-interval. Failed uploads are retried on
later polls until max-attempts is reached; a new version of the file resets
the count. Only set flags are changed, so setup can be run again to adjust
a single value.`,
	Example: `  watchfolder setup --path "D:\Recordings" --server "https://media.example.com/Panopto/PublicAPI/REST" --key "..." --folder 0f9c...
  watchfolder setup --settle-seconds 300 --force`,
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")

		cmd.Flags().Visit(func(f *pflag.Flag) {
			key, ok := setupFlags[f.Name]
			if !ok {
				return
			}
			flags := cmd.Flags()
			switch f.Value.Type() {
			case "bool":
				v, _ := flags.GetBool(f.Name)
				viper.Set(key, v)
			case "int":
				v, _ := flags.GetInt(f.Name)
				viper.Set(key, v)
			case "int64":
				v, _ := flags.GetInt64(f.Name)
				viper.Set(key, v)
			case "duration":
				v, _ := flags.GetDuration(f.Name)
				viper.Set(key, v.String())
			case "stringSlice":
				v, _ := flags.GetStringSlice(f.Name)
				viper.Set(key, v)
			default:
				value := f.Value.String()
				if key == "watch_dir" {
					if abs, err := filepath.Abs(value); err == nil {
						value = abs
					}
				}
				viper.Set(key, value)
			}
		})

		cfg, err := loadConfig()
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}

		// --- VERIFICATION STEP ---
		if !force {
			fmt.Printf("Verifying connection to %s...\n", cfg.Server)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := newGateway(cfg).Check(ctx); err != nil {
				fmt.Printf("❌ Connection Failed: %v\n", err)
				fmt.Println("Use --force to save anyway.")
				return
			}
			fmt.Println("✅ Connection Verified!")
		}
		// -------------------------

		if viper.ConfigFileUsed() != "" {
			if err := viper.WriteConfig(); err != nil {
				fmt.Printf("Failed to update config: %v\n", err)
				return
			}
		} else {
			// No config exists yet, let's create one in the best location
			var targetDir string
			if checkIfAdmin() {
				targetDir = filepath.Join(os.Getenv("PROGRAMDATA"), "WatchFolder")
			} else {
				exePath, _ := os.Executable()
				targetDir = filepath.Dir(exePath)
				fmt.Println("\n>>> NOTE: Running as non-admin. Config saved to local folder.")
				fmt.Println(">>> The Windows Service will NOT see this configuration.")
			}

			if err := os.MkdirAll(targetDir, 0755); err != nil {
				fmt.Printf("Failed to create config directory: %v\n", err)
				return
			}
			viper.SetConfigFile(filepath.Join(targetDir, "config.yaml"))

			if err := viper.SafeWriteConfig(); err != nil {
				fmt.Printf("Failed to create config: %v\n", err)
				return
			}
		}

		fmt.Printf("Configuration saved to %s. Watching: %s\n", viper.ConfigFileUsed(), cfg.WatchDir)
		fmt.Printf("Policy: poll every %s | settle %ds | parts of %s | %d attempts | %v\n",
			cfg.PollInterval, cfg.SettleSeconds, humanize.IBytes(uint64(cfg.PartSize)), cfg.MaxAttempts, cfg.Extensions)
		fmt.Println("\n>>> IMPORTANT: Run 'watchfolder restart' to apply these changes to the running service.")
	},
}

func checkIfAdmin() bool {
	// Simple Windows-only check for Admin rights
	_, err := os.Open("\\\\.\\PHYSICALDRIVE0")
	return err == nil
}

func init() {
	f := setupCmd.Flags()
	f.String("path", "", "Local folder to watch")
	f.String("server", "", "Gateway REST root URL")
	f.String("key", "", "API key (bearer token)")
	f.String("folder", "", "Target folder id for new sessions")
	f.String("state-file", "", "Sync state file (default in the data directory)")
	f.String("history-db", "", "Upload history database (default in the data directory)")
	f.Duration("poll-interval", 60*time.Second, "Time between folder scans (whole seconds)")
	f.Int("settle-seconds", 120, "Seconds a file must stay unchanged before upload (0 uploads immediately)")
	f.Int64("part-size", 1<<20, "Bytes per transfer part")
	f.Int("max-attempts", 3, "Failed uploads before a file version is given up on")
	f.StringSlice("extensions", []string{".mp4"}, "File extensions to upload")
	f.String("storage-access-key", "", "Chunked transfer access key")
	f.String("storage-secret-key", "", "Chunked transfer secret key")
	f.String("storage-region", "", "Chunked transfer region")
	f.Bool("insecure-skip-verify", false, "Accept self-signed gateway certificates")
	f.Bool("fail-fast-parts", false, "Abort a file at its first failed part")
	f.Bool("prune-missing", false, "Forget files that disappear from the watch folder")
	f.Duration("request-timeout", 5*time.Minute, "Timeout of each gateway request")
	f.String("log-file", "", "Also log to this rotating file")
	f.Bool("force", false, "Skip connection verification")

	rootCmd.AddCommand(setupCmd)
}
