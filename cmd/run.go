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

	"github.com/fsnotify/fsnotify"
	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cleverdata/watchfolder/internal/config"
	"github.com/cleverdata/watchfolder/internal/core"
	"github.com/cleverdata/watchfolder/internal/db"
	"github.com/cleverdata/watchfolder/internal/gateway"
	"github.com/cleverdata/watchfolder/internal/logging"
	"github.com/cleverdata/watchfolder/internal/stability"
	"github.com/cleverdata/watchfolder/internal/syncstate"
	"github.com/cleverdata/watchfolder/internal/upload"
)

var debugMode bool

func newGateway(cfg *config.Config) *gateway.Client {
	return gateway.New(gateway.Options{
		Server:             cfg.Server,
		APIKey:             cfg.APIKey,
		StorageAccessKey:   cfg.StorageAccessKey,
		StorageSecretKey:   cfg.StorageSecretKey,
		StorageRegion:      cfg.StorageRegion,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		Timeout:            cfg.RequestTimeout,
	})
}

// RunAgent is the entry point for the long-running process. It returns when ctx is
// cancelled, or immediately if the agent cannot start.
func RunAgent(ctx context.Context, cfg *config.Config, sysLogger service.Logger) error {
	if debugMode || cfg.Debug {
		core.DebugMode = true
	}

	var logger logging.Logger = logging.NewWriter(os.Stderr)
	if sysLogger != nil {
		logger = sysLogger
	}
	if cfg.LogFile != "" {
		fileLogger, closer, err := logging.NewFile(cfg.LogFile)
		if err != nil {
			return err
		}
		defer closer.Close()
		logger = logging.Multi(logger, fileLogger)
	}

	if viper.ConfigFileUsed() != "" {
		viper.OnConfigChange(func(e fsnotify.Event) {
			logger.Warningf("Config file %s changed (%s). Restart the agent to apply it.", e.Name, e.Op)
		})
		viper.WatchConfig()
	}

	if _, err := os.Stat(cfg.WatchDir); os.IsNotExist(err) {
		logger.Infof("Creating watch directory: %s", cfg.WatchDir)
		if err := os.MkdirAll(cfg.WatchDir, 0755); err != nil {
			return fmt.Errorf("failed to create watch directory: %w", err)
		}
	}

	orchestrator := upload.New(newGateway(cfg), upload.Options{
		FolderID: cfg.FolderID,
		PartSize: cfg.PartSize,
		FailFast: cfg.FailFastParts,
		Verbose:  core.DebugMode,
	}, logger)

	detector := stability.New(cfg.WatchDir, stability.Settings{
		PollSeconds:   cfg.PollSeconds(),
		SettleSeconds: cfg.SettleSeconds,
		MaxAttempts:   cfg.MaxAttempts,
		Extensions:    cfg.Extensions,
	})

	engine := core.New(syncstate.NewStore(cfg.StateFile), detector, orchestrator, core.Options{
		Interval:     cfg.PollInterval,
		PruneMissing: cfg.PruneMissing,
	}, logger)

	if cfg.HistoryDB != "" {
		ledger, err := db.Open(cfg.HistoryDB)
		if err != nil {
			logger.Warningf("Upload history disabled: %v", err)
		} else {
			defer ledger.Close()
			engine.WithHistory(ledger)
		}
	}

	logger.Infof("WatchFolder Agent %s starting: %s -> %s (folder %s)", Version, cfg.WatchDir, cfg.Server, cfg.FolderID)
	return engine.Run(ctx)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent in the foreground (Internal Use)",
	Long:  `Runs the polling worker directly. Usually invoked by the service manager.`,
	Run: func(cmd *cobra.Command, args []string) {
		// Configuration problems are fatal before the worker starts.
		cfg, err := loadConfig()
		if err != nil {
			log.Fatalf("Cannot start: %v", err)
		}

		s, err := getService(viper.ConfigFileUsed(), cfg)
		if err != nil {
			log.Fatalf("Failed to initialize service: %v", err)
		}
		// Interactive runs stop on Ctrl+C; under the service manager Run checks in with it.
		if err := s.Run(); err != nil {
			log.Fatalf("Agent stopped with error: %v", err)
		}
	},
}

func init() {
	runCmd.Flags().BoolVar(&debugMode, "debug", false, "Log every classification and part")
	rootCmd.AddCommand(runCmd)
}
