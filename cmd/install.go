package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cleverdata/watchfolder/internal/config"
)

const serviceName = "WatchFolderAgent"

// stopTimeout bounds how long Stop waits for the current part or save to finish.
const stopTimeout = 30 * time.Second

// program implements the service.Interface
type program struct {
	cfg    *config.Config
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *program) Start(s service.Service) error {
	logger, err := s.Logger(nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		if err := RunAgent(ctx, p.cfg, logger); err != nil {
			logger.Errorf("WatchFolder Agent failed: %v", err)
			os.Exit(1)
		}
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	select {
	case <-p.done:
	case <-time.After(stopTimeout):
	}
	return nil
}

func getService(configPath string, cfg *config.Config) (service.Service, error) {
	args := []string{"run"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}

	svcConfig := &service.Config{
		Name:        serviceName,
		DisplayName: "WatchFolder Upload Agent",
		Description: "Watches a folder for finished recordings and uploads them to the ingestion gateway.",
		Arguments:   args,
	}

	prg := &program{cfg: cfg}
	return service.New(prg, svcConfig)
}

// controlService returns a handle for service control commands that never run the agent.
func controlService() (service.Service, error) {
	return service.New(&program{}, &service.Config{Name: serviceName})
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the WatchFolder Agent as a service",
	Run: func(cmd *cobra.Command, args []string) {
		// Find current config file to pass to the service
		configPath := viper.ConfigFileUsed()
		if configPath == "" {
			fmt.Println("Error: No config file found. Please run 'watchfolder setup' first.")
			return
		}
		if _, err := loadConfig(); err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}

		s, err := getService(configPath, nil)
		if err != nil {
			fmt.Printf("Setup failed: %v\n", err)
			return
		}

		// Check if already installed
		status, err := s.Status()
		if err == nil && status != service.StatusUnknown {
			fmt.Println("WatchFolder Agent is already installed.")
			if status == service.StatusRunning {
				fmt.Println("Service is currently RUNNING.")
			} else {
				fmt.Println("Service is currently STOPPED.")
			}
			fmt.Println("Use 'watchfolder restart' to apply config changes, or 'watchfolder uninstall' to remove it.")
			return
		}

		fmt.Println("Installing WatchFolder Agent Service...")
		if err := s.Install(); err != nil {
			fmt.Printf("Failed to install: %v\n", err)
			fmt.Println("Hint: Ensure you are running as Administrator.")
			return
		}
		fmt.Println("Service installed successfully.")

		fmt.Println("Starting service...")
		if err := s.Start(); err != nil {
			fmt.Printf("Failed to start: %v\n", err)
			return
		}
		fmt.Println("Service started.")
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the WatchFolder Agent Service",
	Run: func(cmd *cobra.Command, args []string) {
		s, err := controlService()
		if err != nil {
			fmt.Println(err)
			return
		}

		// It might not be running
		_ = s.Stop()

		if err := s.Uninstall(); err != nil {
			fmt.Printf("Failed to uninstall: %v\n", err)
			return
		}
		fmt.Println("Service uninstalled.")
	},
}

// serviceAction builds a command that runs one control action on the installed service.
func serviceAction(use, short, verb, done string, action func(service.Service) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Run: func(cmd *cobra.Command, args []string) {
			s, err := controlService()
			if err != nil {
				fmt.Println(err)
				return
			}

			fmt.Printf("%s WatchFolder Agent Service...\n", verb)
			if err := action(s); err != nil {
				fmt.Printf("Failed to %s: %v\n", use, err)
				return
			}
			fmt.Println(done)
		},
	}
}

var restartCmd = serviceAction("restart", "Restart the WatchFolder Agent Service", "Restarting", "Service restarted.",
	func(s service.Service) error { return s.Restart() })

var stopCmd = serviceAction("stop", "Stop the WatchFolder Agent Service", "Stopping", "Service stopped.",
	func(s service.Service) error { return s.Stop() })

var startCmd = serviceAction("start", "Start the WatchFolder Agent Service", "Starting", "Service started.",
	func(s service.Service) error { return s.Start() })

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the status of the WatchFolder Agent Service",
	Run: func(cmd *cobra.Command, args []string) {
		s, err := controlService()
		if err != nil {
			fmt.Println(err)
			return
		}

		status, err := s.Status()
		if err != nil {
			fmt.Printf("Could not get status: %v\n", err)
			return
		}

		statusStr := "Unknown"
		switch status {
		case service.StatusRunning:
			statusStr = "Running"
		case service.StatusStopped:
			statusStr = "Stopped"
		}

		fmt.Printf("WatchFolder Agent Service Status: %s\n", statusStr)
	},
}

var enableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Enable the WatchFolder Agent to start automatically with Windows",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("Enabling WatchFolder Agent Service (Automatic Start)...")
		// kardianos/service has no start-type setter; use the Windows 'sc' command
		cmdExec := exec.Command("sc", "config", serviceName, "start=", "auto")
		if err := cmdExec.Run(); err != nil {
			fmt.Printf("Failed to enable: %v\n", err)
			return
		}
		fmt.Println("Service enabled for automatic start.")
	},
}

var disableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Disable the WatchFolder Agent from starting with Windows",
	Run: func(cmd *cobra.Command, args []string) {
		s, err := controlService()
		if err != nil {
			fmt.Println(err)
			return
		}

		fmt.Println("Stopping WatchFolder Agent Service...")
		_ = s.Stop()

		fmt.Println("Disabling WatchFolder Agent Service (Manual Start Only)...")
		cmdExec := exec.Command("sc", "config", serviceName, "start=", "demand")
		if err := cmdExec.Run(); err != nil {
			fmt.Printf("Failed to disable: %v\n", err)
			return
		}
		fmt.Println("Service disabled.")
	},
}

func init() {
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(enableCmd)
	rootCmd.AddCommand(disableCmd)
}
