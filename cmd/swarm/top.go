package main

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/fentz26/swarm/internal/tui"
	"github.com/spf13/cobra"
)

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Launch the interactive dashboard",
	RunE:  runTop,
}

var topNoStart bool

func init() {
	topCmd.Flags().BoolVar(&topNoStart, "no-start", false, "Do not start a daemon when none is running")
}

func runTop(cmd *cobra.Command, args []string) error {
	if !isDaemonRunning() {
		if topNoStart {
			return errDaemonDown
		}
		fmt.Println("⚡ swarm daemon not running. Starting background service...")
		if err := startDaemon(); err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}
	}

	app := tui.New(apiAddr)
	if err := app.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

func isDaemonRunning() bool {
	_, err := CheckHealth(500 * time.Millisecond)
	return err == nil
}

func startDaemon() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	daemonArgs := []string{"daemon"}
	if configPath != "" {
		daemonArgs = append(daemonArgs, "--config", configPath)
	}
	cmd := exec.Command(exe, daemonArgs...)
	detachDaemon(cmd)
	// Keep the daemon's output off the dashboard.
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return err
	}
	if err := cmd.Process.Release(); err != nil {
		return err
	}

	fmt.Print("   Waiting for daemon...")
	for i := 0; i < 20; i++ {
		if isDaemonRunning() {
			fmt.Println(" Done.")
			return nil
		}
		time.Sleep(250 * time.Millisecond)
		fmt.Print(".")
	}
	fmt.Println(" Timeout!")
	return fmt.Errorf("daemon started but API not reachable at %s", apiAddr)
}
