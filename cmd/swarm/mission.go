package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fentz26/swarm/internal/controlplane"
	"github.com/fentz26/swarm/internal/mission"
	"github.com/fentz26/swarm/internal/models"
	"github.com/spf13/cobra"
)

var missionCmd = &cobra.Command{
	Use:   "mission",
	Short: "Drive a session until its work is done",
}

var missionStartCmd = &cobra.Command{
	Use:   "start [prompt]",
	Short: "Start a mission on a session",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runMissionStart,
}

var missionStatusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Show one mission, or all of them",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runMissionStatus,
}

var missionPassCmd = &cobra.Command{
	Use:   "pass [session-id]",
	Short: "Evaluate a mission once, now",
	Args:  cobra.ExactArgs(1),
	RunE:  runMissionPass,
}

var missionCancelCmd = &cobra.Command{
	Use:   "cancel [session-id]",
	Short: "Stop a mission",
	Args:  cobra.ExactArgs(1),
	RunE:  runMissionCancel,
}

var (
	missionSession       string
	missionMaxIterations int
)

func init() {
	missionCmd.AddCommand(missionStartCmd, missionStatusCmd, missionPassCmd, missionCancelCmd)

	missionStartCmd.Flags().StringVar(&missionSession, "session", "", "Session to drive (a new one is created when empty)")
	missionStartCmd.Flags().IntVar(&missionMaxIterations, "max-iterations", 0, "Iteration cap (0 uses the daemon default)")
}

func runMissionStart(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/missions", controlplane.MissionRequest{
		SessionID:     missionSession,
		Prompt:        strings.Join(args, " "),
		MaxIterations: missionMaxIterations,
	})
	if err != nil {
		return err
	}

	var state models.MissionState
	if err := json.Unmarshal(resp, &state); err != nil {
		return err
	}
	fmt.Printf("Mission started on %s (max %d iterations)\n", state.SessionID, state.MaxIterations)
	return nil
}

func runMissionStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		var state models.MissionState
		if err := apiGetJSON("/missions/"+url.PathEscape(args[0]), &state); err != nil {
			return err
		}
		printMission(state)
		return nil
	}

	var states []models.MissionState
	if err := apiGetJSON("/missions", &states); err != nil {
		return err
	}
	if len(states) == 0 {
		fmt.Println("No missions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSTATUS\tITERATION\tSTAGNATION\tUPDATED")
	for _, s := range states {
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%d\t%s\n", s.SessionID, s.Status, s.Iteration, s.MaxIterations,
			s.Stagnation, time.Since(s.UpdatedAt).Round(time.Second))
	}
	return w.Flush()
}

func printMission(s models.MissionState) {
	fmt.Printf("Session:    %s\n", s.SessionID)
	fmt.Printf("Status:     %s\n", s.Status)
	fmt.Printf("Iteration:  %d/%d\n", s.Iteration, s.MaxIterations)
	fmt.Printf("Stagnation: %d\n", s.Stagnation)
	fmt.Printf("Started:    %s\n", s.StartedAt.Format(time.RFC3339))
	fmt.Printf("Prompt:     %s\n", truncate(s.Prompt, 100))
}

func runMissionPass(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/missions/"+url.PathEscape(args[0])+"/pass", nil)
	if err != nil {
		return err
	}

	var out mission.Outcome
	if err := json.Unmarshal(resp, &out); err != nil {
		return err
	}
	fmt.Printf("Action: %s\n", out.Action)
	if out.Reason != "" {
		fmt.Printf("Reason: %s\n", out.Reason)
	}
	if out.Intervention {
		fmt.Println("Stagnation intervention sent")
	}
	printMission(out.State)
	return nil
}

func runMissionCancel(cmd *cobra.Command, args []string) error {
	if _, err := apiDelete("/missions/" + url.PathEscape(args[0])); err != nil {
		return err
	}
	fmt.Printf("Mission on %s cancelled\n", args[0])
	return nil
}
