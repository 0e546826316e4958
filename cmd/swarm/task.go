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
	"github.com/fentz26/swarm/internal/models"
	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage background tasks",
}

var taskLaunchCmd = &cobra.Command{
	Use:   "launch [prompt]",
	Short: "Launch a background task",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTaskLaunch,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel [task-id]",
	Short: "Cancel a pending or running task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskCancel,
}

var taskResultCmd = &cobra.Command{
	Use:   "result [task-id]",
	Short: "Print the final output of a finished task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskResult,
}

var taskResumeCmd = &cobra.Command{
	Use:   "resume [task-id] [prompt]",
	Short: "Send a follow-up prompt to a finished task's session",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runTaskResume,
}

var taskHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List archived tasks",
	RunE:  runTaskHistory,
}

var taskAuditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the decision record of recent mutations",
	RunE:  runTaskAudit,
}

var (
	taskDesc     string
	taskAgent    string
	taskParent   string
	taskPriority string
	taskDepth    int
	taskStatus   string
	taskLimit    int
	taskID       string
)

func init() {
	taskCmd.AddCommand(taskLaunchCmd, taskListCmd, taskShowCmd, taskCancelCmd, taskResultCmd, taskResumeCmd,
		taskHistoryCmd, taskAuditCmd)

	taskLaunchCmd.Flags().StringVar(&taskDesc, "desc", "", "Short description (defaults to the start of the prompt)")
	taskLaunchCmd.Flags().StringVar(&taskAgent, "agent", "", "Agent category (routed from the prompt when empty)")
	taskLaunchCmd.Flags().StringVar(&taskParent, "parent", "", "Parent session to notify on completion")
	taskLaunchCmd.Flags().StringVar(&taskPriority, "priority", "normal", "Priority: low, normal, high, critical")
	taskLaunchCmd.Flags().IntVar(&taskDepth, "depth", 0, "Depth of the calling task")

	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "Filter by status (pending, running, completed, error, timeout)")
	taskListCmd.Flags().StringVar(&taskParent, "parent", "", "Filter by parent session")

	taskResumeCmd.Flags().StringVar(&taskParent, "parent", "", "Parent session to notify (defaults to the original parent)")

	taskHistoryCmd.Flags().StringVar(&taskParent, "parent", "", "Filter by parent session")
	taskHistoryCmd.Flags().IntVar(&taskLimit, "limit", 50, "Maximum rows")
	taskAuditCmd.Flags().StringVar(&taskID, "task", "", "Only records for this task")
	taskAuditCmd.Flags().IntVar(&taskLimit, "limit", 50, "Maximum rows")
}

func runTaskLaunch(cmd *cobra.Command, args []string) error {
	prompt := strings.Join(args, " ")
	desc := taskDesc
	if desc == "" {
		desc = truncate(prompt, 40)
	}

	resp, err := apiPost("/tasks", controlplane.LaunchRequest{TaskInput: controlplane.TaskInput{
		Description:     desc,
		Prompt:          prompt,
		Agent:           taskAgent,
		ParentSessionID: taskParent,
		Priority:        taskPriority,
		Depth:           taskDepth,
	}})
	if err != nil {
		return err
	}

	var result controlplane.LaunchResponse
	if err := json.Unmarshal(resp, &result); err != nil {
		return err
	}
	for _, t := range result.Tasks {
		fmt.Printf("Launched task: %s (agent %s, session %s)\n", t.ID, t.Agent, t.SessionID)
	}
	for _, e := range result.Errors {
		fmt.Fprintf(os.Stderr, "Rejected: %s\n", e)
	}
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if taskStatus != "" {
		q.Set("status", taskStatus)
	}
	if taskParent != "" {
		q.Set("parent", taskParent)
	}
	path := "/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var tasks []models.Task
	if err := apiGetJSON(path, &tasks); err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tAGENT\tSTATUS\tAGE\tDESCRIPTION")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Agent, t.Status,
			time.Since(t.CreatedAt).Round(time.Second), truncate(t.Description, 40))
	}
	return w.Flush()
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	var t models.Task
	if err := apiGetJSON("/tasks/"+url.PathEscape(args[0]), &t); err != nil {
		return err
	}

	fmt.Printf("ID:          %s\n", t.ID)
	fmt.Printf("Description: %s\n", t.Description)
	fmt.Printf("Agent:       %s\n", t.Agent)
	fmt.Printf("Priority:    %s\n", t.Priority)
	fmt.Printf("Status:      %s\n", t.Status)
	fmt.Printf("Session:     %s\n", t.SessionID)
	if t.ParentSessionID != "" {
		fmt.Printf("Parent:      %s\n", t.ParentSessionID)
	}
	fmt.Printf("Depth:       %d\n", t.Depth)
	fmt.Printf("Created:     %s\n", t.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Started:     %s\n", t.StartedAt.Format(time.RFC3339))
	if t.CompletedAt != nil {
		fmt.Printf("Completed:   %s (%s)\n", t.CompletedAt.Format(time.RFC3339), t.CompletedAt.Sub(t.StartedAt).Round(time.Second))
	}
	if t.Error != "" {
		fmt.Printf("Error:       %s\n", t.Error)
	}
	if p := t.Progress; p != nil {
		fmt.Printf("Tool calls:  %d (last: %s)\n", p.ToolCalls, p.LastTool)
		if p.LastMessage != "" {
			fmt.Printf("Last said:   %s\n", truncate(p.LastMessage, 100))
		}
	}
	return nil
}

func runTaskCancel(cmd *cobra.Command, args []string) error {
	if _, err := apiPost("/tasks/"+url.PathEscape(args[0])+"/cancel", nil); err != nil {
		return err
	}
	fmt.Printf("Cancelled task %s\n", args[0])
	return nil
}

func runTaskResult(cmd *cobra.Command, args []string) error {
	var out struct {
		Result string `json:"result"`
	}
	if err := apiGetJSON("/tasks/"+url.PathEscape(args[0])+"/result", &out); err != nil {
		return err
	}
	fmt.Println(out.Result)
	return nil
}

func runTaskResume(cmd *cobra.Command, args []string) error {
	body := map[string]string{
		"prompt":            strings.Join(args[1:], " "),
		"parent_session_id": taskParent,
	}
	resp, err := apiPost("/tasks/"+url.PathEscape(args[0])+"/resume", body)
	if err != nil {
		return err
	}

	var t models.Task
	if err := json.Unmarshal(resp, &t); err != nil {
		return err
	}
	fmt.Printf("Resumed task %s (%s)\n", t.ID, t.Status)
	return nil
}

func runTaskHistory(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(taskLimit))
	if taskParent != "" {
		q.Set("parent", taskParent)
	}

	var rows []models.ArchivedTask
	if err := apiGetJSON("/history?"+q.Encode(), &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("No archived tasks")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tAGENT\tSTATUS\tARCHIVED\tPROMPT")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Agent, r.Status,
			r.ArchivedAt.Local().Format("2006-01-02 15:04"), truncate(r.Prompt, 40))
	}
	return w.Flush()
}

func runTaskAudit(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(taskLimit))
	if taskID != "" {
		q.Set("task", taskID)
	}

	var entries []models.PDREntry
	if err := apiGetJSON("/audit?"+q.Encode(), &entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No audit records")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tOUTCOME\tTASK\tDETAILS")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Timestamp.Local().Format("15:04:05"), e.Action,
			e.Outcome, e.TaskID, truncate(e.Details, 50))
	}
	return w.Flush()
}

// --- Helpers ---

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
