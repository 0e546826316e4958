// Package tui provides the live terminal dashboard for the swarm daemon.
package tui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/swarm/internal/concurrency"
	"github.com/fentz26/swarm/internal/controlplane"
	"github.com/fentz26/swarm/internal/models"
)

// RefreshInterval is how often the dashboard polls the daemon.
const RefreshInterval = 2 * time.Second

var (
	// Colors
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#6366F1")
	successColor   = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
	fgColor        = lipgloss.Color("#F9FAFB")
	cyanColor      = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 2)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 2)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	onlineStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	offlineStyle = lipgloss.NewStyle().
			Foreground(errorColor)
)

// Views, in tab order.
const (
	viewTasks    = "tasks"
	viewGate     = "gate"
	viewPool     = "pool"
	viewMissions = "missions"
	viewDetail   = "detail"
)

var tabOrder = []string{viewTasks, viewGate, viewPool, viewMissions}

var filters = []string{"", "pending", "running", "completed", "error", "timeout"}
var filterNames = []string{"ALL", "PENDING", "RUNNING", "DONE", "ERROR", "TIMEOUT"}

// App is the main TUI application model.
type App struct {
	client      *Client
	input       textinput.Model
	suggestions *Suggestions

	width  int
	height int
	mode   string

	filterIdx   int
	selectedIdx int
	missionIdx  int

	online   bool
	stats    *controlplane.Stats
	tasks    []models.Task
	gate     []concurrency.KeyInfo
	pool     *controlplane.PoolView
	missions []models.MissionState

	detail       *models.Task
	detailResult string
	message      string
}

// New creates a new TUI application.
func New(apiAddr string) *App {
	return newApp(NewClient(apiAddr))
}

func newApp(client *Client) *App {
	ti := textinput.New()
	ti.Placeholder = "Type / for commands, @ for task and session IDs"
	ti.Focus()
	ti.CharLimit = 512
	ti.Width = 80

	return &App{
		client:      client,
		input:       ti,
		suggestions: NewSuggestions(),
		mode:        viewTasks,
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, a.refresh(), a.tickCmd())
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if cmd, handled := a.handleKey(msg); handled {
			return a, cmd
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 4

	case snapshotMsg:
		a.online = true
		a.stats = &msg.stats
		a.tasks = msg.tasks
		a.gate = msg.gate
		a.pool = &msg.pool
		a.missions = msg.missions
		a.clampSelection()

	case offlineMsg:
		a.online = false
		a.message = "Error: " + msg.err.Error()

	case detailMsg:
		a.detail = &msg.task
		a.detailResult = msg.result

	case tickMsg:
		cmds = append(cmds, a.refresh(), a.tickCmd())
		if a.mode == viewDetail && a.detail != nil {
			cmds = append(cmds, a.fetchDetail(a.detail.ID))
		}

	case commandResultMsg:
		a.message = msg.message
		return a, a.refresh()
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	cmds = append(cmds, cmd)

	a.suggestions.Update(a.input.Value())
	if a.suggestions.prefix == "@" {
		a.suggestions.SetReferences(a.taskIDs(), a.missionSessions())
	}

	return a, tea.Batch(cmds...)
}

// handleKey processes navigation keys. Single-letter shortcuts only apply
// while the command line is empty.
func (a *App) handleKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	empty := a.input.Value() == ""

	switch msg.String() {
	case "ctrl+c":
		return tea.Quit, true

	case "esc":
		if a.suggestions.IsVisible() || !empty {
			a.input.SetValue("")
			a.suggestions.Update("")
			return nil, true
		}
		if a.mode == viewDetail {
			a.mode = viewTasks
			a.detail = nil
			return a.refresh(), true
		}

	case "up":
		a.move(-1)
		return nil, true

	case "down":
		a.move(1)
		return nil, true

	case "tab":
		if a.suggestions.IsVisible() {
			a.input.SetValue(a.suggestions.Apply(a.input.Value()))
			a.input.CursorEnd()
			a.suggestions.Update(a.input.Value())
			return nil, true
		}
		a.mode = nextView(a.mode)
		return nil, true

	case "enter":
		if a.suggestions.IsVisible() {
			a.input.SetValue(a.suggestions.Apply(a.input.Value()))
			a.input.CursorEnd()
			a.suggestions.Update(a.input.Value())
			return nil, true
		}
		if line := strings.TrimSpace(a.input.Value()); line != "" {
			a.input.SetValue("")
			a.suggestions.Update("")
			return a.executeCommand(line), true
		}
		if a.mode == viewTasks && len(a.tasks) > 0 {
			a.mode = viewDetail
			return a.fetchDetail(a.tasks[a.selectedIdx].ID), true
		}
		return nil, true

	case "f":
		if empty && a.mode == viewTasks {
			a.filterIdx = (a.filterIdx + 1) % len(filters)
			a.selectedIdx = 0
			return a.refresh(), true
		}

	case "r":
		if empty {
			return a.refresh(), true
		}
	}
	return nil, false
}

func (a *App) move(delta int) {
	if a.suggestions.IsVisible() {
		if delta < 0 {
			a.suggestions.Prev()
		} else {
			a.suggestions.Next()
		}
		return
	}
	switch a.mode {
	case viewTasks:
		a.selectedIdx = clamp(a.selectedIdx+delta, len(a.tasks))
	case viewMissions:
		a.missionIdx = clamp(a.missionIdx+delta, len(a.missions))
	}
}

func (a *App) clampSelection() {
	a.selectedIdx = clamp(a.selectedIdx, len(a.tasks))
	a.missionIdx = clamp(a.missionIdx, len(a.missions))
}

func clamp(i, n int) int {
	if i >= n {
		i = n - 1
	}
	if i < 0 {
		i = 0
	}
	return i
}

func nextView(mode string) string {
	for i, v := range tabOrder {
		if v == mode {
			return tabOrder[(i+1)%len(tabOrder)]
		}
	}
	return viewTasks
}

func (a *App) taskIDs() []string {
	ids := make([]string, len(a.tasks))
	for i, t := range a.tasks {
		ids[i] = t.ID
	}
	return ids
}

func (a *App) missionSessions() []string {
	ids := make([]string, len(a.missions))
	for i, m := range a.missions {
		ids[i] = m.SessionID
	}
	return ids
}

func (a *App) selectedTask() string {
	if a.mode == viewDetail && a.detail != nil {
		return a.detail.ID
	}
	if len(a.tasks) == 0 {
		return ""
	}
	return a.tasks[a.selectedIdx].ID
}

func (a *App) selectedMission() string {
	if len(a.missions) == 0 {
		return ""
	}
	return a.missions[a.missionIdx].SessionID
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	daemon := onlineStyle.Render("● DAEMON")
	if !a.online {
		daemon = offlineStyle.Render("○ DAEMON")
	}
	header := titleStyle.Render("swarm") + "  " + daemon
	if a.stats != nil {
		header += "  " + lipgloss.NewStyle().Foreground(cyanColor).Render(
			fmt.Sprintf("[%s · up %s · %d active]", a.stats.Transport, a.stats.Uptime, a.stats.GlobalActive))
	}
	b.WriteString(header + "\n")
	b.WriteString(a.renderTabs() + "\n")
	b.WriteString(strings.Repeat("─", max(a.width, 1)) + "\n")

	contentHeight := a.height - 10
	if contentHeight < 5 {
		contentHeight = 5
	}

	switch a.mode {
	case viewTasks:
		label := fmt.Sprintf(" Filter: [%s]", filterNames[a.filterIdx])
		b.WriteString(lipgloss.NewStyle().Foreground(mutedColor).Render(label) + "\n")
		b.WriteString(renderTaskList(a.tasks, a.selectedIdx, contentHeight-1))
	case viewDetail:
		b.WriteString(renderTaskDetail(a.detail, a.detailResult))
	case viewGate:
		b.WriteString(renderGate(a.gate, a.stats))
	case viewPool:
		b.WriteString(renderPool(a.pool))
	case viewMissions:
		b.WriteString(renderMissions(a.missions, a.missionIdx))
	}

	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString("\n" + msgStyle.Render(a.message))
	} else {
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(inputBoxStyle.Render(a.input.View()))
	if a.suggestions.IsVisible() {
		b.WriteString("\n")
		b.WriteString(a.suggestions.Render(a.width))
	}
	b.WriteString("\n")

	var status string
	switch a.mode {
	case viewTasks:
		status = fmt.Sprintf(" Tasks: %d | ↑↓:nav | Enter:detail | f:filter | Tab:view | r:refresh | Ctrl+C:quit", len(a.tasks))
	case viewMissions:
		status = fmt.Sprintf(" Missions: %d | ↑↓:nav | pass | abort | Tab:view", len(a.missions))
	case viewDetail:
		status = " Esc:back | cancel | result | resume <prompt>"
	default:
		status = " Tab:view | r:refresh | Ctrl+C:quit"
	}
	b.WriteString(statusBarStyle.Width(a.width).Render(status))

	return b.String()
}

func (a *App) renderTabs() string {
	var tabs []string
	for _, v := range tabOrder {
		label := " " + strings.ToUpper(v) + " "
		if v == a.mode || (a.mode == viewDetail && v == viewTasks) {
			tabs = append(tabs, selectedStyle.Padding(0, 1).Render(label))
		} else {
			tabs = append(tabs, helpStyle.Render(label))
		}
	}
	return strings.Join(tabs, " ")
}

// --- Commands ---

func (a *App) refresh() tea.Cmd {
	filter := filters[a.filterIdx]
	return func() tea.Msg {
		stats, err := a.client.Stats()
		if err != nil {
			return offlineMsg{err}
		}
		tasks, err := a.client.ListTasks(filter)
		if err != nil {
			return offlineMsg{err}
		}
		pool, err := a.client.Pool()
		if err != nil {
			return offlineMsg{err}
		}
		missions, err := a.client.Missions()
		if err != nil {
			return offlineMsg{err}
		}
		return snapshotMsg{stats: stats, tasks: tasks, gate: stats.Gate, pool: pool, missions: missions}
	}
}

func (a *App) fetchDetail(id string) tea.Cmd {
	return func() tea.Msg {
		task, err := a.client.GetTask(id)
		if err != nil {
			return commandResultMsg{"Error: " + err.Error()}
		}
		result := ""
		if task.Status.IsTerminal() {
			result, _ = a.client.TaskResult(id)
		}
		return detailMsg{task: task, result: result}
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(RefreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// executeCommand runs one command line. The target of task and mission
// commands is an explicit ID argument or the current selection.
func (a *App) executeCommand(line string) tea.Cmd {
	parts := strings.Fields(strings.TrimPrefix(line, "/"))
	if len(parts) == 0 {
		return nil
	}
	cmd, args := parts[0], parts[1:]
	if cmd == "q" || cmd == "quit" || cmd == "exit" {
		return tea.Quit
	}

	selTask, selMission := a.selectedTask(), a.selectedMission()

	return func() tea.Msg {
		switch cmd {
		case "launch":
			agent, prompt := parseLaunch(args)
			if prompt == "" {
				return commandResultMsg{"Usage: launch [agent:] <prompt>"}
			}
			task, err := a.client.Launch(agent, prompt, "")
			if err != nil {
				return commandResultMsg{"Error: " + err.Error()}
			}
			return commandResultMsg{fmt.Sprintf("✓ Launched %s (%s)", task.ID, task.Agent)}

		case "cancel":
			taskTarget, _ := target(args, "task-", selTask)
			if taskTarget == "" {
				return commandResultMsg{"No task selected"}
			}
			if err := a.client.CancelTask(taskTarget); err != nil {
				return commandResultMsg{"Error: " + err.Error()}
			}
			return commandResultMsg{"✓ Cancelled " + taskTarget}

		case "result":
			taskTarget, _ := target(args, "task-", selTask)
			if taskTarget == "" {
				return commandResultMsg{"No task selected"}
			}
			result, err := a.client.TaskResult(taskTarget)
			if err != nil {
				return commandResultMsg{"Error: " + err.Error()}
			}
			return commandResultMsg{shorten(strings.ReplaceAll(result, "\n", " "), 200)}

		case "resume":
			taskTarget, rest := target(args, "task-", selTask)
			if taskTarget == "" || len(rest) == 0 {
				return commandResultMsg{"Usage: resume [task-id] <prompt>"}
			}
			if err := a.client.ResumeTask(taskTarget, strings.Join(rest, " ")); err != nil {
				return commandResultMsg{"Error: " + err.Error()}
			}
			return commandResultMsg{"✓ Resumed " + taskTarget}

		case "limit":
			if len(args) != 2 {
				return commandResultMsg{"Usage: limit <key> <n>"}
			}
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return commandResultMsg{"Error: limit must be a number"}
			}
			if err := a.client.SetLimit(args[0], n); err != nil {
				return commandResultMsg{"Error: " + err.Error()}
			}
			return commandResultMsg{fmt.Sprintf("✓ %s limited to %d", args[0], n)}

		case "reset":
			if len(args) != 1 {
				return commandResultMsg{"Usage: reset <key>"}
			}
			if err := a.client.ResetCircuit(args[0]); err != nil {
				return commandResultMsg{"Error: " + err.Error()}
			}
			return commandResultMsg{"✓ Circuit closed for " + args[0]}

		case "mission":
			if len(args) == 0 {
				return commandResultMsg{"Usage: mission <objective>"}
			}
			state, err := a.client.StartMission(strings.Join(args, " "))
			if err != nil {
				return commandResultMsg{"Error: " + err.Error()}
			}
			return commandResultMsg{"✓ Mission started on " + state.SessionID}

		case "pass":
			missionTarget, _ := target(args, "ses", selMission)
			if missionTarget == "" {
				return commandResultMsg{"No mission selected"}
			}
			out, err := a.client.PassMission(missionTarget)
			if err != nil {
				return commandResultMsg{"Error: " + err.Error()}
			}
			msg := fmt.Sprintf("✓ Pass %s (iteration %d)", out.Action, out.State.Iteration)
			if out.Reason != "" {
				msg += ": " + out.Reason
			}
			return commandResultMsg{msg}

		case "abort":
			missionTarget, _ := target(args, "ses", selMission)
			if missionTarget == "" {
				return commandResultMsg{"No mission selected"}
			}
			if err := a.client.CancelMission(missionTarget); err != nil {
				return commandResultMsg{"Error: " + err.Error()}
			}
			return commandResultMsg{"✓ Mission cancelled"}
		}
		return commandResultMsg{fmt.Sprintf("Unknown: %s (try: launch, cancel, result, limit, mission)", cmd)}
	}
}

// target returns the first argument when it looks like an ID with the
// given prefix, or fallback otherwise, along with the remaining args.
func target(args []string, prefix, fallback string) (string, []string) {
	if len(args) > 0 && strings.HasPrefix(args[0], prefix) {
		return args[0], args[1:]
	}
	return fallback, args
}

// parseLaunch splits "explore: find the loader" into agent and prompt.
func parseLaunch(args []string) (agent, prompt string) {
	if len(args) > 0 && strings.HasSuffix(args[0], ":") && len(args[0]) > 1 {
		agent = strings.TrimSuffix(args[0], ":")
		args = args[1:]
	}
	return agent, strings.Join(args, " ")
}

type commandResultMsg struct {
	message string
}

type offlineMsg struct {
	err error
}

type snapshotMsg struct {
	stats    controlplane.Stats
	tasks    []models.Task
	gate     []concurrency.KeyInfo
	pool     controlplane.PoolView
	missions []models.MissionState
}

type detailMsg struct {
	task   models.Task
	result string
}

type tickMsg time.Time
