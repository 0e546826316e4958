package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Suggestions provides autocomplete for commands
type Suggestions struct {
	items        []SuggestionItem
	filtered     []SuggestionItem
	selectedIdx  int
	visible      bool
	prefix       string // "/" or "@"
	currentInput string
}

// SuggestionItem represents a single autocomplete suggestion
type SuggestionItem struct {
	Text        string
	Description string
	Type        string // "command", "task", "session"
}

var commandSuggestions = []SuggestionItem{
	{Text: "launch", Description: "launch [agent:]<prompt>", Type: "command"},
	{Text: "cancel", Description: "Cancel the selected task", Type: "command"},
	{Text: "result", Description: "Show the selected task's result", Type: "command"},
	{Text: "resume", Description: "resume <prompt> on the selected task", Type: "command"},
	{Text: "limit", Description: "limit <key> <n>", Type: "command"},
	{Text: "reset", Description: "reset <key> closes its circuit", Type: "command"},
	{Text: "mission", Description: "mission <objective>", Type: "command"},
	{Text: "pass", Description: "Run a pass on the selected mission", Type: "command"},
	{Text: "abort", Description: "Cancel the selected mission", Type: "command"},
	{Text: "quit", Description: "Leave the dashboard", Type: "command"},
}

// NewSuggestions creates a new suggestions handler
func NewSuggestions() *Suggestions {
	return &Suggestions{items: commandSuggestions}
}

// Update updates suggestions based on current input. A leading "/"
// completes the command; a trailing "@word" completes a reference.
func (s *Suggestions) Update(input string) {
	s.currentInput = input
	last := lastWord(input)
	switch {
	case strings.HasPrefix(input, "/") && !strings.Contains(input, " "):
		s.prefix = "/"
		s.items = commandSuggestions
		s.visible = true
		s.filter(strings.ToLower(input[1:]))
	case strings.HasPrefix(last, "@"):
		if s.prefix != "@" {
			// References are filled by SetReferences.
			s.items = nil
		}
		s.prefix = "@"
		s.visible = true
		s.filter(strings.ToLower(last[1:]))
	default:
		s.visible = false
		s.filtered = nil
		s.prefix = ""
	}
}

// SetReferences replaces the @ suggestions with task and session IDs.
func (s *Suggestions) SetReferences(taskIDs, sessionIDs []string) {
	if s.prefix != "@" {
		return
	}
	s.items = nil
	for _, id := range taskIDs {
		s.items = append(s.items, SuggestionItem{Text: id, Description: "task", Type: "task"})
	}
	for _, id := range sessionIDs {
		s.items = append(s.items, SuggestionItem{Text: id, Description: "mission session", Type: "session"})
	}
	s.filter(strings.ToLower(strings.TrimPrefix(lastWord(s.currentInput), "@")))
}

// Apply returns input with the selected suggestion accepted.
func (s *Suggestions) Apply(input string) string {
	sel := s.Selected()
	if sel == nil {
		return input
	}
	if s.prefix == "@" {
		return input[:len(input)-len(lastWord(input))] + sel.Text + " "
	}
	return sel.Text + " "
}

func lastWord(s string) string {
	return s[strings.LastIndexByte(s, ' ')+1:]
}

func (s *Suggestions) filter(query string) {
	s.selectedIdx = 0
	if query == "" {
		s.filtered = s.items
		return
	}
	s.filtered = nil
	for _, item := range s.items {
		if strings.Contains(strings.ToLower(item.Text), query) {
			s.filtered = append(s.filtered, item)
		}
	}
}

// Next moves to the next suggestion
func (s *Suggestions) Next() {
	if len(s.filtered) == 0 {
		return
	}
	s.selectedIdx = (s.selectedIdx + 1) % len(s.filtered)
}

// Prev moves to the previous suggestion
func (s *Suggestions) Prev() {
	if len(s.filtered) == 0 {
		return
	}
	s.selectedIdx--
	if s.selectedIdx < 0 {
		s.selectedIdx = len(s.filtered) - 1
	}
}

// Selected returns the currently selected suggestion
func (s *Suggestions) Selected() *SuggestionItem {
	if !s.visible || len(s.filtered) == 0 || s.selectedIdx >= len(s.filtered) {
		return nil
	}
	return &s.filtered[s.selectedIdx]
}

// IsVisible returns whether suggestions are currently visible
func (s *Suggestions) IsVisible() bool {
	return s.visible && len(s.filtered) > 0
}

// Render renders the suggestions dropdown
func (s *Suggestions) Render(width int) string {
	if !s.IsVisible() {
		return ""
	}

	var b strings.Builder

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(secondaryColor).
		Padding(0, 1).
		Width(width - 4)

	pickStyle := lipgloss.NewStyle().
		Background(primaryColor).
		Foreground(fgColor).
		Bold(true)

	itemStyle := lipgloss.NewStyle().Foreground(fgColor)
	descStyle := lipgloss.NewStyle().Foreground(mutedColor).Italic(true)

	header := "Commands"
	if s.prefix == "@" {
		header = "References"
	}
	b.WriteString(lipgloss.NewStyle().Bold(true).Foreground(primaryColor).Render(header))
	b.WriteString("\n")

	const maxVisible = 5
	for i, item := range s.filtered {
		if i >= maxVisible {
			b.WriteString(descStyle.Render(fmt.Sprintf("  ... and %d more", len(s.filtered)-maxVisible)))
			break
		}
		var line string
		if i == s.selectedIdx {
			line = pickStyle.Render("▶ " + item.Text)
			if item.Description != "" {
				line += " " + pickStyle.Render(item.Description)
			}
		} else {
			line = itemStyle.Render("  " + item.Text)
			if item.Description != "" {
				line += " " + descStyle.Render(item.Description)
			}
		}
		b.WriteString(line + "\n")
	}

	return boxStyle.Render(b.String())
}
