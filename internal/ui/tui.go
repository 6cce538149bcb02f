// ABOUTME: TUI initialization and control
// ABOUTME: Wraps bubbletea program for the client UI
package ui

import (
	tea "github.com/charmbracelet/bubbletea"
)

// Control carries user requests from the TUI back to the application
type Control struct {
	SyncNow chan struct{}
	Quit    chan struct{}
}

// NewControl creates a new control handler
func NewControl() *Control {
	return &Control{
		SyncNow: make(chan struct{}, 1),
		Quit:    make(chan struct{}, 1),
	}
}

// NewModel creates a new TUI model
func NewModel(control *Control) Model {
	return Model{
		control: control,
	}
}

// Run creates the TUI program. The caller runs it.
func Run(control *Control) *tea.Program {
	return tea.NewProgram(NewModel(control), tea.WithAltScreen())
}
