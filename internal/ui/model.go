// ABOUTME: Bubbletea model for the client sync status TUI
// ABOUTME: Defines display state and update logic
package ui

import (
	"fmt"
	"strings"
	"time"

	netsync "github.com/Resonate-Protocol/netclock-go/pkg/sync"
	tea "github.com/charmbracelet/bubbletea"
)

const innerWidth = 54

// Model represents the TUI state
type Model struct {
	// Connection
	connected  bool
	serverName string

	// Sync
	stats     netsync.Stats
	hasStats  bool
	ntpOffset time.Duration
	ntpSynced bool

	// Debug
	showDebug  bool
	debugState string

	control *Control

	// Dimensions
	width  int
	height int
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case StatusMsg:
		m.applyStatus(msg)
	}

	return m, nil
}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	s := m.renderHeader()
	s += m.renderClock()
	s += m.renderStats()

	if m.showDebug {
		s += m.renderDebug()
	}

	s += m.renderHelp()

	return s
}

// line pads text to the box width
func line(text string) string {
	return fmt.Sprintf("│ %-*s │\n", innerWidth-2, truncate(text, innerWidth-2))
}

// renderHeader renders connection and sync status
func (m Model) renderHeader() string {
	connStatus := "Disconnected"
	if m.connected {
		connStatus = fmt.Sprintf("Connected to %s", m.serverName)
	}

	syncIcon := "✗"
	syncText := "Lost"
	if m.hasStats {
		switch m.stats.Quality {
		case netsync.QualityGood:
			syncIcon = "✓"
			syncText = fmt.Sprintf("Synced (rtt: %.1fms)", float64(m.stats.Rtt.Median)*1000)
		case netsync.QualityDegraded:
			syncIcon = "⚠"
			syncText = fmt.Sprintf("Degraded (rtt: %.1fms)", float64(m.stats.Rtt.Median)*1000)
		}
	}

	return "┌─ Netclock Client " + strings.Repeat("─", innerWidth-18) + "┐\n" +
		line("Status: "+connStatus) +
		line("Sync:   "+syncIcon+" "+syncText) +
		"├" + strings.Repeat("─", innerWidth) + "┤\n"
}

// renderClock renders the network time cursors
func (m Model) renderClock() string {
	if !m.hasStats {
		return line("Waiting for first sync...")
	}

	st := m.stats
	mode := "steady"
	switch {
	case st.Interpolating && st.Aggressive:
		mode = "interpolating, aggressive"
	case st.Interpolating:
		mode = "interpolating"
	case st.Aggressive:
		mode = "aggressive"
	}

	s := line(fmt.Sprintf("Network time: %12.3fs", st.ElapsedSeconds))
	s += line(fmt.Sprintf("Fixed time:   %12.3fs", st.FixedSeconds))
	s += line(fmt.Sprintf("Local time:   %12.3fs", st.RawElapsedSeconds))
	s += line(fmt.Sprintf("Last diff:    %+10.2fms (%s)", st.LastDiffSeconds*1000, mode))
	if m.ntpSynced {
		s += line(fmt.Sprintf("NTP offset:   %+10.2fms", float64(m.ntpOffset)/float64(time.Millisecond)))
	}
	return s
}

// renderStats renders processing statistics
func (m Model) renderStats() string {
	st := m.stats
	r := st.Results
	return "├" + strings.Repeat("─", innerWidth) + "┤\n" +
		line(fmt.Sprintf("RTT:   min %.1fms  median %.1fms  max %.1fms  (%d)",
			float64(st.Rtt.Min)*1000, float64(st.Rtt.Median)*1000, float64(st.Rtt.Max)*1000, st.Rtt.Count)) +
		line(fmt.Sprintf("Sync:  %d adjusted  %d within  %d stale  %d invalid",
			r[netsync.OutcomeAdjusted], r[netsync.OutcomeWithinThreshold],
			r[netsync.OutcomeRejectedStale], r[netsync.OutcomeRejectedInvalid])) +
		line(fmt.Sprintf("Requests: %d outstanding  %d evicted  %d retargets",
			st.Outstanding, st.Evicted, st.Adjustments)) +
		line("")
}

// renderHelp renders keyboard shortcuts
func (m Model) renderHelp() string {
	return line("s:Sync now  d:Debug  q:Quit") +
		"└" + strings.Repeat("─", innerWidth) + "┘\n"
}

// renderDebug renders the raw keeper state
func (m Model) renderDebug() string {
	s := line("DEBUG:")
	for _, field := range strings.Fields(m.debugState) {
		s += line("  " + field)
	}
	return s
}

// handleKey handles keyboard input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		if m.control != nil {
			select {
			case m.control.Quit <- struct{}{}:
			default:
			}
		}
		return m, tea.Quit
	case "s":
		if m.control != nil {
			select {
			case m.control.SyncNow <- struct{}{}:
			default:
			}
		}
	case "d":
		m.showDebug = !m.showDebug
	}

	return m, nil
}

// applyStatus updates model from status message
func (m *Model) applyStatus(msg StatusMsg) {
	if msg.Connected != nil {
		m.connected = *msg.Connected
	}
	if msg.ServerName != "" {
		m.serverName = msg.ServerName
	}
	if msg.Stats != nil {
		m.stats = *msg.Stats
		m.hasStats = true
	}
	if msg.NTPOffset != nil {
		m.ntpOffset = *msg.NTPOffset
		m.ntpSynced = true
	}
	if msg.DebugState != "" {
		m.debugState = msg.DebugState
	}
}

// StatusMsg updates TUI state. Nil and empty fields leave the current value.
type StatusMsg struct {
	Connected  *bool
	ServerName string
	Stats      *netsync.Stats
	NTPOffset  *time.Duration
	DebugState string
}

func truncate(s string, length int) string {
	if len([]rune(s)) <= length {
		return s
	}
	return string([]rune(s)[:length-3]) + "..."
}
