// ABOUTME: Bubbletea model for the now-playing display
// ABOUTME: Renders published snapshots and turns keys into player commands
package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Sendspin/sendspin-native/internal/events"
	"github.com/Sendspin/sendspin-native/internal/session"
)

const (
	volumeStep = 5
	seekStep   = 10 * time.Second
	boxWidth   = 54
)

// Submitter accepts player commands
type Submitter interface {
	Submit(ctx context.Context, cmd session.Command) error
}

// EventMsg carries one published event into the model
type EventMsg events.Event

// submitResultMsg reports the outcome of a submitted command
type submitResultMsg struct {
	cmd session.Command
	err error
}

type closedMsg struct{}

// Model represents the TUI state
type Model struct {
	ctx       context.Context
	events    <-chan events.Event
	submitter Submitter

	snap      events.Snapshot
	lastEvent string
	lastErr   string
	discont   int
	unmuteTo  int
	showDebug bool
	width     int
	height    int
}

// NewModel creates a model reading from evs and sending commands to submitter.
// Either may be nil.
func NewModel(ctx context.Context, evs <-chan events.Event, submitter Submitter) Model {
	return Model{
		ctx:       ctx,
		events:    evs,
		submitter: submitter,
		snap:      events.Snapshot{State: session.Disconnected.String(), Volume: 100},
	}
}

// Init starts listening for events
func (m Model) Init() tea.Cmd {
	return m.waitForEvent()
}

func (m Model) waitForEvent() tea.Cmd {
	if m.events == nil {
		return nil
	}
	ch := m.events
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return closedMsg{}
		}
		return EventMsg(ev)
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case EventMsg:
		m.applyEvent(events.Event(msg))
		return m, m.waitForEvent()
	case submitResultMsg:
		if msg.err != nil {
			m.lastErr = fmt.Sprintf("%s: %v", msg.cmd.Kind, msg.err)
		}
	case closedMsg:
		return m, tea.Quit
	}

	return m, nil
}

// applyEvent updates the model from a published event
func (m *Model) applyEvent(ev events.Event) {
	if ev.Snapshot.Version >= m.snap.Version {
		m.snap = ev.Snapshot
	}

	switch ev.Kind {
	case events.KindPosition:
		return
	case events.KindState:
		m.lastEvent = fmt.Sprintf("%s -> %s", ev.From, ev.To)
	case events.KindDiscontinuity:
		m.discont++
		m.lastEvent = "discontinuity"
	default:
		m.lastEvent = ev.Kind.String()
	}
	if ev.Err != nil {
		m.lastErr = ev.Err.Error()
	}
}

func (m Model) submit(cmd session.Command) tea.Cmd {
	if m.submitter == nil {
		return nil
	}
	ctx := m.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	submitter := m.submitter
	return func() tea.Msg {
		return submitResultMsg{cmd: cmd, err: submitter.Submit(ctx, cmd)}
	}
}

// handleKey handles keyboard input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case " ", "p":
		kind := session.CmdPlay
		if m.snap.State == session.Streaming.String() {
			kind = session.CmdPause
		}
		return m, m.submit(session.Command{Kind: kind})
	case "s":
		return m, m.submit(session.Command{Kind: session.CmdStop})
	case "up":
		return m, m.submit(session.Command{Kind: session.CmdSetVolume, Volume: clamp(m.snap.Volume+volumeStep, 0, 100)})
	case "down":
		return m, m.submit(session.Command{Kind: session.CmdSetVolume, Volume: clamp(m.snap.Volume-volumeStep, 0, 100)})
	case "m":
		if m.snap.Volume > 0 {
			m.unmuteTo = m.snap.Volume
			return m, m.submit(session.Command{Kind: session.CmdSetVolume, Volume: 0})
		}
		restore := m.unmuteTo
		if restore == 0 {
			restore = 100
		}
		return m, m.submit(session.Command{Kind: session.CmdSetVolume, Volume: restore})
	case "right":
		return m, m.submit(session.Command{Kind: session.CmdSeek, Offset: m.snap.Position + seekStep})
	case "left":
		offset := m.snap.Position - seekStep
		if offset < 0 {
			offset = 0
		}
		return m, m.submit(session.Command{Kind: session.CmdSeek, Offset: offset})
	case "d":
		m.showDebug = !m.showDebug
	}

	return m, nil
}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString(m.renderStreamInfo())
	b.WriteString(m.renderControls())
	if m.showDebug {
		b.WriteString(m.renderDebug())
	}
	b.WriteString(m.renderHelp())
	return b.String()
}

func line(s string) string {
	return fmt.Sprintf("│ %-*s │\n", boxWidth-4, truncate(s, boxWidth-4))
}

func (m Model) renderHeader() string {
	status := "Disconnected"
	if m.snap.State != "" {
		status = strings.ToUpper(m.snap.State[:1]) + m.snap.State[1:]
	}
	if m.snap.Server != "" && m.snap.State != session.Disconnected.String() {
		status += " to " + m.snap.Server
	}
	if m.snap.Reconnecting {
		status = fmt.Sprintf("Reconnecting (attempt %d)", m.snap.Attempt)
	}

	syncText := "Not synced"
	if m.snap.ClockQuality != "" {
		syncText = fmt.Sprintf("%s (offset %+.1fms, rtt %.1fms)", m.snap.ClockQuality,
			float64(m.snap.ClockOffset.Microseconds())/1000.0, float64(m.snap.ClockRTT.Microseconds())/1000.0)
	}

	return "┌─ Sendspin ───────────────────────────────────────────┐\n" +
		line("Status: "+status) +
		line("Sync:   "+syncText) +
		"├──────────────────────────────────────────────────────┤\n"
}

func (m Model) renderStreamInfo() string {
	if m.snap.Format.Codec == "" {
		return line("No stream")
	}

	var b strings.Builder
	b.WriteString(line("Now Playing:"))
	if m.snap.Title != "" {
		b.WriteString(line("  Track:  " + m.snap.Title))
		b.WriteString(line("  Artist: " + m.snap.Artist))
		b.WriteString(line("  Album:  " + m.snap.Album))
	} else {
		b.WriteString(line("  (No metadata)"))
	}
	f := m.snap.Format
	b.WriteString(line(fmt.Sprintf("Format: %s %dHz %s %d-bit", f.Codec, f.SampleRate, channelName(f.Channels), f.BitDepth)))
	b.WriteString(line("Position: " + formatPosition(m.snap.Position)))
	return b.String()
}

func (m Model) renderControls() string {
	mute := ""
	if m.snap.Volume == 0 {
		mute = " (muted)"
	}
	if m.snap.VolumeMixer != "" {
		mute += " via " + m.snap.VolumeMixer
	}
	device := m.snap.DeviceName
	if device == "" {
		device = m.snap.DeviceID
	}
	if m.snap.DeviceMuted {
		device += " [unavailable]"
	}

	s := "├──────────────────────────────────────────────────────┤\n" +
		line(fmt.Sprintf("Volume: [%s] %d%%%s", renderBar(m.snap.Volume, 100, 10), m.snap.Volume, mute)) +
		line(fmt.Sprintf("Buffer: %dms  Underruns: %d", m.snap.Buffered.Milliseconds(), m.snap.Underruns)) +
		line("Device: "+device)
	if m.lastErr != "" {
		s += line("Error: " + m.lastErr)
	}
	return s
}

func (m Model) renderDebug() string {
	return line("DEBUG:") +
		line(fmt.Sprintf("  Snapshot: v%d  Session: %s", m.snap.Version, m.snap.SessionID)) +
		line(fmt.Sprintf("  Last event: %s  Gaps: %d", m.lastEvent, m.discont))
}

func (m Model) renderHelp() string {
	return "├──────────────────────────────────────────────────────┤\n" +
		line("spc:Play/Pause s:Stop ↑↓:Vol m:Mute ←→:Seek q:Quit") +
		"└──────────────────────────────────────────────────────┘\n"
}

// Utility functions
func renderBar(value, max, width int) string {
	filled := clamp(value, 0, max) * width / max
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func truncate(s string, length int) string {
	r := []rune(s)
	if len(r) <= length {
		return s
	}
	return string(r[:length-3]) + "..."
}

func channelName(channels int) string {
	switch channels {
	case 1:
		return "Mono"
	case 2:
		return "Stereo"
	default:
		return fmt.Sprintf("%dch", channels)
	}
}

func formatPosition(d time.Duration) string {
	d = d.Truncate(time.Second)
	return fmt.Sprintf("%d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
