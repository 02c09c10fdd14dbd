// Package ui is igclient's bubbletea TUI: a live list of attached
// transceivers and a scrolling view of the selected device's RECV
// stream, grounded on the list.Model/viewport.Model/lipgloss.Style
// conventions and Model/Init/Update/View shape in
// _examples/guiperry-HASHER/internal/cli/ui/ui.go, scaled down from a
// chat client to a device/packet browser.
package ui

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"iguanaird/internal/daemon/registry"
	"iguanaird/internal/protocol"
	"iguanaird/internal/protocol/framing"
	"iguanaird/internal/transport"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#F5F5F5")).
			Background(lipgloss.Color("#2563EB")).
			Padding(0, 1)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280")).
			Padding(0, 1)

	streamStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#374151")).
			Padding(0, 1)

	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#DC2626"))

	copyNoticeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#16A34A")).Italic(true)
)

// deviceItem adapts registry.DeviceInfo to bubbles/list's list.Item.
type deviceItem struct {
	info registry.DeviceInfo
}

func (i deviceItem) Title() string { return fmt.Sprintf("device %d", i.info.ID) }
func (i deviceItem) Description() string {
	return fmt.Sprintf("%s  requests=%d errors=%d", i.info.Location, i.info.Stats.TotalRequests, i.info.Stats.TotalErrors)
}
func (i deviceItem) FilterValue() string { return i.info.Location }

// streamEvent is either a decoded RECV line or a terminal error,
// pushed onto a Model's streamCh by connectToDevice's reader goroutine
// and drained by pollStream's re-arming tea.Tick loop.
type streamEvent struct {
	line string
	err  error
}

// refreshMsg carries a fresh device list polled from the control socket.
type refreshMsg struct {
	devices []registry.DeviceInfo
	err     error
}

type tickMsg time.Time
type pollStreamMsg struct{}

// Model is igclient's bubbletea model.
type Model struct {
	socketRoot string

	devices list.Model
	stream  viewport.Model
	lines   []string

	connectedID  int
	streamCh     chan streamEvent
	streamCancel func()

	connErr    error
	copyNotice string
	width      int
	height     int
}

// New builds the initial Model, pointed at a daemon's socket root.
func New(socketRoot string) Model {
	devices := list.New(nil, list.NewDefaultDelegate(), 40, 16)
	devices.Title = "iguanaIR devices"
	devices.SetShowStatusBar(false)
	devices.SetFilteringEnabled(false)

	stream := viewport.New(60, 16)
	stream.Style = streamStyle

	return Model{
		socketRoot:  socketRoot,
		devices:     devices,
		stream:      stream,
		connectedID: -1,
		streamCh:    make(chan streamEvent, 64),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(pollDevices(m.socketRoot), tickEvery())
}

func tickEvery() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// pollDevices queries the control socket's CtlList opcode once.
func pollDevices(socketRoot string) tea.Cmd {
	return func() tea.Msg {
		conn, err := transport.Dial(socketRoot, "ctl")
		if err != nil {
			return refreshMsg{err: err}
		}
		defer conn.Close()

		if err := conn.WriteFrame(framing.WireFrame{Opcode: registry.CtlList}); err != nil {
			return refreshMsg{err: err}
		}
		resp, err := conn.ReadFrame()
		if err != nil {
			return refreshMsg{err: err}
		}
		var devices []registry.DeviceInfo
		if err := json.Unmarshal(resp.Payload, &devices); err != nil {
			return refreshMsg{err: err}
		}
		return refreshMsg{devices: devices}
	}
}

// connectToDevice dials the selected device's socket, completes the
// EXCH_VERSIONS handshake, subscribes with RECVON, and pushes decoded
// pulse lines onto ch until the connection drops or stop fires.
func connectToDevice(socketRoot string, id int, ch chan<- streamEvent) func() {
	stop := make(chan struct{})
	go func() {
		conn, err := transport.Dial(socketRoot, fmt.Sprintf("%d", id))
		if err != nil {
			ch <- streamEvent{err: err}
			return
		}
		defer conn.Close()
		go func() { <-stop; conn.Close() }()

		version := make([]byte, 2)
		binary.LittleEndian.PutUint16(version, 1)
		if err := conn.WriteFrame(framing.WireFrame{Opcode: protocol.OpExchVersions, DataLen: 2, Payload: version}); err != nil {
			ch <- streamEvent{err: err}
			return
		}
		if _, err := conn.ReadFrame(); err != nil {
			ch <- streamEvent{err: err}
			return
		}
		if err := conn.WriteFrame(framing.WireFrame{Opcode: protocol.OpRecvOn}); err != nil {
			ch <- streamEvent{err: err}
			return
		}
		if _, err := conn.ReadFrame(); err != nil {
			ch <- streamEvent{err: err}
			return
		}

		for {
			frame, err := conn.ReadFrame()
			if err != nil {
				ch <- streamEvent{err: err}
				return
			}
			if frame.Opcode != protocol.OpRecv {
				continue
			}
			pulses := make([]uint32, len(frame.Payload)/4)
			for i := range pulses {
				pulses[i] = binary.LittleEndian.Uint32(frame.Payload[i*4:])
			}
			ch <- streamEvent{line: formatPulses(pulses)}
		}
	}()
	return func() { close(stop) }
}

// pollStream drains one pending streamEvent (if any) and re-arms
// itself, following LogChan's pollServerLogsMsg tea.Tick loop.
func pollStream(ch <-chan streamEvent) tea.Cmd {
	return tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
		select {
		case ev := <-ch:
			return ev
		default:
			return pollStreamMsg{}
		}
	})
}

func formatPulses(pulses []uint32) string {
	parts := make([]string, len(pulses))
	for i, v := range pulses {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return strings.Join(parts, " ")
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.devices.SetSize(msg.Width/2-2, msg.Height-6)
		m.stream.Width = msg.Width/2 - 2
		m.stream.Height = msg.Height - 6
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.streamCancel != nil {
				m.streamCancel()
			}
			return m, tea.Quit
		case "c":
			if item, ok := m.devices.SelectedItem().(deviceItem); ok {
				clipboard.WriteAll(item.info.Location)
				m.copyNotice = "copied " + item.info.Location
			}
			return m, nil
		case "enter":
			item, ok := m.devices.SelectedItem().(deviceItem)
			if !ok || item.info.ID == m.connectedID {
				return m, nil
			}
			if m.streamCancel != nil {
				m.streamCancel()
			}
			m.lines = nil
			m.connectedID = item.info.ID
			m.streamCancel = connectToDevice(m.socketRoot, item.info.ID, m.streamCh)
			return m, pollStream(m.streamCh)
		}

	case tickMsg:
		return m, tea.Batch(pollDevices(m.socketRoot), tickEvery())

	case refreshMsg:
		if msg.err != nil {
			m.connErr = msg.err
			return m, nil
		}
		m.connErr = nil
		items := make([]list.Item, len(msg.devices))
		for i, d := range msg.devices {
			items[i] = deviceItem{info: d}
		}
		m.devices.SetItems(items)
		return m, nil

	case pollStreamMsg:
		if m.streamCancel == nil {
			return m, nil
		}
		return m, pollStream(m.streamCh)

	case streamEvent:
		if msg.err != nil {
			m.connErr = msg.err
			m.connectedID = -1
			m.streamCancel = nil
			return m, nil
		}
		m.lines = append(m.lines, msg.line)
		if len(m.lines) > 500 {
			m.lines = m.lines[len(m.lines)-500:]
		}
		wrapped := make([]string, len(m.lines))
		for i, line := range m.lines {
			wrapped[i] = ansi.Wordwrap(line, m.stream.Width, " ")
		}
		m.stream.SetContent(strings.Join(wrapped, "\n"))
		m.stream.GotoBottom()
		return m, pollStream(m.streamCh)
	}

	var cmd tea.Cmd
	m.devices, cmd = m.devices.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	header := headerStyle.Render("igclient")
	footer := footerStyle.Render("enter: select device · c: copy location · q: quit")
	if m.copyNotice != "" {
		footer = footer + "  " + copyNoticeStyle.Render(m.copyNotice)
	}

	body := lipgloss.JoinHorizontal(lipgloss.Top, m.devices.View(), m.stream.View())

	var errLine string
	if m.connErr != nil {
		errLine = errorStyle.Render(m.connErr.Error())
	}

	return lipgloss.JoinVertical(lipgloss.Left, header, body, errLine, footer)
}
