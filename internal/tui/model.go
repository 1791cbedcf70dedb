package tui

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"tcpview/internal/app"
	"tcpview/internal/conntable"
	"tcpview/internal/tracker"
)

// Controller defines the subset of app.App behaviour the TUI needs.
type Controller interface {
	Start()
	Done() <-chan struct{}
	Err() error
	OnUpdate(func(tracker.Update))
	Records(query string) ([]tracker.Record, error)
	Mode() tracker.Mode
	SetPaused(bool)
	SetCapturing(bool)
	DeleteStale(keys ...conntable.Key) (int, error)
	DeleteAllStale() (int, error)
	ResolveNames(context.Context) error
	NamesActive() bool
	Export(path string) error
}

type namesState int

const (
	namesLocal namesState = iota
	namesPending
	namesElevated
)

var columns = []table.Column{
	{Title: "Proto", Width: 5},
	{Title: "Local", Width: 24},
	{Title: "Remote", Width: 24},
	{Title: "State", Width: 12},
	{Title: "PID", Width: 7},
	{Title: "Process", Width: 16},
	{Title: "User", Width: 10},
	{Title: "Tx/Rx", Width: 11},
	{Title: "Seen", Width: 14},
}

// Model represents the Bubble Tea state.
type Model struct {
	ctrl Controller

	table     table.Model
	filter    textinput.Model
	filtering bool
	query     string

	records []tracker.Record
	mode    tracker.Mode
	names   namesState

	status string
	err    error
	fatal  error

	width  int
	height int

	lastUpdated time.Time
}

// New constructs a TUI model with default styles.
func New(ctrl Controller) *Model {
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	st := table.DefaultStyles()
	st.Header = st.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	st.Selected = st.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57"))
	t.SetStyles(st)

	in := textinput.New()
	in.Prompt = "/ "
	in.Placeholder = "proto:tcp state:listen pid:42 stale text"
	in.CharLimit = 256

	m := &Model{
		ctrl:   ctrl,
		table:  t,
		filter: in,
		status: "Reading connection table…",
		mode:   ctrl.Mode(),
	}
	if ctrl.NamesActive() {
		m.names = namesElevated
	}
	return m
}

// Run spins up the Bubble Tea program and the polling loop feeding it.
func Run(ctrl Controller) error {
	m := New(ctrl)
	prog := tea.NewProgram(m, tea.WithAltScreen())
	ctrl.OnUpdate(func(u tracker.Update) {
		prog.Send(updateMsg{update: u})
	})
	defer ctrl.OnUpdate(nil)
	ctrl.Start()

	if _, err := prog.Run(); err != nil {
		return err
	}
	return m.fatal
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return waitDoneCmd(m.ctrl)
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if h := msg.Height - 9; h > 3 {
			m.table.SetHeight(h)
		} else {
			m.table.SetHeight(3)
		}
		m.table.SetWidth(msg.Width)
		return m, nil

	case updateMsg:
		m.lastUpdated = msg.update.At
		m.status = ""
		m.reload()
		return m, nil

	case namesMsg:
		if msg.err != nil {
			m.names = namesLocal
			m.err = msg.err
			m.status = "Name resolution unavailable; press n to retry."
		} else {
			m.names = namesElevated
			m.err = nil
			m.status = "Resolving names with elevated rights."
		}
		return m, nil

	case exportedMsg:
		if msg.err != nil {
			m.err = msg.err
		} else {
			m.err = nil
			m.status = "Saved " + msg.path
		}
		return m, nil

	case engineDoneMsg:
		if msg.err != nil {
			m.fatal = msg.err
			return m, tea.Quit
		}
		return m, nil

	case tea.KeyMsg:
		if m.filtering {
			return m.updateFilter(msg)
		}
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "p":
			m.ctrl.SetPaused(!m.ctrl.Mode().Paused)
			m.mode = m.ctrl.Mode()
			return m, nil
		case "c":
			m.ctrl.SetCapturing(!m.ctrl.Mode().Capturing)
			m.mode = m.ctrl.Mode()
			if !m.mode.Capturing {
				m.status = "Capture off: stale rows go away on the next update."
			}
			return m, nil
		case "n":
			if m.names != namesLocal {
				return m, nil
			}
			m.names = namesPending
			m.status = "Waiting for authorisation…"
			return m, resolveNamesCmd(m.ctrl)
		case "d":
			rec := m.current()
			if rec == nil || rec.Marker != tracker.PendingRemoval {
				m.status = "Only stale rows can be deleted."
				return m, nil
			}
			m.deleted(m.ctrl.DeleteStale(rec.Key))
			return m, nil
		case "D":
			m.deleted(m.ctrl.DeleteAllStale())
			return m, nil
		case "/":
			m.filtering = true
			m.filter.SetValue(m.query)
			m.filter.CursorEnd()
			m.table.Blur()
			return m, m.filter.Focus()
		case "w":
			return m, exportCmd(m.ctrl, app.ExportName(time.Now()))
		}
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *Model) updateFilter(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEnter:
		query := strings.TrimSpace(m.filter.Value())
		if _, err := m.ctrl.Records(query); err != nil {
			m.err = err
			return m, nil
		}
		m.query = query
		m.err = nil
		m.stopFiltering()
		m.reload()
		return m, nil
	case tea.KeyEsc:
		m.stopFiltering()
		return m, nil
	}
	var cmd tea.Cmd
	m.filter, cmd = m.filter.Update(msg)
	return m, cmd
}

func (m *Model) stopFiltering() {
	m.filtering = false
	m.filter.Blur()
	m.table.Focus()
}

func (m *Model) deleted(n int, err error) {
	if err != nil {
		m.err = err
		return
	}
	m.err = nil
	m.status = fmt.Sprintf("Deleted %d stale %s.", n, plural(n, "row", "rows"))
	m.reload()
}

func (m *Model) reload() {
	m.mode = m.ctrl.Mode()
	m.names = m.namesState()
	recs, err := m.ctrl.Records(m.query)
	if err != nil {
		m.err = err
		return
	}
	m.records = recs
	rows := make([]table.Row, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, table.Row(Row(r)))
	}
	m.table.SetRows(rows)
	if c := m.table.Cursor(); c >= len(rows) && len(rows) > 0 {
		m.table.SetCursor(len(rows) - 1)
	}
}

func (m *Model) namesState() namesState {
	switch {
	case m.names == namesPending:
		return namesPending
	case m.ctrl.NamesActive():
		return namesElevated
	default:
		return namesLocal
	}
}

func (m *Model) current() *tracker.Record {
	idx := m.table.Cursor()
	if idx < 0 || idx >= len(m.records) {
		return nil
	}
	return &m.records[idx]
}

// Headers returns the column titles used by Row.
func Headers() []string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = c.Title
	}
	return out
}

// Row renders r as display cells in Headers order.
func Row(r tracker.Record) []string {
	state := r.State
	if r.Marker == tracker.PendingRemoval {
		state = "✗ " + state
	}
	pid := "-"
	if r.HasOwner() {
		pid = strconv.Itoa(r.PID)
	}
	return []string{
		string(r.Key.Proto),
		r.Key.Local.String(),
		r.Key.Remote.String(),
		state,
		pid,
		valueOrDash(r.Exe),
		valueOrDash(r.User),
		humanize.Comma(int64(r.TxQueue)) + "/" + humanize.Comma(int64(r.RxQueue)),
		humanize.Time(r.FirstSeen),
	}
}

// View implements tea.Model.
func (m *Model) View() string {
	var b strings.Builder

	b.WriteString(m.header())
	b.WriteByte('\n')
	b.WriteString(m.table.View())
	b.WriteByte('\n')

	if m.filtering {
		b.WriteString(m.filter.View())
		b.WriteByte('\n')
	} else if m.query != "" {
		b.WriteString(dimStyle.Render("filter: " + m.query))
		b.WriteByte('\n')
	}

	if rec := m.current(); rec != nil {
		b.WriteString(detailStyle.Render(detail(*rec)))
		b.WriteByte('\n')
	}

	if m.err != nil {
		b.WriteString(errStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		b.WriteByte('\n')
	} else if m.status != "" {
		b.WriteString(m.status)
		b.WriteByte('\n')
	}

	help := "q quit • p pause • c capture • n names • d delete stale • D delete all stale • / filter • w save"
	b.WriteString(dimStyle.Render(help))
	return b.String()
}

var (
	liveStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	pausedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	detailStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

func (m *Model) header() string {
	parts := make([]string, 0, 5)
	if m.mode.Paused {
		parts = append(parts, pausedStyle.Render("PAUSED"))
	} else {
		parts = append(parts, liveStyle.Render("LIVE"))
	}
	if m.mode.Capturing {
		parts = append(parts, "capture on")
	} else {
		parts = append(parts, "capture off")
	}
	switch m.names {
	case namesPending:
		parts = append(parts, "names: authorising")
	case namesElevated:
		parts = append(parts, "names: all processes")
	default:
		parts = append(parts, "names: own processes")
	}
	parts = append(parts, fmt.Sprintf("%d %s", len(m.records), plural(len(m.records), "connection", "connections")))
	if !m.lastUpdated.IsZero() {
		parts = append(parts, "updated "+m.lastUpdated.Local().Format(time.TimeOnly))
	}
	return strings.Join(parts, " • ")
}

func detail(r tracker.Record) string {
	cmdline := strings.Join(r.Cmdline, " ")
	lines := []string{
		fmt.Sprintf("%s %s → %s  %s  [%s]", r.Key.Proto, r.Key.Local, r.Key.Remote, r.State, r.Marker),
		fmt.Sprintf("remote host %s port %d", r.Key.Remote.Addr(), r.Key.Remote.Port()),
		fmt.Sprintf("pid=%s exe=%s user=%s uid=%d inode=%d", pidOrDash(r.PID), valueOrDash(r.Exe), valueOrDash(r.User), r.UID, r.Inode),
		"cmd=" + valueOrDash(cmdline),
		fmt.Sprintf("first seen %s, last seen %s", humanize.Time(r.FirstSeen), humanize.Time(r.LastSeen)),
	}
	return strings.Join(lines, "\n")
}

func pidOrDash(pid int) string {
	if pid <= 0 {
		return "-"
	}
	return strconv.Itoa(pid)
}

func valueOrDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

type updateMsg struct {
	update tracker.Update
}

type namesMsg struct{ err error }

type exportedMsg struct {
	path string
	err  error
}

type engineDoneMsg struct{ err error }

func waitDoneCmd(ctrl Controller) tea.Cmd {
	return func() tea.Msg {
		<-ctrl.Done()
		return engineDoneMsg{err: ctrl.Err()}
	}
}

func resolveNamesCmd(ctrl Controller) tea.Cmd {
	return func() tea.Msg {
		return namesMsg{err: ctrl.ResolveNames(context.Background())}
	}
}

func exportCmd(ctrl Controller, path string) tea.Cmd {
	return func() tea.Msg {
		return exportedMsg{path: path, err: ctrl.Export(path)}
	}
}
