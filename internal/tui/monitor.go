// Package tui implements the overseer monitor, a terminal view of a running
// service fed by its /events stream and /healthz.
package tui

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/overseer/internal/events"
)

const (
	maxEventLog    = 50
	maxSubmissions = 200

	healthInterval    = 5 * time.Second
	reconnectInterval = 3 * time.Second
)

// SubmissionState is the monitor's view of one submission, built from events.
type SubmissionState struct {
	ID               string
	Worker           string
	Status           string
	Attempt          int
	RetriesRemaining int
	Messages         int
	LastError        string
	QueuedAt         time.Time
	StartedAt        time.Time
	FinishedAt       time.Time
}

func (s *SubmissionState) terminal() bool {
	return !s.FinishedAt.IsZero()
}

// HealthState tracks service health from /healthz polling.
type HealthState struct {
	Status        string
	UptimeSeconds int64
	Active        int
	Queued        int
	Workers       int
	Connected     bool
	Destroyed     bool
	LastCheck     time.Time
}

type Model struct {
	apiURL string
	token  string

	width  int
	height int

	health      HealthState
	submissions map[string]*SubmissionState
	eventLog    []events.Event
	lastEvent   time.Time

	table table.Model
	theme Theme

	hubEvents chan events.Event
	lastError string
}

// eventData is the union of the payload fields the service publishes.
type eventData struct {
	SubmissionID     string `json:"submission_id"`
	Worker           string `json:"worker"`
	Attempt          int    `json:"attempt"`
	RetriesRemaining int    `json:"retries_remaining"`
	Result           string `json:"result"`
	Messages         int    `json:"messages"`
	Error            string `json:"error"`
}

func NewMonitor(apiURL, token string) *Model {
	theme := NewDefaultTheme()

	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Submission", Width: 10},
			{Title: "Worker", Width: 18},
			{Title: "Status", Width: 10},
			{Title: "Try", Width: 4},
			{Title: "Msgs", Width: 5},
			{Title: "Duration", Width: 10},
			{Title: "Error", Width: 30},
		}),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	t.SetStyles(theme.Table)

	return &Model{
		apiURL:      apiURL,
		token:       token,
		submissions: make(map[string]*SubmissionState),
		hubEvents:   make(chan events.Event, 128),
		table:       t,
		theme:       theme,
	}
}

// Run starts the monitor on the terminal and blocks until the user quits.
func Run(apiURL, token string) error {
	_, err := tea.NewProgram(NewMonitor(apiURL, token), tea.WithAltScreen()).Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.token, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL, m.token) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if msg.Height > 24 {
			m.table.SetHeight(msg.Height - 24)
		}

	case tickMsg:
		m.refreshTable()
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		m.handleEvent(events.Event(msg))
		m.health.Connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.Active = msg.Active
		m.health.Queued = msg.Queued
		m.health.Workers = msg.Workers
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		m.lastError = ""
		return m, m.pollHealth()

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		if msg.err != nil {
			m.lastError = "event stream: " + msg.err.Error() + ", reconnecting..."
		}
		// The pending receiveNextEvent keeps waiting on the same channel.
		return m, tea.Tick(reconnectInterval, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.token, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, m.pollHealth()
	}

	return m, nil
}

func (m Model) pollHealth() tea.Cmd {
	return tea.Tick(healthInterval, func(time.Time) tea.Msg {
		return fetchHealth(m.apiURL, m.token)
	})
}

func (m *Model) handleEvent(e events.Event) {
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > maxEventLog {
		m.eventLog = m.eventLog[:maxEventLog]
	}
	m.lastEvent = time.Now()

	var data eventData
	_ = json.Unmarshal(e.Data, &data)

	if e.Type == events.SupervisorDestroyed {
		m.health.Destroyed = true
		m.refreshTable()
		return
	}
	if data.SubmissionID == "" {
		return
	}

	sub := m.submission(data.SubmissionID, data.Worker)
	switch e.Type {
	case events.SubmissionQueued:
		sub.Status = "queued"
		sub.QueuedAt = e.At
	case events.AttemptStarted:
		sub.Status = "running"
		sub.Attempt = data.Attempt
		sub.RetriesRemaining = data.RetriesRemaining
		if sub.StartedAt.IsZero() {
			sub.StartedAt = e.At
		}
	case events.AttemptRetried:
		sub.Status = "retrying"
		sub.Attempt = data.Attempt
		sub.RetriesRemaining = data.RetriesRemaining
		sub.LastError = data.Error
	case events.SubmissionCompleted:
		sub.Status = data.Result
		sub.Messages = data.Messages
		sub.LastError = data.Error
		sub.FinishedAt = e.At
	case events.SubmissionDropped:
		sub.Status = "dropped"
		sub.LastError = data.Error
		sub.FinishedAt = e.At
	}

	m.evict()
	m.refreshTable()
}

func (m *Model) submission(id, worker string) *SubmissionState {
	sub, ok := m.submissions[id]
	if !ok {
		sub = &SubmissionState{ID: id}
		m.submissions[id] = sub
	}
	if worker != "" {
		sub.Worker = worker
	}
	return sub
}

// evict forgets the oldest finished submissions once the table is full.
// In-flight submissions are never evicted.
func (m *Model) evict() {
	if len(m.submissions) <= maxSubmissions {
		return
	}
	var done []*SubmissionState
	for _, s := range m.submissions {
		if s.terminal() {
			done = append(done, s)
		}
	}
	sort.Slice(done, func(i, j int) bool { return done[i].FinishedAt.Before(done[j].FinishedAt) })
	for _, s := range done {
		if len(m.submissions) <= maxSubmissions {
			break
		}
		delete(m.submissions, s.ID)
	}
}

// ordered returns in-flight submissions first, then finished ones, newest
// first within each group.
func (m *Model) ordered() []*SubmissionState {
	out := make([]*SubmissionState, 0, len(m.submissions))
	for _, s := range m.submissions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.terminal() != b.terminal() {
			return !a.terminal()
		}
		if !a.seen().Equal(b.seen()) {
			return a.seen().After(b.seen())
		}
		return a.ID < b.ID
	})
	return out
}

func (s *SubmissionState) seen() time.Time {
	switch {
	case !s.FinishedAt.IsZero():
		return s.FinishedAt
	case !s.StartedAt.IsZero():
		return s.StartedAt
	}
	return s.QueuedAt
}

func (m *Model) refreshTable() {
	subs := m.ordered()
	rows := make([]table.Row, 0, len(subs))
	for _, s := range subs {
		rows = append(rows, m.row(s))
	}
	m.table.SetRows(rows)
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to overseer..."
	}

	parts := []string{
		renderHeader(m.health, m.lastEvent, m.theme, m.width),
		m.theme.Border.Width(m.width - 4).Render(
			lipgloss.JoinVertical(lipgloss.Left, m.theme.Title.Render("SUBMISSIONS"), m.table.View()),
		),
		renderEventStream(m.eventLog, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(" ⚠ "+m.lastError))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] Quit • [↑/↓] Scroll submissions"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}
