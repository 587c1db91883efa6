// Package tui is the interactive job dashboard behind `aq watch`.
package tui

import (
	"context"
	"fmt"
	"time"

	"agentq/internal/config"
	"agentq/internal/db"

	tea "github.com/charmbracelet/bubbletea"
)

const (
	defaultRefresh = 2 * time.Second
	listLimit      = 200
)

// Canceller cancels every active job of a session.
type Canceller interface {
	CancelSession(ctx context.Context, sessionID string) ([]db.CancelledJob, error)
}

// Model shows the job list, or one job with its rendered summary when
// detail is set.
type Model struct {
	store     *db.Store
	canceller Canceller
	cfg       *config.Config
	refresh   time.Duration

	jobs    []db.Job
	metrics db.Metrics
	cursor  int

	detail *db.Job
	lines  []string
	offset int

	// cancelTarget is the session awaiting y/n confirmation.
	cancelTarget string
	notice       notice

	err           error
	width, height int
}

// notice is the one-line feedback shown above the footer.
type notice struct {
	text  string
	isErr bool
}

func NewModel(store *db.Store, canceller Canceller, cfg *config.Config) Model {
	return Model{store: store, canceller: canceller, cfg: cfg, refresh: defaultRefresh}
}

type (
	snapshotMsg struct {
		jobs    []db.Job
		metrics db.Metrics
	}
	tickMsg      time.Time
	cancelledMsg struct {
		sessionID string
		count     int
		err       error
	}
	errMsg struct{ err error }
)

func (m Model) Init() tea.Cmd { return tea.Batch(m.load, m.tick()) }

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// load reads the newest jobs and the status counts in one go.
func (m Model) load() tea.Msg {
	ctx := context.Background()
	jobs, err := m.store.ListJobs(ctx, db.JobFilter{Limit: listLimit})
	if err != nil {
		return errMsg{err}
	}
	metrics, err := m.store.Metrics(ctx)
	if err != nil {
		return errMsg{err}
	}
	return snapshotMsg{jobs: jobs, metrics: metrics}
}

func (m Model) cancelCmd(sessionID string) tea.Cmd {
	return func() tea.Msg {
		jobs, err := m.canceller.CancelSession(context.Background(), sessionID)
		return cancelledMsg{sessionID: sessionID, count: len(jobs), err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		if m.detail != nil {
			m.lines = renderSummary(*m.detail, m.contentWidth())
		}
	case tickMsg:
		return m, tea.Batch(m.load, m.tick())
	case snapshotMsg:
		m.err = nil
		m.jobs, m.metrics = msg.jobs, msg.metrics
		m.cursor = clamp(m.cursor, 0, len(m.jobs)-1)
		if m.detail != nil {
			m = m.syncDetail()
		}
	case cancelledMsg:
		m.cancelTarget = ""
		switch {
		case msg.err != nil:
			m.notice = notice{text: "Cancel failed: " + msg.err.Error(), isErr: true}
			return m, nil
		case msg.count == 0:
			m.notice = notice{text: "Nothing to cancel in session " + msg.sessionID}
		default:
			m.notice = notice{text: fmt.Sprintf("Cancelled %d job(s) in session %s", msg.count, msg.sessionID)}
		}
		return m, m.load
	case errMsg:
		m.err = msg.err
	case tea.KeyMsg:
		return m.onKey(msg.String())
	}
	return m, nil
}

// syncDetail points the detail view at the freshest copy of its job and
// re-renders the summary if anything visible changed.
func (m Model) syncDetail() Model {
	for _, job := range m.jobs {
		if job.ID != m.detail.ID {
			continue
		}
		stale := job.UpdatedAt != m.detail.UpdatedAt || job.Status != m.detail.Status || job.Summary != m.detail.Summary
		m.detail = &job
		if stale {
			m.lines = renderSummary(job, m.contentWidth())
			m.offset = min(m.offset, m.maxOffset())
		}
		break
	}
	return m
}

func (m Model) onKey(key string) (tea.Model, tea.Cmd) {
	if key == "q" || key == "ctrl+c" {
		return m, tea.Quit
	}
	if m.cancelTarget != "" {
		switch key {
		case "y":
			return m, m.cancelCmd(m.cancelTarget)
		case "n", "esc":
			m.cancelTarget = ""
		}
		return m, nil
	}
	if key == "r" {
		return m, m.load
	}
	if m.detail != nil {
		return m.onDetailKey(key), nil
	}
	return m.onListKey(key), nil
}

func (m Model) onListKey(key string) Model {
	if len(m.jobs) == 0 {
		return m
	}
	switch key {
	case "up", "k":
		m.cursor = max(m.cursor-1, 0)
	case "down", "j":
		m.cursor = min(m.cursor+1, len(m.jobs)-1)
	case "enter":
		job := m.jobs[m.cursor]
		m.detail = &job
		m.lines = renderSummary(job, m.contentWidth())
		m.offset = 0
		m.notice = notice{}
	case "c":
		m = m.confirmCancel(m.jobs[m.cursor])
	}
	return m
}

func (m Model) onDetailKey(key string) Model {
	page := m.viewportHeight()
	switch key {
	case "up", "k":
		m.offset = max(m.offset-1, 0)
	case "down", "j":
		m.offset = min(m.offset+1, m.maxOffset())
	case "pgup":
		m.offset = max(m.offset-page, 0)
	case "pgdown", " ":
		m.offset = min(m.offset+page, m.maxOffset())
	case "c":
		m = m.confirmCancel(*m.detail)
	case "esc":
		m.detail, m.lines, m.offset = nil, nil, 0
		m.notice = notice{}
	}
	return m
}

// confirmCancel asks before cancelling the job's session. Finished jobs get
// a notice instead.
func (m Model) confirmCancel(job db.Job) Model {
	if db.IsTerminalStatus(job.Status) {
		m.notice = notice{text: fmt.Sprintf("Job %s is already %s", db.ShortID(job.ID), job.Status)}
		return m
	}
	m.cancelTarget = job.SessionID
	m.notice = notice{}
	return m
}

func (m Model) maxOffset() int {
	return max(len(m.lines)-m.viewportHeight(), 0)
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		return lo
	}
	return min(max(v, lo), hi)
}
