package tui

import (
	"fmt"
	"strings"
	"time"

	"agentq/internal/daemon"
	"agentq/internal/db"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

// framePad is the horizontal padding on each side of the frame.
const framePad = 2

// fallbackWidth is used until the first WindowSizeMsg arrives.
const fallbackWidth = 76

var (
	frameStyle  = lipgloss.NewStyle().Padding(1, framePad)
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("46"))
	columnStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("37"))
	cursorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("46"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	keyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	promptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	statusStyle = map[string]lipgloss.Style{
		db.StatusPending:    lipgloss.NewStyle().Foreground(lipgloss.Color("246")),
		db.StatusProcessing: lipgloss.NewStyle().Foreground(lipgloss.Color("33")),
		db.StatusCompleted:  lipgloss.NewStyle().Foreground(lipgloss.Color("46")),
		db.StatusFailed:     lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		db.StatusCancelled:  lipgloss.NewStyle().Foreground(lipgloss.Color("208")),
	}
	statusOrder = []string{db.StatusPending, db.StatusProcessing, db.StatusCompleted, db.StatusFailed, db.StatusCancelled}
)

const (
	listFooter   = "j/k navigate  enter details  c cancel session  r refresh  q quit"
	detailFooter = "j/k scroll  c cancel session  r refresh  esc back  q quit"
)

// column widths of the job table
const (
	colJob     = 10
	colStatus  = 12
	colSession = 18
	colTry     = 7
	colPrompt  = 48
)

func styleFor(status string) lipgloss.Style {
	if st, ok := statusStyle[status]; ok {
		return st
	}
	return mutedStyle
}

// screen accumulates rendered lines.
type screen struct {
	strings.Builder
	width int
}

func (s *screen) line(parts ...string) {
	for _, p := range parts {
		s.WriteString(p)
	}
	s.WriteByte('\n')
}

func (s *screen) rule() { s.line(mutedStyle.Render(strings.Repeat("─", s.width))) }

func (m Model) View() string {
	if m.err != nil {
		return frameStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}
	if m.detail != nil {
		return frameStyle.Render(m.detailView())
	}
	return frameStyle.Render(m.listView())
}

func (m Model) listView() string {
	s := &screen{width: m.contentWidth()}
	s.line(titleStyle.Render("AGENTQ"))
	s.rule()
	s.line()
	m.writeDashboard(s)
	s.rule()

	if len(m.jobs) == 0 {
		s.line(mutedStyle.Render("No jobs yet. Enqueue one with `aq enqueue`."))
	} else {
		s.line("  ",
			columnStyle.Render(padRight("JOB", colJob)),
			columnStyle.Render(padRight("STATUS", colStatus)),
			columnStyle.Render(padRight("SESSION", colSession)),
			columnStyle.Render(padRight("TRY", colTry)),
			columnStyle.Render(padRight("PROMPT", colPrompt)),
			columnStyle.Render("UPDATED"))
		for i, job := range m.jobs {
			s.line(m.jobRow(i, job))
		}
	}

	s.rule()
	m.writeNotice(s)
	s.WriteString(mutedStyle.Render(listFooter))
	return s.String()
}

func (m Model) writeDashboard(s *screen) {
	state := errorStyle.Bold(true).Render("●") + " stopped"
	if m.cfg != nil && daemon.IsRunning(m.cfg.PIDFile) {
		state = cursorStyle.Render("●") + " running"
	}
	field := func(k, v string) { s.line("  ", keyStyle.Render(padRight(k, 9)), "  ", v) }
	field("daemon", state)
	if m.cfg != nil {
		field("executor", m.cfg.Executor.Provider)
		field("workers", fmt.Sprint(m.cfg.Worker.MaxConcurrent))
	}
	s.line()

	counts := map[string]int{
		db.StatusPending:    m.metrics.Pending,
		db.StatusProcessing: m.metrics.Processing,
		db.StatusCompleted:  m.metrics.Completed,
		db.StatusFailed:     m.metrics.Failed,
		db.StatusCancelled:  m.metrics.Cancelled,
	}
	cells := make([]string, 0, len(statusOrder))
	for _, st := range statusOrder {
		cells = append(cells, fmt.Sprintf("%s %d", styleFor(st).Render(st), counts[st]))
	}
	s.line("  ", strings.Join(cells, "   "))
	s.line()
}

func (m Model) jobRow(i int, job db.Job) string {
	marker := "  "
	if i == m.cursor {
		marker = "> "
	}
	clock := job.UpdatedAt
	if len(clock) >= 19 {
		clock = clock[11:19]
	}
	row := marker +
		padRight(db.ShortID(job.ID), colJob) +
		styleFor(job.Status).Render(padRight(job.Status, colStatus)) +
		padRight(truncate(job.SessionID, colSession-1), colSession) +
		padRight(fmt.Sprintf("%d/%d", job.Attempts, job.MaxAttempts), colTry) +
		padRight(truncate(oneLine(job.Payload.Prompt), colPrompt-2), colPrompt) +
		mutedStyle.Render(clock)
	if i == m.cursor {
		return cursorStyle.Render(row)
	}
	return row
}

func (m Model) detailView() string {
	job := m.detail
	s := &screen{width: m.contentWidth()}
	valueWidth := s.width - 12

	s.line(titleStyle.Render("JOB"), mutedStyle.Render("  "+job.ID))
	s.rule()

	field := func(k, v string) { s.line(columnStyle.Render(fmt.Sprintf("%-11s", k)), " ", v) }
	field("Status", styleFor(job.Status).Render(job.Status))
	field("Session", job.SessionID)
	field("Prompt ID", job.PromptID)
	field("Attempts", fmt.Sprintf("%d/%d", job.Attempts, job.MaxAttempts))
	field("Directory", job.Payload.WorkingDirectory)
	if job.Status == db.StatusPending && job.NextRetryAt != "" {
		field("Next retry", job.NextRetryAt)
	}
	field("Created", job.CreatedAt)
	if job.StartedAt != "" {
		field("Started", job.StartedAt)
	}
	if job.CompletedAt != "" {
		field("Finished", job.CompletedAt)
	}
	if job.DurationMS > 0 {
		field("Duration", (time.Duration(job.DurationMS) * time.Millisecond).String())
	}
	if job.Error != "" {
		field("Error", errorStyle.Render(truncate(oneLine(job.Error), valueWidth)))
	}
	field("Prompt", truncate(oneLine(job.Payload.Prompt), valueWidth))

	s.line()
	s.line(titleStyle.Render("SUMMARY"), mutedStyle.Render(m.scrollIndicator()))
	s.rule()
	end := min(m.offset+m.viewportHeight(), len(m.lines))
	for _, l := range m.lines[min(m.offset, end):end] {
		s.line(l)
	}
	s.rule()
	m.writeNotice(s)
	s.WriteString(mutedStyle.Render(detailFooter))
	return s.String()
}

func (m Model) writeNotice(s *screen) {
	switch {
	case m.cancelTarget != "":
		s.line(promptStyle.Render(fmt.Sprintf("Cancel all active jobs in session %s? (y/n)", m.cancelTarget)))
	case m.notice.isErr:
		s.line(errorStyle.Render(m.notice.text))
	case m.notice.text != "":
		s.line(keyStyle.Render(m.notice.text))
	}
}

func renderSummary(job db.Job, width int) []string {
	switch {
	case job.Summary != "":
		return renderMarkdown(job.Summary, width)
	case job.Status == db.StatusProcessing:
		return []string{"(in progress)"}
	case job.Status == db.StatusPending:
		return []string{"(waiting to run)"}
	default:
		return []string{"(no summary)"}
	}
}

// renderMarkdown styles text with glamour, falling back to the raw lines.
func renderMarkdown(text string, width int) []string {
	if width < 40 {
		width = fallbackWidth
	}
	r, err := glamour.NewTermRenderer(glamour.WithStandardStyle("dark"), glamour.WithWordWrap(width))
	if err == nil {
		if out, rerr := r.Render(text); rerr == nil {
			text = strings.TrimRight(out, "\n")
		}
	}
	return strings.Split(text, "\n")
}

func (m Model) contentWidth() int {
	if w := m.width - 2*framePad; w >= 40 {
		return w
	}
	return fallbackWidth
}

// viewportHeight is what is left for the summary once the header fields and
// footer are drawn.
func (m Model) viewportHeight() int {
	return max(m.height-22, 1)
}

func (m Model) scrollIndicator() string {
	limit := m.maxOffset()
	if limit == 0 {
		return ""
	}
	return fmt.Sprintf("  [%d%%]", m.offset*100/limit)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	switch {
	case n <= 0:
		return ""
	case len(s) <= n:
		return s
	case n <= 3:
		return s[:n]
	}
	return s[:n-3] + "..."
}

func padRight(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return s + strings.Repeat(" ", n-len(s))
}
