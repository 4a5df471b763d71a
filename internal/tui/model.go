// Package tui is the interactive review console: jobs frozen for review,
// their completion records and checkpoint diffs, and the approve or
// send-back-with-feedback actions.
package tui

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/arnevik/drover/internal/checkpoint"
	"github.com/arnevik/drover/internal/orchestrator"
	"github.com/arnevik/drover/internal/store"
)

// screen is which view the console is showing.
type screen int

const (
	screenList screen = iota
	screenDetail
	screenDiff
)

// popup is the active modal, if any.
type popup int

const (
	popupNone popup = iota
	popupApprove
	popupFeedback
)

// reviewItem pairs a frozen job with its completion record.
type reviewItem struct {
	Job    store.Job
	Frozen *store.FrozenRecord
}

// Model is the top-level bubbletea model.
type Model struct {
	svc     *orchestrator.Service
	workDir string

	width  int
	height int

	screen screen
	popup  popup

	// Review queue.
	items  []reviewItem
	cursor int

	// Detail view.
	detail *reviewItem
	phases []store.Phase
	events []store.Event

	// Diff view.
	diffViewport viewport.Model
	diffJobID    string

	// Popup input.
	input      textinput.Model
	popupJobID string

	statusMsg  string
	statusTime time.Time
	refreshing bool
	quitting   bool
}

// New creates the review console model.
func New(svc *orchestrator.Service, workDir string) Model {
	ti := textinput.New()
	ti.CharLimit = 500
	ti.Width = 54

	return Model{
		svc:          svc,
		workDir:      workDir,
		diffViewport: viewport.New(80, 20),
		input:        ti,
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.loadJobs(), tickCmd())
}

// --- Messages ---

type jobsLoadedMsg struct {
	items []reviewItem
	err   error
}

type detailLoadedMsg struct {
	item   reviewItem
	phases []store.Phase
	events []store.Event
	err    error
}

type diffLoadedMsg struct {
	jobID   string
	content string
	err     error
}

type actionDoneMsg struct {
	note string
	err  error
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// --- Commands ---

func (m Model) loadJobs() tea.Cmd {
	return func() tea.Msg {
		jobs, err := m.svc.List(store.StatusPendingReview)
		if err != nil {
			return jobsLoadedMsg{err: err}
		}
		items := make([]reviewItem, 0, len(jobs))
		for _, j := range jobs {
			it := reviewItem{Job: j}
			if fr, err := m.svc.Frozen(j.ID); err == nil {
				it.Frozen = fr
			}
			items = append(items, it)
		}
		return jobsLoadedMsg{items: items}
	}
}

func (m Model) loadDetail(jobID string) tea.Cmd {
	return func() tea.Msg {
		job, err := m.svc.Get(jobID)
		if err != nil {
			return detailLoadedMsg{err: err}
		}
		it := reviewItem{Job: *job}
		if fr, err := m.svc.Frozen(jobID); err == nil {
			it.Frozen = fr
		}
		phases, _ := m.svc.Phases(jobID)
		events, _ := m.svc.Events(jobID)
		return detailLoadedMsg{item: it, phases: phases, events: events}
	}
}

func (m Model) loadDiff(jobID string) tea.Cmd {
	return func() tea.Msg {
		out, err := checkpoint.New(m.workDir, jobID).Diff("main")
		if err != nil {
			return diffLoadedMsg{jobID: jobID, err: err}
		}
		if out == "" {
			out = "(no changes against main)"
		}
		return diffLoadedMsg{jobID: jobID, content: out}
	}
}

func (m Model) doApprove(jobID, notes string) tea.Cmd {
	return func() tea.Msg {
		return actionDoneMsg{
			note: "Approved " + shortID(jobID),
			err:  m.svc.Approve(jobID, notes),
		}
	}
}

func (m Model) doResume(jobID, feedback string) tea.Cmd {
	return func() tea.Msg {
		return actionDoneMsg{
			note: "Sent back " + shortID(jobID),
			err:  m.svc.Resume(context.Background(), jobID, feedback),
		}
	}
}

// --- Helpers ---

func (m *Model) setStatus(s string) {
	m.statusMsg = s
	m.statusTime = time.Now()
}

func (m *Model) clampCursor() {
	if m.cursor >= len(m.items) {
		m.cursor = len(m.items) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

func (m *Model) selected() *reviewItem {
	if m.cursor < len(m.items) {
		return &m.items[m.cursor]
	}
	return nil
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
