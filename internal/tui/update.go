package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		// Popups eat all keys first.
		if m.popup != popupNone {
			return m.handlePopupKey(msg)
		}
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		vw := m.width - 4
		vh := m.height - 6
		if vw < 20 {
			vw = 20
		}
		if vh < 6 {
			vh = 6
		}
		m.diffViewport.Width = vw
		m.diffViewport.Height = vh
		return m, nil

	case jobsLoadedMsg:
		m.refreshing = false
		if msg.err != nil {
			m.setStatus("Failed to load jobs: " + msg.err.Error())
			return m, nil
		}
		m.items = msg.items
		m.clampCursor()
		// Keep an open detail view pointing at fresh data.
		if m.screen == screenDetail && m.detail != nil {
			for i := range m.items {
				if m.items[i].Job.ID == m.detail.Job.ID {
					m.detail = &m.items[i]
					break
				}
			}
		}
		return m, nil

	case detailLoadedMsg:
		if msg.err != nil {
			m.setStatus("Failed to load job: " + msg.err.Error())
			return m, nil
		}
		item := msg.item
		m.detail = &item
		m.phases = msg.phases
		m.events = msg.events
		m.screen = screenDetail
		return m, nil

	case diffLoadedMsg:
		if msg.err != nil {
			m.setStatus("Diff failed: " + msg.err.Error())
			return m, nil
		}
		m.diffJobID = msg.jobID
		m.diffViewport.SetContent(msg.content)
		m.diffViewport.GotoTop()
		m.screen = screenDiff
		return m, nil

	case actionDoneMsg:
		if msg.err != nil {
			m.setStatus("Failed: " + msg.err.Error())
		} else {
			m.setStatus(msg.note)
			m.screen = screenList
			m.detail = nil
		}
		return m, m.loadJobs()

	case tickMsg:
		var cmds []tea.Cmd
		cmds = append(cmds, tickCmd())
		if m.statusMsg != "" && time.Since(m.statusTime) > 5*time.Second {
			m.statusMsg = ""
		}
		if !m.refreshing {
			m.refreshing = true
			cmds = append(cmds, m.loadJobs())
		}
		return m, tea.Batch(cmds...)
	}

	// Forward everything else to the viewport when it is on screen.
	if m.screen == screenDiff {
		var cmd tea.Cmd
		m.diffViewport, cmd = m.diffViewport.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch m.screen {
	case screenList:
		return m.handleListKey(msg)
	case screenDetail:
		return m.handleDetailKey(msg)
	case screenDiff:
		return m.handleDiffKey(msg)
	}
	return m, nil
}

// --- List screen keys ---

func (m Model) handleListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "up", "k":
		m.cursor--
		m.clampCursor()

	case "down", "j":
		m.cursor++
		m.clampCursor()

	case "enter":
		if it := m.selected(); it != nil {
			return m, m.loadDetail(it.Job.ID)
		}

	case "d":
		if it := m.selected(); it != nil {
			return m, m.loadDiff(it.Job.ID)
		}

	case "a":
		if it := m.selected(); it != nil {
			return m.openApprove(it.Job.ID)
		}

	case "f":
		if it := m.selected(); it != nil {
			return m.openFeedback(it.Job.ID)
		}

	case "r":
		m.refreshing = true
		return m, m.loadJobs()
	}
	return m, nil
}

// --- Detail screen keys ---

func (m Model) handleDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "d":
		if m.detail != nil {
			return m, m.loadDiff(m.detail.Job.ID)
		}

	case "a":
		if m.detail != nil {
			return m.openApprove(m.detail.Job.ID)
		}

	case "f":
		if m.detail != nil {
			return m.openFeedback(m.detail.Job.ID)
		}

	case "esc", "q", "backspace":
		return m.goBack()
	}
	return m, nil
}

// --- Diff screen keys ---

func (m Model) handleDiffKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "a":
		return m.openApprove(m.diffJobID)

	case "f":
		return m.openFeedback(m.diffJobID)

	case "esc", "q", "backspace":
		return m.goBack()
	}

	// Forward to the viewport for scrolling.
	var cmd tea.Cmd
	m.diffViewport, cmd = m.diffViewport.Update(msg)
	return m, cmd
}

// --- Popups ---

func (m Model) openApprove(jobID string) (tea.Model, tea.Cmd) {
	m.popupJobID = jobID
	m.popup = popupApprove
	m.input.Reset()
	m.input.Placeholder = "Review notes (optional)..."
	m.input.Focus()
	return m, textinput.Blink
}

func (m Model) openFeedback(jobID string) (tea.Model, tea.Cmd) {
	m.popupJobID = jobID
	m.popup = popupFeedback
	m.input.Reset()
	m.input.Placeholder = "What should change..."
	m.input.Focus()
	return m, textinput.Blink
}

func (m Model) handlePopupKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.popup = popupNone
		return m, nil

	case "enter":
		value := m.input.Value()
		switch m.popup {
		case popupApprove:
			m.popup = popupNone
			return m, m.doApprove(m.popupJobID, value)
		case popupFeedback:
			if value == "" {
				m.setStatus("Feedback cannot be empty")
				return m, nil
			}
			m.popup = popupNone
			return m, m.doResume(m.popupJobID, value)
		}
		m.popup = popupNone
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) goBack() (tea.Model, tea.Cmd) {
	switch m.screen {
	case screenDiff:
		if m.detail != nil {
			m.screen = screenDetail
		} else {
			m.screen = screenList
		}
	case screenDetail:
		m.screen = screenList
		m.detail = nil
	}
	return m, nil
}
