package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/arnevik/drover/internal/store"
)

// --- Color palette ---
var (
	clrSubtle    = lipgloss.AdaptiveColor{Light: "#555555", Dark: "#666666"}
	clrHighlight = lipgloss.AdaptiveColor{Light: "#0F766E", Dark: "#2DD4BF"}
	clrGreen     = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}
	clrYellow    = lipgloss.AdaptiveColor{Light: "#B45309", Dark: "#F59E0B"}
	clrRed       = lipgloss.AdaptiveColor{Light: "#B91C1C", Dark: "#F87171"}
	clrBlue      = lipgloss.AdaptiveColor{Light: "#1D4ED8", Dark: "#60A5FA"}
	clrCyan      = lipgloss.AdaptiveColor{Light: "#0E7490", Dark: "#22D3EE"}
	clrDim       = lipgloss.AdaptiveColor{Light: "#999999", Dark: "#555555"}
)

// --- Styles ---
var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(clrHighlight)
	dimStyle    = lipgloss.NewStyle().Foreground(clrDim)
	subtleStyle = lipgloss.NewStyle().Foreground(clrSubtle)

	idStyle       = lipgloss.NewStyle().Foreground(clrCyan)
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(clrHighlight)

	sectionStyle = lipgloss.NewStyle().Bold(true)

	popupStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(clrHighlight).
			Padding(1, 2).
			Width(60)

	statusStyle = lipgloss.NewStyle().Foreground(clrGreen).Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(clrRed).Bold(true)

	footerKeyStyle  = lipgloss.NewStyle().Bold(true).Foreground(clrHighlight)
	footerDescStyle = lipgloss.NewStyle().Foreground(clrSubtle)
)

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var content string
	switch m.screen {
	case screenList:
		content = m.viewList()
	case screenDetail:
		content = m.viewDetail()
	case screenDiff:
		content = m.viewDiff()
	}

	if m.popup != popupNone {
		content = m.overlayPopup(content)
	}
	return content
}

// --- List screen ---

func (m Model) viewList() string {
	var b strings.Builder

	header := titleStyle.Render("drover review")
	header += dimStyle.Render(fmt.Sprintf(" — %d waiting", len(m.items)))
	b.WriteString(header + "\n\n")

	if len(m.items) == 0 {
		b.WriteString(dimStyle.Render("  Nothing to review. Workers freeze finished jobs here.\n"))
		b.WriteString("\n" + m.statusBar())
		b.WriteString("\n" + renderFooter([]footerKey{{"r", "refresh"}, {"q", "quit"}}))
		return b.String()
	}

	for i, it := range m.items {
		cursor := "  "
		if i == m.cursor {
			cursor = selectedStyle.Render("▸ ")
		}

		line := cursor + idStyle.Render(shortID(it.Job.ID))
		if it.Frozen != nil {
			line += "  " + confidenceStyle(it.Frozen.Confidence).Render(fmt.Sprintf("conf %.2f", it.Frozen.Confidence))
			line += dimStyle.Render("  frozen "+ageOf(it.Frozen.FrozenAt)+" ago")
		}
		b.WriteString(line + "\n")

		summary := it.Job.Instructions
		if it.Frozen != nil && it.Frozen.Summary != "" {
			summary = it.Frozen.Summary
		}
		row := "    " + truncate(summary, 76)
		if i == m.cursor {
			b.WriteString(selectedStyle.Render(row) + "\n\n")
		} else {
			b.WriteString(subtleStyle.Render(row) + "\n\n")
		}
	}

	b.WriteString(m.statusBar())
	b.WriteString("\n" + renderFooter([]footerKey{
		{"↑↓", "navigate"},
		{"enter", "open"},
		{"d", "diff"},
		{"a", "approve"},
		{"f", "send back"},
		{"r", "refresh"},
		{"q", "quit"},
	}))
	return b.String()
}

// --- Detail screen ---

func (m Model) viewDetail() string {
	if m.detail == nil {
		return dimStyle.Render("  nothing selected")
	}
	it := m.detail

	var b strings.Builder
	b.WriteString(titleStyle.Render("Job "+shortID(it.Job.ID)) +
		dimStyle.Render("  "+string(it.Job.Status)) + "\n\n")

	b.WriteString(sectionStyle.Render("Instructions") + "\n")
	b.WriteString(indent(it.Job.Instructions) + "\n\n")

	if it.Job.Feedback != "" {
		b.WriteString(sectionStyle.Render("Reviewer feedback so far") + "\n")
		b.WriteString(indent(it.Job.Feedback) + "\n\n")
	}

	if fr := it.Frozen; fr != nil {
		head := sectionStyle.Render("Frozen record")
		head += "  " + confidenceStyle(fr.Confidence).Render(fmt.Sprintf("confidence %.2f", fr.Confidence))
		b.WriteString(head + "\n")
		b.WriteString(indent(fr.Summary) + "\n")
		if len(fr.Deliverables) > 0 {
			for _, d := range fr.Deliverables {
				b.WriteString(dimStyle.Render("    - "+d) + "\n")
			}
		}
		if fr.Notes != "" {
			b.WriteString(dimStyle.Render(indent(fr.Notes)) + "\n")
		}
		b.WriteString("\n")
	}

	if len(m.phases) > 0 {
		b.WriteString(sectionStyle.Render("Phases") + "\n  ")
		var parts []string
		for _, p := range m.phases {
			glyph := phaseGlyph(p)
			if p.Kind == store.PhaseStrategic {
				parts = append(parts, lipgloss.NewStyle().Foreground(clrBlue).Render("S"+glyph))
			} else {
				parts = append(parts, lipgloss.NewStyle().Foreground(clrCyan).Render("T"+glyph))
			}
		}
		b.WriteString(strings.Join(parts, dimStyle.Render(" → ")) + "\n\n")
	}

	if len(m.events) > 0 {
		b.WriteString(sectionStyle.Render("Recent events") + "\n")
		start := len(m.events) - 8
		if start < 0 {
			start = 0
		}
		for _, e := range m.events[start:] {
			b.WriteString(dimStyle.Render(fmt.Sprintf("  %s  %-20s %s",
				e.Timestamp.Format("15:04:05"), e.Type, truncate(e.Detail, 48))) + "\n")
		}
		b.WriteString("\n")
	}

	b.WriteString(m.statusBar())
	b.WriteString("\n" + renderFooter([]footerKey{
		{"d", "diff"},
		{"a", "approve"},
		{"f", "send back"},
		{"esc", "back"},
	}))
	return b.String()
}

func phaseGlyph(p store.Phase) string {
	if p.EndedAt == nil {
		return "…"
	}
	switch p.Outcome {
	case store.OutcomeAdvanced, store.OutcomeTerminal:
		return "✓"
	case store.OutcomeRewound:
		return "↺"
	default:
		return "✗"
	}
}

// --- Diff screen ---

func (m Model) viewDiff() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Diff"))
	b.WriteString("  ")
	b.WriteString(dimStyle.Render(shortID(m.diffJobID) + " against main"))
	b.WriteString("\n\n")

	b.WriteString(m.diffViewport.View())
	b.WriteString("\n\n")

	b.WriteString(renderFooter([]footerKey{
		{"↑↓", "scroll"},
		{"a", "approve"},
		{"f", "send back"},
		{"esc", "back"},
	}))
	return b.String()
}

// --- Popups ---

func (m Model) overlayPopup(bg string) string {
	var popup string
	switch m.popup {
	case popupApprove:
		popup = m.viewApprovePopup()
	case popupFeedback:
		popup = m.viewFeedbackPopup()
	default:
		return bg
	}

	if m.width > 0 && m.height > 0 {
		return lipgloss.Place(m.width, m.height,
			lipgloss.Center, lipgloss.Center,
			popup,
			lipgloss.WithWhitespaceChars(" "),
		)
	}
	return popup
}

func (m Model) viewApprovePopup() string {
	var b strings.Builder

	title := lipgloss.NewStyle().Bold(true).Foreground(clrGreen).Render("Approve " + shortID(m.popupJobID))
	b.WriteString(title + "\n\n")
	b.WriteString("The job moves to completed. Notes are kept with the record.\n\n")
	b.WriteString("Notes (optional):\n")
	b.WriteString(m.input.View() + "\n\n")
	b.WriteString(footerDescStyle.Render("enter confirm • esc cancel"))

	return popupStyle.Render(b.String())
}

func (m Model) viewFeedbackPopup() string {
	var b strings.Builder

	title := lipgloss.NewStyle().Bold(true).Foreground(clrYellow).Render("Send back " + shortID(m.popupJobID))
	b.WriteString(title + "\n\n")
	b.WriteString("The job goes back to the queue. Your exact words reach the\nengine's next planning pass.\n\n")
	b.WriteString("Feedback:\n")
	b.WriteString(m.input.View() + "\n\n")
	b.WriteString(footerDescStyle.Render("enter confirm • esc cancel"))

	return popupStyle.Render(b.String())
}

// --- Shared pieces ---

type footerKey struct{ key, desc string }

func renderFooter(keys []footerKey) string {
	var parts []string
	for _, k := range keys {
		parts = append(parts, footerKeyStyle.Render(k.key)+" "+footerDescStyle.Render(k.desc))
	}
	return "  " + strings.Join(parts, "  ")
}

func (m Model) statusBar() string {
	if m.statusMsg == "" {
		return ""
	}
	if strings.HasPrefix(m.statusMsg, "Failed") || strings.HasPrefix(m.statusMsg, "Diff failed") {
		return errorStyle.Render("  " + m.statusMsg)
	}
	return statusStyle.Render("  " + m.statusMsg)
}

func confidenceStyle(c float64) lipgloss.Style {
	switch {
	case c >= 0.8:
		return lipgloss.NewStyle().Foreground(clrGreen)
	case c >= 0.5:
		return lipgloss.NewStyle().Foreground(clrYellow)
	default:
		return lipgloss.NewStyle().Foreground(clrRed)
	}
}

func ageOf(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

func indent(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = "  " + l
	}
	return strings.Join(lines, "\n")
}
