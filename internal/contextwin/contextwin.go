// Package contextwin keeps the in-phase conversation inside the engine's
// usable window. Compaction only ever rewrites the conversation buffer;
// task state and job documents live elsewhere and are never touched.
package contextwin

import (
	"fmt"
	"strings"
)

// Role identifies who produced a conversation message.
type Role string

const (
	RoleSystem     Role = "system"     // synthetic: summaries, injected feedback, rejections
	RoleEngine     Role = "engine"     // raw engine output
	RoleCapability Role = "capability" // capability results fed back to the engine
)

// Message is one entry in the conversation buffer. Tokens holds real usage
// when the engine reported it, otherwise an estimate.
type Message struct {
	Role       Role
	Content    string
	Capability string // capability name for RoleCapability messages
	Ref        string // what the capability touched, for the summary
	Tokens     int

	facts *facts // set on summary messages so later compactions keep them
}

// Window is the bounded conversation buffer for one phase.
type Window struct {
	tokenBudget    int
	messageBudget  int
	retain         int
	minCompactSize int // total content bytes below which compaction never fires

	messages []Message
}

func New(tokenBudget, messageBudget, retain, minCompactSize int) *Window {
	return &Window{
		tokenBudget:    tokenBudget,
		messageBudget:  messageBudget,
		retain:         retain,
		minCompactSize: minCompactSize,
	}
}

// Append adds a message, estimating token usage when none was reported.
func (w *Window) Append(m Message) {
	if m.Tokens == 0 {
		m.Tokens = EstimateTokens(m.Content)
	}
	w.messages = append(w.messages, m)
}

// Messages returns the buffer in order.
func (w *Window) Messages() []Message {
	out := make([]Message, len(w.messages))
	copy(out, w.messages)
	return out
}

func (w *Window) Len() int {
	return len(w.messages)
}

// TotalTokens returns the token footprint of the buffer.
func (w *Window) TotalTokens() int {
	total := 0
	for _, m := range w.messages {
		total += m.Tokens
	}
	return total
}

func (w *Window) totalBytes() int {
	total := 0
	for _, m := range w.messages {
		total += len(m.Content)
	}
	return total
}

// NeedsCompaction reports whether either ceiling is exceeded. Small
// conversations never compact, whatever the ceilings say: summarizing a
// handful of short messages loses more than it saves.
func (w *Window) NeedsCompaction() bool {
	if w.totalBytes() < w.minCompactSize {
		return false
	}
	if len(w.messages) <= w.retain+1 {
		return false
	}
	return w.TotalTokens() > w.tokenBudget || len(w.messages) > w.messageBudget
}

// Compact replaces everything except the most recent messages with one
// synthetic summary. Returns how many messages were folded away.
func (w *Window) Compact() int {
	if len(w.messages) <= w.retain+1 {
		return 0
	}
	cut := len(w.messages) - w.retain
	dropped := w.messages[:cut]
	kept := w.messages[cut:]

	f := harvest(dropped)
	summary := Message{Role: RoleSystem, Content: f.render(), facts: f}
	summary.Tokens = EstimateTokens(summary.Content)

	w.messages = append([]Message{summary}, kept...)
	return len(dropped)
}

// EstimateTokens is the rough chars-per-token heuristic used until the
// engine reports real usage.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

type capUse struct {
	name  string
	count int
	refs  []string
}

// facts is the structured recap behind a summary message: decisions,
// capability activity, blockers, and deviations, plus how many real
// messages have been folded away so far. Keeping it on the message lets a
// later compaction merge the old summary instead of re-parsing its text,
// which would lose everything the rendered bullets no longer mark up.
type facts struct {
	folded     int
	decisions  []string
	blockers   []string
	deviations []string
	caps       []*capUse
}

// harvest distills dropped messages into facts. Ordinary messages are
// scanned for the markers engines emit; prior summaries contribute their
// facts wholesale.
func harvest(dropped []Message) *facts {
	f := &facts{}
	capIndex := map[string]*capUse{}
	capFor := func(name string) *capUse {
		use, ok := capIndex[name]
		if !ok {
			use = &capUse{name: name}
			capIndex[name] = use
			f.caps = append(f.caps, use)
		}
		return use
	}

	for _, m := range dropped {
		if m.facts != nil {
			f.folded += m.facts.folded
			for _, d := range m.facts.decisions {
				f.decisions = appendUnique(f.decisions, d)
			}
			for _, bl := range m.facts.blockers {
				f.blockers = appendUnique(f.blockers, bl)
			}
			for _, dv := range m.facts.deviations {
				f.deviations = appendUnique(f.deviations, dv)
			}
			for _, use := range m.facts.caps {
				merged := capFor(use.name)
				merged.count += use.count
				for _, ref := range use.refs {
					merged.refs = appendUnique(merged.refs, ref)
				}
			}
			continue
		}

		f.folded++
		if m.Role == RoleCapability && m.Capability != "" {
			use := capFor(m.Capability)
			use.count++
			if m.Ref != "" {
				use.refs = appendUnique(use.refs, m.Ref)
			}
		}
		for _, line := range strings.Split(m.Content, "\n") {
			line = strings.TrimSpace(line)
			switch {
			case strings.HasPrefix(line, "DECISION:"):
				f.decisions = append(f.decisions, strings.TrimSpace(strings.TrimPrefix(line, "DECISION:")))
			case strings.HasPrefix(line, "BLOCKED:"):
				f.blockers = append(f.blockers, strings.TrimSpace(strings.TrimPrefix(line, "BLOCKED:")))
			case strings.HasPrefix(line, "DEVIATION:"):
				f.deviations = append(f.deviations, strings.TrimSpace(strings.TrimPrefix(line, "DEVIATION:")))
			}
		}
	}
	return f
}

func (f *facts) render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Conversation compacted: %d earlier messages summarized]\n", f.folded)
	writeSection(&b, "Decisions", f.decisions)
	if len(f.caps) > 0 {
		b.WriteString("\nCapabilities invoked:\n")
		for _, use := range f.caps {
			fmt.Fprintf(&b, "- %s (%d)", use.name, use.count)
			if len(use.refs) > 0 {
				fmt.Fprintf(&b, ": %s", strings.Join(use.refs, ", "))
			}
			b.WriteString("\n")
		}
	}
	writeSection(&b, "Blockers", f.blockers)
	writeSection(&b, "Deviations", f.deviations)
	return b.String()
}

func writeSection(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
}

func appendUnique(list []string, s string) []string {
	for _, have := range list {
		if have == s {
			return list
		}
	}
	return append(list, s)
}
