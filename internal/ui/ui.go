// Package ui renders tasksync state for the terminal.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/mschirtzinger/tasksync/internal/cache"
	"github.com/mschirtzinger/tasksync/internal/model"
	"github.com/mschirtzinger/tasksync/internal/queue"
	"github.com/mschirtzinger/tasksync/internal/tasksync"
)

// Printer writes styled output to one writer.
type Printer struct {
	w io.Writer

	header  lipgloss.Style
	id      lipgloss.Style
	done    lipgloss.Style
	faint   lipgloss.Style
	success lipgloss.Style
	warn    lipgloss.Style
	err     lipgloss.Style
	prio    map[model.Priority]lipgloss.Style
}

// New returns a printer for w. Colors follow the terminal's capabilities
// and the NO_COLOR convention; plain forces uncolored output.
func New(w io.Writer, plain bool) *Printer {
	r := lipgloss.NewRenderer(w, termenv.WithColorCache(true))
	if plain || termenv.EnvNoColor() {
		r.SetColorProfile(termenv.Ascii)
	}

	return &Printer{
		w:       w,
		header:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		id:      r.NewStyle().Foreground(lipgloss.Color("8")),
		done:    r.NewStyle().Strikethrough(true).Foreground(lipgloss.Color("8")),
		faint:   r.NewStyle().Faint(true),
		success: r.NewStyle().Foreground(lipgloss.Color("10")),
		warn:    r.NewStyle().Foreground(lipgloss.Color("11")),
		err:     r.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
		prio: map[model.Priority]lipgloss.Style{
			model.PriorityLow:    r.NewStyle().Foreground(lipgloss.Color("8")),
			model.PriorityMedium: r.NewStyle().Foreground(lipgloss.Color("14")),
			model.PriorityHigh:   r.NewStyle().Foreground(lipgloss.Color("11")),
			model.PriorityUrgent: r.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
		},
	}
}

// Stdout is a printer for os.Stdout.
func Stdout(plain bool) *Printer {
	return New(os.Stdout, plain)
}

// ShortID trims the uuid part of an id to eight characters
// ("deep-3f2a19c0-..." becomes "deep-3f2a19c0").
func ShortID(id string) string {
	prefix, rest, ok := strings.Cut(id, "-")
	if !ok || len(rest) <= 8 {
		return id
	}
	return prefix + "-" + rest[:8]
}

// State prints a work type's bucket with its tasks and subtasks.
func (p *Printer) State(st tasksync.State) {
	title := fmt.Sprintf("%s work, %s", st.WorkType, st.Bucket)
	fmt.Fprintln(p.w, p.header.Render(title))
	if st.Error != "" {
		fmt.Fprintln(p.w, p.warn.Render("  ! "+st.Error))
	}
	if len(st.Tasks) == 0 {
		fmt.Fprintln(p.w, p.faint.Render("  no tasks"))
		return
	}
	for _, t := range st.Tasks {
		p.Task(t)
	}
}

// Task prints one task line followed by its subtasks.
func (p *Printer) Task(t *model.Task) {
	fmt.Fprintln(p.w, "  "+p.taskLine(t))
	for i := range t.Subtasks {
		fmt.Fprintln(p.w, "      "+p.subtaskLine(&t.Subtasks[i]))
	}
}

func (p *Printer) taskLine(t *model.Task) string {
	title := t.Title
	if t.Completed {
		title = p.done.Render(title)
	}

	parts := []string{
		checkbox(t.Completed),
		p.id.Render(ShortID(t.ID)),
		title,
		p.priority(t.Priority),
	}
	if t.DueDate != nil {
		parts = append(parts, p.faint.Render("due "+*t.DueDate))
	}
	if t.TimeEstimate != nil {
		parts = append(parts, p.faint.Render(fmt.Sprintf("~%dm", *t.TimeEstimate)))
	}
	if t.Rollovers > 0 {
		parts = append(parts, p.warn.Render(fmt.Sprintf("rolled %dx", t.Rollovers)))
	}
	if t.StartedAt != nil && !t.Completed {
		parts = append(parts, p.success.Render("in progress"))
	}
	if n := len(t.Subtasks); n > 0 {
		parts = append(parts, p.faint.Render(fmt.Sprintf("(%d/%d)", completedSubtasks(t), n)))
	}
	return strings.Join(parts, "  ")
}

func (p *Printer) subtaskLine(s *model.Subtask) string {
	title := s.Title
	if s.Completed {
		title = p.done.Render(title)
	}
	parts := []string{checkbox(s.Completed), p.id.Render(ShortID(s.ID)), title}
	if s.Priority != nil {
		parts = append(parts, p.priority(*s.Priority))
	}
	return strings.Join(parts, "  ")
}

func (p *Printer) priority(pr model.Priority) string {
	style, ok := p.prio[pr]
	if !ok {
		return string(pr)
	}
	return style.Render(string(pr))
}

func checkbox(done bool) string {
	if done {
		return "[x]"
	}
	return "[ ]"
}

func completedSubtasks(t *model.Task) int {
	n := 0
	for i := range t.Subtasks {
		if t.Subtasks[i].Completed {
			n++
		}
	}
	return n
}

// Queue prints queue entries as a table, newest last.
func (p *Printer) Queue(entries []queue.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(p.w, p.faint.Render("queue is empty"))
		return
	}
	fmt.Fprintln(p.w, p.header.Render(fmt.Sprintf("%-6s %-8s %-7s %-8s %-15s %s", "SEQ", "TYPE", "ACTION", "ENTITY", "ID", "STATUS")))
	for _, e := range entries {
		status := p.warn.Render("pending")
		if e.Synced() {
			status = p.success.Render("synced")
		}
		fmt.Fprintf(p.w, "%-6d %-8s %-7s %-8s %-15s %s\n",
			e.Seq, e.WorkType, e.Action, e.EntityKind, ShortID(e.EntityID), status)
	}
}

// Status prints cache and queue counts per work type.
func (p *Printer) Status(stats []cache.Stats, counts []queue.Counts, user string, online bool) {
	fmt.Fprintln(p.w, p.header.Render("tasksync status"))

	if user == "" {
		fmt.Fprintln(p.w, "  user:    "+p.warn.Render("not attached"))
	} else {
		fmt.Fprintln(p.w, "  user:    "+user)
	}
	if online {
		fmt.Fprintln(p.w, "  network: "+p.success.Render("reachable"))
	} else {
		fmt.Fprintln(p.w, "  network: "+p.warn.Render("unreachable"))
	}

	pending := make(map[string]queue.Counts, len(counts))
	for _, c := range counts {
		pending[c.WorkType] = c
	}
	for _, s := range stats {
		c := pending[s.WorkType]
		delete(pending, s.WorkType)
		fmt.Fprintf(p.w, "  %-8s %d cached, %d dirty, %d queued\n", s.WorkType+":", s.Tasks, s.Dirty, c.Pending)
	}
	for _, c := range counts {
		if _, ok := pending[c.WorkType]; ok {
			fmt.Fprintf(p.w, "  %-8s 0 cached, 0 dirty, %d queued\n", c.WorkType+":", c.Pending)
		}
	}
}

// Success prints a confirmation line.
func (p *Printer) Success(format string, args ...any) {
	fmt.Fprintln(p.w, p.success.Render("✓ ")+fmt.Sprintf(format, args...))
}

// Warn prints a warning line.
func (p *Printer) Warn(format string, args ...any) {
	fmt.Fprintln(p.w, p.warn.Render("! "+fmt.Sprintf(format, args...)))
}

// Error prints an error line.
func (p *Printer) Error(err error) {
	fmt.Fprintln(p.w, p.err.Render("Error: ")+err.Error())
}
