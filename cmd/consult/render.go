package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/ashureev/formula-consult/internal/consult"
	"github.com/ashureev/formula-consult/internal/conversation"
	"github.com/ashureev/formula-consult/internal/domain"
)

var (
	styleUser    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	styleSystem  = lipgloss.NewStyle().Faint(true).Italic(true)
	styleStatus  = lipgloss.NewStyle().Faint(true)
	styleError   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	styleHeading = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("2"))
	styleWarning = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleID      = lipgloss.NewStyle().Foreground(lipgloss.Color("62"))
)

// streamPrinter writes a turn to a terminal as its view snapshots arrive. It prints
// only what is new since the previous snapshot.
type streamPrinter struct {
	w io.Writer

	// base is the number of messages already on screen when the turn began.
	base    int
	printed map[string]int
	status  string
	open    bool
	active  bool
}

func newStreamPrinter(w io.Writer) *streamPrinter {
	return &streamPrinter{w: w, printed: make(map[string]int)}
}

// begin marks the first n messages of the conversation as already shown.
func (p *streamPrinter) begin(n int) {
	p.base = n
	p.printed = make(map[string]int)
	p.status = ""
	p.open = false
	p.active = true
}

// update prints the difference between v and what is already on screen. It runs
// inside a controller listener and must not call back into the controller.
func (p *streamPrinter) update(v consult.View) {
	if !p.active {
		return
	}
	if len(v.Messages) < p.base {
		// The conversation was replaced.
		p.active = false
		return
	}

	if v.Status != "" && v.Status != p.status {
		p.endLine()
		fmt.Fprintln(p.w, styleStatus.Render("… "+v.Status))
	}
	p.status = v.Status

	for _, m := range v.Messages[p.base:] {
		switch m.Sender {
		case domain.SenderUser:
			continue
		case domain.SenderSystem:
			if _, seen := p.printed[m.ID]; !seen {
				p.endLine()
				fmt.Fprintln(p.w, styleSystem.Render("• "+m.Content))
				p.printed[m.ID] = len(m.Content)
			}
		case domain.SenderAssistant:
			n := p.printed[m.ID]
			if len(m.Content) > n {
				fmt.Fprint(p.w, m.Content[n:])
				p.printed[m.ID] = len(m.Content)
				p.open = true
			}
		}
	}

	if !v.Streaming {
		p.endLine()
		p.active = false
	}
}

func (p *streamPrinter) endLine() {
	if p.open {
		fmt.Fprintln(p.w)
		p.open = false
	}
}

// printTranscript writes a whole conversation.
func printTranscript(w io.Writer, msgs []domain.Message) {
	for i := range msgs {
		m := &msgs[i]
		switch m.Sender {
		case domain.SenderUser:
			fmt.Fprintln(w, styleUser.Render("you> ")+m.Content)
			if m.Attachment != nil {
				fmt.Fprintln(w, styleStatus.Render("      attached "+m.Attachment.Name))
			}
		case domain.SenderSystem:
			fmt.Fprintln(w, styleSystem.Render("• "+m.Content))
		default:
			fmt.Fprintln(w, m.Content)
			if m.HasFormula() {
				printFormula(w, m.Formula)
			}
		}
	}
}

// printFormula writes a recommendation as an indented block.
func printFormula(w io.Writer, f *domain.Formula) {
	if f == nil {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, styleHeading.Render("Recommended formula"))
	writeIngredients(w, "Base", f.Bases)
	writeIngredients(w, "Additions", f.Additions)
	if f.TotalMg > 0 {
		fmt.Fprintf(w, "  Total: %gmg\n", f.TotalMg)
	}
	for _, warning := range f.Warnings {
		fmt.Fprintln(w, styleWarning.Render("  ! "+warning))
	}
	if f.Rationale != "" {
		fmt.Fprintln(w, "  "+f.Rationale)
	}
	for _, d := range f.Disclaimers {
		fmt.Fprintln(w, styleStatus.Render("  "+d))
	}
}

func writeIngredients(w io.Writer, label string, list []domain.Ingredient) {
	if len(list) == 0 {
		return
	}
	fmt.Fprintf(w, "  %s:\n", label)
	for _, ing := range list {
		line := fmt.Sprintf("    - %s %s", ing.Name, ing.Dose)
		if ing.Purpose != "" {
			line += " (" + ing.Purpose + ")"
		}
		fmt.Fprintln(w, line)
	}
}

// printNotice writes a failure notice.
func printNotice(w io.Writer, n *conversation.Notice) {
	if n == nil {
		return
	}
	label := "error"
	switch n.Kind {
	case conversation.NoticeFormulaError:
		label = "formula error"
	case conversation.NoticeTimeout:
		label = "timed out"
	case conversation.NoticeTransport:
		label = "connection problem"
	case conversation.NoticeCancelled:
		label = "stopped"
	}
	fmt.Fprintln(w, styleError.Render(label+": "+n.Text))
}

// printSessions writes the session list, marking the current one.
func printSessions(w io.Writer, sessions []domain.Session, current string) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, styleStatus.Render("no consultations yet"))
		return
	}
	for _, s := range sessions {
		marker := "  "
		if s.ID == current {
			marker = "* "
		}
		title := s.Title
		if title == "" {
			title = "(untitled)"
		}
		var flags []string
		if s.HasFormula {
			flags = append(flags, "formula")
		}
		if s.Status == domain.SessionArchived {
			flags = append(flags, "archived")
		}
		line := fmt.Sprintf("%s%s  %s  %d msgs  %s", marker, styleID.Render(s.ID), domain.Truncate(title, 40),
			s.MessageCount, s.UpdatedAt.Local().Format(time.DateTime))
		if len(flags) > 0 {
			line += "  [" + strings.Join(flags, ", ") + "]"
		}
		fmt.Fprintln(w, line)
	}
}
