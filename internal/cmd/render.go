package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/forge/internal/conflict"
	"github.com/Iron-Ham/forge/internal/convergence"
	"github.com/Iron-Ham/forge/internal/intervention"
	"github.com/Iron-Ham/forge/internal/session"
	"github.com/Iron-Ham/forge/internal/store"
	"github.com/Iron-Ham/forge/internal/util"
)

const (
	timeFormat   = "2006-01-02 15:04:05"
	defaultWidth = 100
)

// Output formats accepted by -o.
const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

var (
	colorPrimary = lipgloss.Color("#A78BFA")
	colorGreen   = lipgloss.Color("#10B981")
	colorAmber   = lipgloss.Color("#F59E0B")
	colorRed     = lipgloss.Color("#F87171")
	colorMuted   = lipgloss.Color("#9CA3AF")
)

// printer renders sessions for humans. Styling is only applied when the
// writer is a terminal, and every line is fitted to the terminal width.
type printer struct {
	w      io.Writer
	styled bool
	width  int

	title lipgloss.Style
	label lipgloss.Style
	muted lipgloss.Style
	good  lipgloss.Style
	warn  lipgloss.Style
	bad   lipgloss.Style
}

func newPrinter(w io.Writer) *printer {
	p := &printer{w: w, width: defaultWidth}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		p.styled = true
		if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 0 {
			p.width = width
		}
	}
	p.title = p.style(lipgloss.NewStyle().Bold(true).Foreground(colorPrimary))
	p.label = p.style(lipgloss.NewStyle().Bold(true))
	p.muted = p.style(lipgloss.NewStyle().Foreground(colorMuted))
	p.good = p.style(lipgloss.NewStyle().Foreground(colorGreen))
	p.warn = p.style(lipgloss.NewStyle().Foreground(colorAmber))
	p.bad = p.style(lipgloss.NewStyle().Bold(true).Foreground(colorRed))
	return p
}

func (p *printer) style(s lipgloss.Style) lipgloss.Style {
	if !p.styled {
		return lipgloss.NewStyle()
	}
	return s
}

func (p *printer) line(format string, args ...any) {
	fmt.Fprintln(p.w, util.FitLine(fmt.Sprintf(format, args...), p.width))
}

func (p *printer) rule() {
	p.line("%s", p.muted.Render(strings.Repeat("─", min(p.width, 70))))
}

func (p *printer) state(s session.State) string {
	switch s {
	case session.StateRunning, session.StateDeliberating:
		return p.good.Render(s.String())
	case session.StatePaused:
		return p.warn.Render(s.String())
	case session.StateCompleted:
		return p.title.Render(s.String())
	case session.StateError:
		return p.bad.Render(s.String())
	}
	return p.muted.Render(s.String())
}

func (p *printer) roundState(s session.RoundState) string {
	switch s {
	case session.RoundConverged:
		return p.title.Render(string(s))
	case session.RoundCompleted:
		return p.good.Render(string(s))
	case session.RoundFailed:
		return p.bad.Render(string(s))
	}
	return p.muted.Render(string(s))
}

func (p *printer) severity(s conflict.Severity) string {
	switch s {
	case conflict.SeverityCritical:
		return p.bad.Render(string(s))
	case conflict.SeverityMajor:
		return p.warn.Render(string(s))
	}
	return p.muted.Render(string(s))
}

func (p *printer) priority(pr intervention.Priority) string {
	switch pr {
	case intervention.PriorityCritical:
		return p.bad.Render(string(pr))
	case intervention.PriorityHigh:
		return p.warn.Render(string(pr))
	}
	return string(pr)
}

// session renders the full view of one snapshot.
func (p *printer) session(snap session.Snapshot) {
	p.rule()
	p.line("%s %s  [%s]", p.title.Render("Session"), snap.ID, p.state(snap.State))
	p.rule()

	p.line("  %s %d / %d", p.label.Render("Round:     "), snap.CurrentRound, snap.Config.MaxRounds)
	if !snap.StartedAt.IsZero() {
		p.line("  %s %s", p.label.Render("Started:   "), snap.StartedAt.Local().Format(timeFormat))
	}
	switch {
	case !snap.Deadline.IsZero():
		p.line("  %s %s", p.label.Render("Deadline:  "), snap.Deadline.Local().Format(timeFormat))
	case snap.Remaining > 0:
		p.line("  %s %s left (frozen while paused)", p.label.Render("Deadline:  "), util.CompactDuration(snap.Remaining))
	}
	if !snap.EndedAt.IsZero() {
		p.line("  %s %s", p.label.Render("Ended:     "), snap.EndedAt.Local().Format(timeFormat))
	}
	p.line("  %s %.2f (threshold %.2f)  velocity %+.3f  %s",
		p.label.Render("Score:     "),
		snap.Trend.Current, snap.Config.ConvergenceThreshold, snap.Trend.Velocity, estimate(snap.Trend))
	if snap.LastError != "" {
		p.line("  %s %s", p.label.Render("Last error:"), p.bad.Render(util.OneLine(snap.LastError)))
	}

	if sealed := sealedRounds(snap.Rounds); len(sealed) > 0 {
		fmt.Fprintln(p.w)
		p.line("%s", p.label.Render("Rounds"))
		for _, r := range sealed {
			p.roundLine(r)
		}
	}

	var open []conflict.Conflict
	for _, c := range snap.Conflicts {
		if !c.Dormant && c.Status != conflict.StatusResolved {
			open = append(open, c)
		}
	}
	if len(open) > 0 {
		fmt.Fprintln(p.w)
		p.line("%s (%d unresolved)", p.label.Render("Conflicts"), len(open))
		p.conflicts(open, util.ShortID)
	}

	var pending []intervention.Request
	for _, r := range snap.Interventions.Requests {
		if r.Status.Open() {
			pending = append(pending, r)
		}
	}
	if len(pending) > 0 {
		fmt.Fprintln(p.w)
		p.line("%s (%d pending)", p.label.Render("Requests"), len(pending))
		p.requests(pending)
	}

	if len(snap.Pauses) > 0 {
		fmt.Fprintln(p.w)
		p.line("%s", p.label.Render("Pauses"))
		for _, e := range snap.Pauses {
			if e.Open() {
				p.line("  %s  %s  %s", e.Start.Local().Format(timeFormat), p.warn.Render("ongoing"), e.Reason)
				continue
			}
			p.line("  %s  %-8s %s", e.Start.Local().Format(timeFormat), util.CompactDuration(e.Duration), e.Reason)
		}
	}
}

func (p *printer) roundLine(r session.Round) {
	line := fmt.Sprintf("  #%-3d %-11s score %.2f  conflicts %d  dissents %d",
		r.Number, p.roundState(r.State), r.Score, len(r.ConflictIDs), len(r.Dissents))
	if d := r.Duration(); d > 0 {
		line += "  " + p.muted.Render(util.CompactDuration(d))
	}
	if r.FailureReason != "" {
		line += "  " + p.bad.Render(util.OneLine(r.FailureReason))
	}
	p.line("%s", line)
}

// conflicts lists cs, showing each ID through id.
func (p *printer) conflicts(cs []conflict.Conflict, id func(string) string) {
	for _, c := range cs {
		summary := c.Summary
		if summary == "" {
			summary = strings.Join(c.Participants, " vs ")
		}
		p.line("  %s  %-8s %-8s round %-3d x%d  %s",
			id(c.ID), p.severity(c.Severity), c.Type, c.Round, c.Recurrences(), util.OneLine(summary))
	}
}

func (p *printer) requests(rs []intervention.Request) {
	for _, r := range rs {
		p.line("  %s  %-8s %-13s %s", r.ID, p.priority(r.Priority), r.SuggestedType, util.OneLine(r.Reason))
	}
}

func (p *printer) infos(infos []store.Info) {
	p.rule()
	p.line("%s", p.title.Render("Forge Sessions"))
	p.rule()
	if len(infos) == 0 {
		p.line("No sessions found.")
		p.line("Run 'forge run' to start one.")
		return
	}
	for _, in := range infos {
		lock := p.muted.Render("unlocked")
		if in.Locked && in.Lock != nil {
			lock = p.warn.Render(fmt.Sprintf("LOCKED (PID %d)", in.Lock.PID))
		}
		p.line("  %s  %-12s round %-3d %s  %s",
			in.ID, p.state(in.State), in.CurrentRound, in.UpdatedAt.Local().Format(timeFormat), lock)
	}
}

func estimate(t convergence.Trend) string {
	if !t.Estimate.Known {
		return "no convergence estimate"
	}
	if t.Estimate.Rounds == 1 {
		return "about 1 more round"
	}
	return fmt.Sprintf("about %d more rounds", t.Estimate.Rounds)
}

func sealedRounds(rs []session.Round) []session.Round {
	out := make([]session.Round, 0, len(rs))
	for _, r := range rs {
		if r.State.Sealed() {
			out = append(out, r)
		}
	}
	return out
}

// writeStructured renders v as JSON or YAML. YAML is produced from the JSON
// encoding, so both formats share field names and ordering.
func writeStructured(w io.Writer, format string, v any) error {
	if err := validFormat(format); err != nil {
		return err
	}
	if format == formatJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return err
	}
	blockStyle(&node)
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return err
	}
	return enc.Close()
}

// blockStyle clears the flow style JSON input parses with.
func blockStyle(n *yaml.Node) {
	n.Style &^= yaml.FlowStyle
	for _, c := range n.Content {
		blockStyle(c)
	}
}

func validFormat(format string) error {
	switch format {
	case formatText, formatJSON, formatYAML:
		return nil
	}
	return fmt.Errorf("unknown output format %q (want %s, %s or %s)", format, formatText, formatJSON, formatYAML)
}
