// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/toeirei/keymaster-dsh/core/groupfile"
	"github.com/toeirei/keymaster-dsh/core/model"
	"github.com/toeirei/keymaster-dsh/internal/db"
	"github.com/toeirei/keymaster-dsh/internal/i18n"
	"github.com/toeirei/keymaster-dsh/util/mapst"
)

// styles are bound to one output; colors are dropped when it is not a
// terminal.
type styles struct {
	header  lipgloss.Style
	section lipgloss.Style
	ok      lipgloss.Style
	fail    lipgloss.Style
	warn    lipgloss.Style
	muted   lipgloss.Style
	cell    func(width int) lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		header:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("255")).Background(lipgloss.Color("60")).Padding(0, 1),
		section: r.NewStyle().Bold(true).Foreground(lipgloss.Color("#8655B1")),
		ok:      r.NewStyle().Foreground(lipgloss.Color("42")),
		fail:    r.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		warn:    r.NewStyle().Foreground(lipgloss.Color("214")),
		muted:   r.NewStyle().Foreground(lipgloss.Color("240")),
		cell: func(width int) lipgloss.Style {
			return r.NewStyle().Width(width).PaddingRight(1)
		},
	}
}

func (s styles) state(st model.HostState) lipgloss.Style {
	switch st {
	case model.Succeeded:
		return s.ok
	case model.Failed, model.TimedOut:
		return s.fail
	case model.Skipped:
		return s.warn
	default:
		return s.muted
	}
}

// renderResolved prints what a resolution writes for each account.
func renderResolved(w io.Writer, rg model.ResolvedGroup) {
	s := newStyles(w)
	fmt.Fprintln(w, s.header.Render(i18n.T("show.header", rg.Group, rg.Environment)))

	if rg.MemberAccount != "" {
		fmt.Fprintln(w, s.section.Render(fmt.Sprintf("~%s/.ssh/authorized_keys", rg.MemberAccount)))
		writeBlock(w, s, rg.AuthorizedKeys.Render())
	}
	if rg.AdminAccount != "" {
		fmt.Fprintln(w, s.section.Render(fmt.Sprintf("~%s/.ssh/known_hosts", rg.AdminAccount)))
		writeBlock(w, s, rg.KnownHosts.Render())
		fmt.Fprintln(w, s.section.Render(fmt.Sprintf("~%s/.dsh/group/%s", rg.AdminAccount, rg.Group)))
		writeBlock(w, s, groupfile.RenderMemberships(rg.Members))
	}
	if !rg.ResolvedAt.IsZero() {
		fmt.Fprintln(w, s.muted.Render(i18n.T("show.resolved_at", rg.ResolvedAt.Format(time.RFC3339))))
	}
}

func writeBlock(w io.Writer, s styles, text string) {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		fmt.Fprintln(w, s.muted.Render("  "+i18n.T("show.empty")))
		return
	}
	for _, line := range strings.Split(text, "\n") {
		fmt.Fprintln(w, "  "+line)
	}
}

// renderResult prints one host's terminal outcome as a single line.
func renderResult(w io.Writer, s styles, r model.ExecutionResult) {
	host := r.User + "@" + r.Host
	line := s.cell(32).Render(host) +
		s.cell(20).Inherit(s.state(r.State)).Render(r.Outcome()) +
		s.muted.Render(r.Duration.Round(time.Millisecond).String())
	fmt.Fprintln(w, line)
	if r.Err != nil && r.State != model.Succeeded && r.Reason != model.NonZeroExit {
		fmt.Fprintln(w, s.muted.Render("  "+r.Err.Error()))
	}
}

// renderOutput prints a host's captured output, prefixed with its name.
func renderOutput(w io.Writer, s styles, r model.ExecutionResult) {
	prefix := s.muted.Render(r.Host + ":")
	for _, stream := range [][]byte{r.Stdout, r.Stderr} {
		text := strings.TrimRight(string(stream), "\n")
		if text == "" {
			continue
		}
		for _, line := range strings.Split(text, "\n") {
			fmt.Fprintln(w, prefix, line)
		}
	}
}

// renderReport prints every result in dispatch order and a summary.
func renderReport(w io.Writer, report model.ExecutionReport, withResults bool) {
	s := newStyles(w)
	if withResults {
		fmt.Fprintln(w, s.header.Render(i18n.T("exec.header", report.Group, report.Command)))
		for _, r := range report.Results {
			renderResult(w, s, r)
		}
	}
	summary := i18n.T("exec.summary", report.Succeeded, len(report.Results), report.Failed, report.TimedOut, report.Skipped)
	if report.OK() {
		fmt.Fprintln(w, s.ok.Render(summary))
	} else {
		fmt.Fprintln(w, s.fail.Render(summary))
	}
}

// renderNodes prints a directory listing.
func renderNodes(w io.Writer, nodes []model.NodeRecord) {
	s := newStyles(w)
	fmt.Fprintln(w, s.cell(28).Bold(true).Render(i18n.T("directory.col_node"))+
		s.cell(14).Bold(true).Render(i18n.T("directory.col_env"))+
		s.cell(30).Bold(true).Render(i18n.T("directory.col_groups"))+
		s.header.UnsetBackground().UnsetPadding().Render(i18n.T("directory.col_admin_groups")))
	for _, n := range nodes {
		fmt.Fprintln(w, s.cell(28).Render(n.Name)+
			s.cell(14).Render(n.Environment)+
			s.cell(30).Render(joinKeys(n.Groups))+
			joinKeys(n.AdminGroups))
	}
}

func joinKeys[V any](m map[string]V) string {
	if len(m) == 0 {
		return "-"
	}
	return strings.Join(mapst.SortedKeys(m), ",")
}

// renderHistory prints run log entries, newest first.
func renderHistory(w io.Writer, entries []db.RunEntry) {
	s := newStyles(w)
	for _, e := range entries {
		status := s.ok.Render("ok")
		if !e.OK {
			status = s.fail.Render("fail")
		}
		fmt.Fprintln(w, s.muted.Render(e.At.Local().Format("2006-01-02 15:04:05"))+" "+
			s.cell(6).Render(e.Kind)+
			s.cell(16).Render(e.Group)+
			s.cell(6).Render(status)+
			e.Detail)
	}
}
