package cli

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/amirimatin/go-clusteradmin/pkg/admin"
	"github.com/amirimatin/go-clusteradmin/pkg/cluster"
	"github.com/amirimatin/go-clusteradmin/pkg/directory"
	"github.com/amirimatin/go-clusteradmin/pkg/issues"
	"github.com/amirimatin/go-clusteradmin/pkg/metadata"
)

var (
	colorOK      = lipgloss.Color("#2CD7C7")
	colorWarning = lipgloss.Color("#F4D03F")
	colorError   = lipgloss.Color("#E74C3C")
	colorMuted   = lipgloss.Color("#2C4A54")

	styleTitle   = lipgloss.NewStyle().Bold(true)
	styleHeader  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	styleCell    = lipgloss.NewStyle().Padding(0, 1)
	styleOK      = lipgloss.NewStyle().Foreground(colorOK)
	styleWarning = lipgloss.NewStyle().Foreground(colorWarning)
	styleError   = lipgloss.NewStyle().Foreground(colorError)
	styleMuted   = lipgloss.NewStyle().Foreground(colorMuted)
)

func severityStyle(sev string) lipgloss.Style {
	switch sev {
	case issues.SeverityCritical:
		return styleError
	case issues.SeverityWarning:
		return styleWarning
	}
	return styleMuted
}

// newTable returns a bordered table; styleRow, when set, styles whole data rows.
func newTable(headers []string, rows [][]string, styleRow func(row int) lipgloss.Style) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(styleMuted).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return styleHeader
			}
			if styleRow != nil {
				return styleRow(row).Padding(0, 1)
			}
			return styleCell
		})
}

func renderStatus(w io.Writer, st *cluster.Status) {
	health := styleOK.Render("healthy")
	if !st.Healthy {
		health = styleError.Render("unhealthy")
	}
	fmt.Fprintf(w, "%s %s (%s) %s\n", styleTitle.Render("machine"), st.Name, st.Machine, health)
	fmt.Fprintf(w, "  peer:      %s %s\n", st.Peer, st.Addr)
	if st.AdminAddr != "" {
		fmt.Fprintf(w, "  admin:     %s\n", st.AdminAddr)
	}
	if !st.StartedAt.IsZero() {
		fmt.Fprintf(w, "  up:        %s\n", time.Since(st.StartedAt).Truncate(time.Second))
	}
	fmt.Fprintf(w, "  machines:  %d\n", st.Machines)
	fmt.Fprintf(w, "  peers:     %d connected\n", len(st.Peers))
	if len(st.Members) > 0 {
		fmt.Fprintf(w, "  members:   %d\n", len(st.Members))
	}
	if st.GossipHealth != nil {
		fmt.Fprintf(w, "  gossip:    health score %d\n", *st.GossipHealth)
	}
	fmt.Fprintf(w, "  channels:  %s\n", strings.Join(st.Channels, ", "))
	fmt.Fprintf(w, "  issues:    %d\n", st.Issues)
	fmt.Fprintf(w, "  conflicts: %d\n", st.Conflicts)
	for _, warn := range st.Warnings {
		fmt.Fprintf(w, "%s %s\n", styleWarning.Render("warning:"), warn)
	}
}

func renderIssues(w io.Writer, list []issues.Issue) {
	if len(list) == 0 {
		fmt.Fprintln(w, styleOK.Render("no issues"))
		return
	}
	rows := make([][]string, 0, len(list))
	for _, is := range list {
		reporter := is.Reporter
		if reporter == "" {
			reporter = "local"
		}
		rows = append(rows, []string{is.Severity, is.Kind, is.Subject, reporter, is.Description})
	}
	t := newTable([]string{"SEVERITY", "KIND", "SUBJECT", "REPORTER", "DESCRIPTION"}, rows, func(row int) lipgloss.Style {
		return severityStyle(list[row].Severity)
	})
	fmt.Fprintln(w, t.String())
}

func renderDirectory(w io.Writer, entries []directory.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, styleMuted.Render("directory is empty"))
		return
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			string(e.Peer), e.Machine, e.Datacenter, strings.Join(e.Roles, ","),
			e.Addr, e.AdminAddr, strconv.Itoa(len(e.Issues)), strconv.FormatUint(e.Seq, 10),
		})
	}
	t := newTable([]string{"PEER", "MACHINE", "DATACENTER", "ROLES", "ADDR", "ADMIN", "ISSUES", "SEQ"}, rows, nil)
	fmt.Fprintln(w, t.String())
}

// show renders a register's value, or every concurrent value when it is in
// conflict.
func show[T comparable](values []T) string {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		parts = append(parts, fmt.Sprint(v))
	}
	if len(parts) > 1 {
		return styleError.Render("{" + strings.Join(parts, " | ") + "}")
	}
	return strings.Join(parts, "")
}

func sortedIDs[V any](m map[metadata.ID]V) []metadata.ID {
	ids := make([]metadata.ID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func renderMetadata(w io.Writer, v *admin.MetadataView) {
	doc := v.Document
	removed := func(b bool) string {
		if b {
			return "removed"
		}
		return ""
	}

	fmt.Fprintln(w, styleTitle.Render("machines"))
	var rows [][]string
	for _, id := range sortedIDs(doc.Machines) {
		m := doc.Machines[id]
		rows = append(rows, []string{string(id), show(m.Name.Values()), show(m.Datacenter.Values()), removed(m.Removed)})
	}
	fmt.Fprintln(w, newTable([]string{"ID", "NAME", "DATACENTER", "STATE"}, rows, nil).String())

	if len(doc.Datacenters) > 0 {
		fmt.Fprintln(w, styleTitle.Render("datacenters"))
		rows = nil
		for _, id := range sortedIDs(doc.Datacenters) {
			dc := doc.Datacenters[id]
			rows = append(rows, []string{string(id), show(dc.Name.Values()), removed(dc.Removed)})
		}
		fmt.Fprintln(w, newTable([]string{"ID", "NAME", "STATE"}, rows, nil).String())
	}

	if len(doc.Namespaces) > 0 {
		fmt.Fprintln(w, styleTitle.Render("namespaces"))
		rows = nil
		for _, id := range sortedIDs(doc.Namespaces) {
			ns := doc.Namespaces[id]
			rows = append(rows, []string{
				string(id), show(ns.Name.Values()), show(ns.Protocol.Values()), show(ns.Port.Values()),
				show(ns.PrimaryDatacenter.Values()), strconv.Itoa(len(ns.Pinnings)), removed(ns.Removed),
			})
		}
		fmt.Fprintln(w, newTable([]string{"ID", "NAME", "PROTOCOL", "PORT", "PRIMARY", "PINNINGS", "STATE"}, rows, nil).String())
	}

	if len(v.Conflicts) == 0 {
		fmt.Fprintln(w, styleOK.Render("no conflicts"))
		return
	}
	fmt.Fprintln(w, styleTitle.Render("conflicts"))
	rows = nil
	for _, c := range v.Conflicts {
		rows = append(rows, []string{c.Subject(), strings.Join(c.Values, " | ")})
	}
	fmt.Fprintln(w, newTable([]string{"SUBJECT", "VALUES"}, rows, func(int) lipgloss.Style { return styleError }).String())
}
