package commands

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/openfroyo/cascade/pkg/config"
	"github.com/openfroyo/cascade/pkg/engine"
	"github.com/openfroyo/cascade/pkg/provisioners"
	"github.com/openfroyo/cascade/pkg/stores"
)

var (
	colorGreen  = lipgloss.Color("#22c55e")
	colorRed    = lipgloss.Color("#ef4444")
	colorYellow = lipgloss.Color("#eab308")
	colorBlue   = lipgloss.Color("#3b82f6")
	colorDim    = lipgloss.Color("#6b7280")

	titleStyle   = lipgloss.NewStyle().Bold(true)
	sectionStyle = lipgloss.NewStyle().Bold(true).Foreground(colorBlue)
	okStyle      = lipgloss.NewStyle().Foreground(colorGreen)
	failedStyle  = lipgloss.NewStyle().Foreground(colorRed)
	warningStyle = lipgloss.NewStyle().Foreground(colorYellow)
	dimStyle     = lipgloss.NewStyle().Foreground(colorDim)
)

func statusStyle(status string) lipgloss.Style {
	switch status {
	case string(engine.GroupStatusSucceeded), string(engine.RunStateCompleted):
		return okStyle
	case string(engine.GroupStatusFailed), string(engine.RunStateFailed):
		return failedStyle
	case string(engine.GroupStatusSkipped):
		return warningStyle
	default:
		return dimStyle
	}
}

func pad(s string, width int) string {
	return fmt.Sprintf("%-*s", width, s)
}

func nameWidth(names []string) int {
	width := 8
	for _, n := range names {
		width = max(width, len(n))
	}
	return width
}

// planView is the JSON form of `cascade plan`.
type planView struct {
	Stack       string            `json:"stack"`
	Provisioner map[string]string `json:"provisioners"`
	*engine.Plan
}

func newPlanView(stack *config.Stack, plan *engine.Plan, router *provisioners.Router) planView {
	kinds := make(map[string]string, len(plan.Apply))
	for _, name := range plan.Apply {
		if g, ok := plan.Graph.Group(name); ok {
			kinds[name] = router.KindOf(g)
		}
	}
	return planView{
		Stack:       stack.Name,
		Provisioner: kinds,
		Plan:        plan,
	}
}

func renderPlan(w io.Writer, view planView) {
	width := nameWidth(view.Order)
	skipped := make(map[string]bool, len(view.Skipped))
	for _, name := range view.Skipped {
		skipped[name] = true
	}

	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Plan for %s: %d to apply, %d disabled", view.Stack, len(view.Apply), len(view.Skipped))))
	fmt.Fprintln(w)

	step := 0
	for _, name := range view.Order {
		if skipped[name] {
			fmt.Fprintf(w, "  %s  %s  %s\n", dimStyle.Render("  -"), pad(name, width), warningStyle.Render("disabled"))
			continue
		}
		step++
		line := fmt.Sprintf("  %3d  %s  %s", step, pad(name, width), dimStyle.Render("["+view.Provisioner[name]+"]"))
		if deps := view.Graph.Dependencies(name); len(deps) > 0 {
			line += dimStyle.Render("  after " + strings.Join(deps, ", "))
		}
		fmt.Fprintln(w, line)
	}

	if len(view.Levels) > 1 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, sectionStyle.Render("Levels"))
		for i, level := range view.Levels {
			fmt.Fprintf(w, "  %d: %s\n", i, strings.Join(level, ", "))
		}
	}

	renderPolicy(w, view.Policy)
}

func renderPolicy(w io.Writer, result *engine.PolicyResult) {
	if result == nil {
		return
	}
	fmt.Fprintln(w)
	if result.Allowed {
		fmt.Fprintln(w, sectionStyle.Render("Policy")+" "+okStyle.Render("allowed"))
	} else {
		fmt.Fprintln(w, sectionStyle.Render("Policy")+" "+failedStyle.Render("denied"))
	}
	for _, v := range result.Violations {
		style := warningStyle
		if v.Severity == "error" || v.Severity == "critical" {
			style = failedStyle
		}
		target := v.Policy
		if v.Group != "" {
			target += "/" + v.Group
		}
		fmt.Fprintf(w, "  %s %s: %s\n", style.Render("["+v.Severity+"]"), target, v.Message)
	}
	for _, warning := range result.Warnings {
		fmt.Fprintf(w, "  %s %s\n", warningStyle.Render("[warning]"), warning)
	}
}

func renderReport(w io.Writer, report *engine.RunReport) {
	names := make([]string, len(report.Groups))
	for i, g := range report.Groups {
		names[i] = g.Group
	}
	width := nameWidth(names)

	header := fmt.Sprintf("Run %s %s", report.RunID, statusStyle(string(report.State)).Render(string(report.State)))
	if d := report.Duration(); d > 0 {
		header += dimStyle.Render(" in " + d.Round(time.Millisecond).String())
	}
	fmt.Fprintln(w, titleStyle.Render(header))
	fmt.Fprintln(w)

	for _, g := range report.Groups {
		status := pad(string(g.Status), 9)
		line := fmt.Sprintf("  %s  %s", pad(g.Group, width), statusStyle(string(g.Status)).Render(status))
		switch {
		case g.Status == engine.GroupStatusSkipped || g.Status == engine.GroupStatusPending:
			if g.Reason != "" {
				line += dimStyle.Render("  " + string(g.Reason))
			}
		case g.Status == engine.GroupStatusFailed:
			line += dimStyle.Render(fmt.Sprintf("  %d attempt(s)", g.Attempts))
			line += "  " + failedStyle.Render(g.Error)
		default:
			line += dimStyle.Render(fmt.Sprintf("  %d attempt(s)", g.Attempts))
			if keys := sortedKeys(g.Outputs); len(keys) > 0 {
				line += dimStyle.Render("  outputs: " + strings.Join(keys, ", "))
			}
		}
		fmt.Fprintln(w, line)
	}

	c := report.Counts()
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s %d succeeded, %d failed, %d skipped, %d pending\n",
		sectionStyle.Render("Summary"), c.Succeeded, c.Failed, c.Skipped, c.Pending)
	if report.Error != "" {
		fmt.Fprintln(w, failedStyle.Render("Error: "+report.Error))
	}
}

func renderRuns(w io.Writer, runs []*stores.RunRecord) {
	if len(runs) == 0 {
		fmt.Fprintln(w, dimStyle.Render("No runs recorded."))
		return
	}

	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}
	width := nameWidth(ids)

	fmt.Fprintln(w, sectionStyle.Render(fmt.Sprintf("%s  %-12s  %-9s  %-20s  %s", pad("RUN", width), "STACK", "STATE", "STARTED", "GROUPS")))
	for _, r := range runs {
		fmt.Fprintf(w, "%s  %-12s  %s  %-20s  %d/%d\n",
			pad(r.ID, width),
			r.Stack,
			statusStyle(string(r.State)).Render(pad(string(r.State), 9)),
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Counts.Succeeded, r.Counts.Total)
	}
}

func renderEvents(w io.Writer, events []*stores.EventRecord) {
	if len(events) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, sectionStyle.Render("Events"))
	for _, e := range events {
		level := e.Level
		style := dimStyle
		switch level {
		case "error":
			style = failedStyle
		case "warning":
			style = warningStyle
		}
		group := ""
		if e.Group != nil {
			group = " " + *e.Group
		}
		fmt.Fprintf(w, "  %s %s%s %s\n",
			dimStyle.Render(e.Timestamp.Local().Format("15:04:05.000")),
			style.Render(string(e.Type)),
			group,
			e.Message)
	}
}

func renderPolicies(w io.Writer, rows []policyRow) {
	names := make([]string, len(rows))
	for i, r := range rows {
		names[i] = r.Name
	}
	width := nameWidth(names)

	fmt.Fprintln(w, sectionStyle.Render(fmt.Sprintf("%s  %-8s  %-8s  %s", pad("POLICY", width), "SEVERITY", "STATE", "SOURCE")))
	for _, r := range rows {
		state := okStyle.Render(pad("enabled", 8))
		if !r.Enabled {
			state = warningStyle.Render(pad("disabled", 8))
		}
		source := r.Source
		if source == "" {
			source = "built-in"
		}
		fmt.Fprintf(w, "%s  %-8s  %s  %s\n", pad(r.Name, width), r.Severity, state, dimStyle.Render(source))
	}
}

func renderLast(w io.Writer, view lastView) {
	header := fmt.Sprintf("%s succeeded in run %s", view.Group, view.RunID)
	if view.FinishedAt != nil {
		header += dimStyle.Render(" at " + view.FinishedAt.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintln(w, titleStyle.Render(header))
	for _, key := range sortedKeys(view.Outputs) {
		fmt.Fprintf(w, "  %s = %v\n", key, view.Outputs[key])
	}
}

func renderAudit(w io.Writer, entries []*stores.AuditEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, dimStyle.Render("No audit entries."))
		return
	}
	for _, e := range entries {
		target := ""
		if e.TargetID != nil {
			target = *e.TargetID
		}
		fmt.Fprintf(w, "%s  %-16s  %-12s  %s\n",
			dimStyle.Render(e.Timestamp.Local().Format("2006-01-02 15:04:05")),
			e.Action, e.Actor, target)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
