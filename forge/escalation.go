package forge

import (
	"fmt"
	"sort"
	"strings"

	"github.com/c360studio/mergeflow/feedback"
	"github.com/c360studio/mergeflow/pipeline"
)

// EscalationNotice renders the comment posted when a task exhausts its
// remediation budget. It states the iteration count reached, summarizes the
// unresolved feedback grouped by severity, and says plainly that automation
// has stopped.
func EscalationNotice(task *pipeline.Task) string {
	var b strings.Builder

	b.WriteString("## ⛔ Automation Escalated\n\n")
	fmt.Fprintf(&b, "This pull request reached the remediation limit: **%d of %d iterations** used without resolving all review feedback.\n\n",
		task.Iteration, task.MaxIterations)

	open := task.UnresolvedFeedback()
	if len(open) > 0 {
		b.WriteString("### Unresolved Feedback\n\n")
		for _, sev := range severityOrder(open) {
			fmt.Fprintf(&b, "**%s**\n", severityHeading(sev))
			for _, rec := range open {
				if rec.Severity != sev {
					continue
				}
				fmt.Fprintf(&b, "- [%s] %s (iteration %d, by %s)\n",
					rec.IssueType, rec.Description, rec.Iteration, rec.Author)
				for _, c := range rec.CriteriaNotMet {
					fmt.Fprintf(&b, "  - [ ] %s\n", c)
				}
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("**Automation has stopped for this task.** A human must review the outstanding feedback and reset the task before any further automated work occurs.\n")
	return b.String()
}

// severityOrder returns the distinct severities present, most severe first.
func severityOrder(records []pipeline.FeedbackRecord) []feedback.Severity {
	seen := make(map[feedback.Severity]bool)
	var out []feedback.Severity
	for _, r := range records {
		if !seen[r.Severity] {
			seen[r.Severity] = true
			out = append(out, r.Severity)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Rank() > out[j].Rank()
	})
	return out
}

func severityHeading(s feedback.Severity) string {
	switch s {
	case feedback.SeverityCritical:
		return "Critical"
	case feedback.SeverityHigh:
		return "High"
	case feedback.SeverityMedium:
		return "Medium"
	case feedback.SeverityLow:
		return "Low"
	default:
		return string(s)
	}
}
