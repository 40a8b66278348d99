package feedback

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// RequiredChangesMarker gates actionability. Comments without it are not
// pipeline input at all.
const RequiredChangesMarker = "🔴 Required Changes"

// Sentinel parse errors.
var (
	// ErrNotActionable means the comment lacks the required-changes marker.
	// This is not a pipeline failure; the comment is simply ignored.
	ErrNotActionable = errors.New("comment is not actionable feedback")

	// ErrMissingDescription means the required Description section is absent
	// or empty.
	ErrMissingDescription = errors.New("description section missing or empty")

	// ErrMissingCriteria means the required Acceptance Criteria Not Met
	// section is absent.
	ErrMissingCriteria = errors.New("acceptance criteria section missing")
)

var (
	issueTypeRe = regexp.MustCompile(`(?m)^\s*\*\*Issue Type\*\*:\s*\[(.*?)\]`)
	severityRe  = regexp.MustCompile(`(?m)^\s*\*\*Severity\*\*:\s*\[(.*?)\]`)

	descriptionRe = regexp.MustCompile(`(?ms)### Description\s*\n(.*?)(?:\n### |\n\*\*|$)`)
	stepsRe       = regexp.MustCompile(`(?ms)### Steps to Reproduce.*?\n(.*?)(?:\n### |\z)`)

	expectedRe        = regexp.MustCompile(`(?m)^\s*-?\s*\*\*Expected\*\*:\s*(.+)$`)
	actualRe          = regexp.MustCompile(`(?m)^\s*-?\s*\*\*Actual\*\*:\s*(.+)$`)
	expectedActualRe  = regexp.MustCompile(`(?ms)### Expected vs Actual.*?\n(.*?)(?:\n### |\z)`)
	numberedStepRe    = regexp.MustCompile(`^\d+\.\s*(.+)$`)
	checkboxRe        = regexp.MustCompile(`^\s*-\s*\[([ xX])\]\s*(.+)$`)
	criteriaHeaderStr = "### Acceptance Criteria Not Met"
)

// Parser extracts StructuredFeedback from comment bodies. All methods are
// pure so duplicate deliveries parse identically.
type Parser struct{}

// NewParser constructs a Parser.
func NewParser() *Parser {
	return &Parser{}
}

// IsActionable reports whether body carries the required-changes marker.
func IsActionable(body string) bool {
	return strings.Contains(body, RequiredChangesMarker)
}

// Parse extracts structured feedback from a comment body.
//
// Required sections: Issue Type, Severity, Description, and Acceptance
// Criteria Not Met (its checkbox list may be empty of unmet items when every
// box is checked). Steps to Reproduce and Expected vs Actual are optional.
func (p *Parser) Parse(body string) (*StructuredFeedback, error) {
	if !IsActionable(body) {
		return nil, ErrNotActionable
	}

	issueType, err := extractIssueType(body)
	if err != nil {
		return nil, err
	}
	severity, err := extractSeverity(body)
	if err != nil {
		return nil, err
	}

	description, err := extractDescription(body)
	if err != nil {
		return nil, err
	}

	criteria, err := extractCriteria(body)
	if err != nil {
		return nil, err
	}

	expected, actual := extractExpectedActual(body)

	return &StructuredFeedback{
		IssueType:         issueType,
		Severity:          severity,
		Description:       description,
		Criteria:          criteria,
		ReproductionSteps: extractReproductionSteps(body),
		ExpectedBehavior:  expected,
		ActualBehavior:    actual,
	}, nil
}

func extractIssueType(body string) (IssueType, error) {
	m := issueTypeRe.FindStringSubmatch(body)
	if m == nil {
		return "", &UnrecognizedFieldError{Section: "Issue Type", Value: "(missing)"}
	}
	return ParseIssueType(strings.TrimSpace(m[1]))
}

func extractSeverity(body string) (Severity, error) {
	m := severityRe.FindStringSubmatch(body)
	if m == nil {
		return "", &UnrecognizedFieldError{Section: "Severity", Value: "(missing)"}
	}
	return ParseSeverity(strings.TrimSpace(m[1]))
}

func extractDescription(body string) (string, error) {
	m := descriptionRe.FindStringSubmatch(body)
	if m == nil {
		return "", ErrMissingDescription
	}
	description := strings.TrimSpace(m[1])
	if description == "" {
		return "", ErrMissingDescription
	}
	return description, nil
}

// extractReproductionSteps returns numbered lines from the optional Steps to
// Reproduce section. Absence is not an error.
func extractReproductionSteps(body string) []string {
	m := stepsRe.FindStringSubmatch(body)
	if m == nil {
		return nil
	}

	var steps []string
	for _, line := range strings.Split(m[1], "\n") {
		trimmed := strings.TrimSpace(line)
		if sm := numberedStepRe.FindStringSubmatch(trimmed); sm != nil {
			steps = append(steps, strings.TrimSpace(sm[1]))
		}
	}
	return steps
}

// extractExpectedActual returns the optional expected/actual behavior pair.
// The inline `**Expected**:` form wins; the section form is the fallback.
func extractExpectedActual(body string) (expected, actual string) {
	if m := expectedRe.FindStringSubmatch(body); m != nil {
		expected = strings.TrimSpace(m[1])
	}
	if m := actualRe.FindStringSubmatch(body); m != nil {
		actual = strings.TrimSpace(m[1])
	}
	if expected != "" && actual != "" {
		return expected, actual
	}

	if m := expectedActualRe.FindStringSubmatch(body); m != nil {
		for _, line := range strings.Split(m[1], "\n") {
			trimmed := strings.TrimSpace(line)
			if expected == "" && strings.HasPrefix(trimmed, "- **Expected**:") {
				expected = strings.TrimSpace(strings.TrimPrefix(trimmed, "- **Expected**:"))
			}
			if actual == "" && strings.HasPrefix(trimmed, "- **Actual**:") {
				actual = strings.TrimSpace(strings.TrimPrefix(trimmed, "- **Actual**:"))
			}
		}
	}
	return expected, actual
}

// NormalizeCriterion canonicalizes a criterion description for comparison:
// case-folded with collapsed whitespace. Used by the implicit-resolution
// heuristic so cosmetic edits do not defeat matching.
func NormalizeCriterion(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// FormatSummary renders feedback as a short human-readable block for
// escalation notices and implementation-agent context.
func FormatSummary(f *StructuredFeedback) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s** (%s): %s\n", f.IssueType, f.Severity, f.Description)
	for _, c := range f.CriteriaNotMet() {
		fmt.Fprintf(&b, "- [ ] %s\n", c)
	}
	if f.ExpectedBehavior != "" {
		fmt.Fprintf(&b, "- Expected: %s\n", f.ExpectedBehavior)
	}
	if f.ActualBehavior != "" {
		fmt.Fprintf(&b, "- Actual: %s\n", f.ActualBehavior)
	}
	return b.String()
}
