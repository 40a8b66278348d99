// Package feedback parses structured QA feedback from pull-request review
// comments. A comment is actionable only when it carries the required-changes
// marker; everything else is ignored by the pipeline.
package feedback

import "fmt"

// IssueType classifies the kind of defect a reviewer reported.
type IssueType string

const (
	IssueBug            IssueType = "bug"
	IssueMissingFeature IssueType = "missing_feature"
	IssueRegression     IssueType = "regression"
	IssuePerformance    IssueType = "performance"
)

// ParseIssueType maps a comment token to an IssueType. The token set is
// closed; anything else is an UnrecognizedFieldError.
func ParseIssueType(s string) (IssueType, error) {
	switch s {
	case "Bug":
		return IssueBug, nil
	case "Missing Feature":
		return IssueMissingFeature, nil
	case "Regression":
		return IssueRegression, nil
	case "Performance":
		return IssuePerformance, nil
	default:
		return "", &UnrecognizedFieldError{Section: "Issue Type", Value: s}
	}
}

// String returns the display form used in comments and notices.
func (t IssueType) String() string {
	switch t {
	case IssueBug:
		return "Bug"
	case IssueMissingFeature:
		return "Missing Feature"
	case IssueRegression:
		return "Regression"
	case IssuePerformance:
		return "Performance"
	default:
		return string(t)
	}
}

// Severity ranks an issue. Critical > High > Medium > Low.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// ParseSeverity maps a comment token to a Severity.
func ParseSeverity(s string) (Severity, error) {
	switch s {
	case "Critical":
		return SeverityCritical, nil
	case "High":
		return SeverityHigh, nil
	case "Medium":
		return SeverityMedium, nil
	case "Low":
		return SeverityLow, nil
	default:
		return "", &UnrecognizedFieldError{Section: "Severity", Value: s}
	}
}

// Rank returns the ordering weight of the severity (higher is more severe).
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// String returns the display form used in comments and notices.
func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "Critical"
	case SeverityHigh:
		return "High"
	case SeverityMedium:
		return "Medium"
	case SeverityLow:
		return "Low"
	default:
		return string(s)
	}
}

// CriterionStatus is one acceptance-criteria checkbox from a feedback comment.
type CriterionStatus struct {
	// Description is the criterion text after the checkbox.
	Description string `json:"description"`
	// Completed reports whether the checkbox was checked.
	Completed bool `json:"completed"`
	// Line is the 1-based line within the criteria section, for operator logs.
	Line int `json:"line,omitempty"`
}

// StructuredFeedback is the parsed form of one actionable review comment.
type StructuredFeedback struct {
	IssueType         IssueType         `json:"issue_type"`
	Severity          Severity          `json:"severity"`
	Description       string            `json:"description"`
	Criteria          []CriterionStatus `json:"criteria"`
	ReproductionSteps []string          `json:"reproduction_steps,omitempty"`
	ExpectedBehavior  string            `json:"expected_behavior,omitempty"`
	ActualBehavior    string            `json:"actual_behavior,omitempty"`
}

// CriteriaNotMet returns the descriptions of unchecked criteria, in comment
// order. The list may legitimately be empty when every box was checked.
func (f *StructuredFeedback) CriteriaNotMet() []string {
	var unmet []string
	for _, c := range f.Criteria {
		if !c.Completed {
			unmet = append(unmet, c.Description)
		}
	}
	return unmet
}

// UnrecognizedFieldError reports a labeled section whose value is outside the
// recognized token set.
type UnrecognizedFieldError struct {
	Section string
	Value   string
}

func (e *UnrecognizedFieldError) Error() string {
	return fmt.Sprintf("unrecognized %s value %q", e.Section, e.Value)
}
