package feedback

import "strings"

// extractCriteria parses the Acceptance Criteria Not Met section into
// checkbox statuses. Checked boxes record criteria the reviewer considers
// already met; unchecked boxes are the unmet set.
func extractCriteria(body string) ([]CriterionStatus, error) {
	section, ok := criteriaSection(body)
	if !ok {
		return nil, ErrMissingCriteria
	}

	var criteria []CriterionStatus
	for i, line := range strings.Split(section, "\n") {
		m := checkboxRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		description := strings.TrimSpace(m[2])
		if description == "" {
			continue
		}
		criteria = append(criteria, CriterionStatus{
			Description: description,
			Completed:   m[1] == "x" || m[1] == "X",
			Line:        i + 1,
		})
	}
	return criteria, nil
}

// criteriaSection returns the text between the criteria header and the next
// section boundary.
func criteriaSection(body string) (string, bool) {
	start := strings.Index(body, criteriaHeaderStr)
	if start < 0 {
		return "", false
	}
	rest := body[start+len(criteriaHeaderStr):]

	end := len(rest)
	for _, boundary := range []string{"\n### ", "\n**", "\n***"} {
		if pos := strings.Index(rest, boundary); pos >= 0 && pos < end {
			end = pos
		}
	}
	return strings.TrimSpace(rest[:end]), true
}
