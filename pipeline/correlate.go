package pipeline

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Correlation errors.
var (
	// ErrUnidentified means no correlation strategy produced a task id. The
	// event is dropped without side effects, logged at info level.
	ErrUnidentified = errors.New("no task id found in event")

	// ErrUnclassified means the delivery does not map to any EventKind (for
	// example a push from a non-implementation identity). Dropped like an
	// unidentified event.
	ErrUnclassified = errors.New("event does not classify to a pipeline event kind")
)

// ReviewerCheck authorizes the identity behind a stage-advancing review
// action. Satisfied by feedback.ReviewerValidator.
type ReviewerCheck interface {
	Validate(author string) error
}

var (
	taskLabelRe    = regexp.MustCompile(`^task-(\d+)$`)
	serviceLabelRe = regexp.MustCompile(`^service-([a-z0-9][a-z0-9-]*)$`)
	branchRe       = regexp.MustCompile(`^(?:feature/)?task-(\d+)-[\w.-]+$`)
)

// Correlator maps a normalized forge event to the task it concerns and a
// classified event kind. Correlate is a pure function of the event and the
// correlator's construction: no I/O, no clock, no randomness, so duplicate
// webhook deliveries classify identically.
type Correlator struct {
	// QualityLabel is the label whose addition advances quality review
	// (a ready-for-qa equivalent).
	QualityLabel string

	// ImplementationIdentities are pusher identities recognized as
	// implementation agents.
	ImplementationIdentities []string

	// Reviewers authorizes the senders of quality-label additions and
	// approving reviews. Nil disables the check; a configured validator
	// keeps a drive-by account's label or approval from moving the
	// pipeline.
	Reviewers ReviewerCheck

	// PreferBranch inverts the label-wins precedence when label and branch
	// extraction disagree. The default (false) matches observed behavior;
	// the precedence is a design choice, not a hard requirement.
	PreferBranch bool
}

// Result is a successful correlation.
type Result struct {
	TaskID TaskID
	Event  Event

	// Service is the service-<name> correlation label value, when present.
	Service string

	// Notes are non-fatal anomalies (multiple task labels, label/branch
	// disagreement) for the caller to log. Their presence never fails the
	// event.
	Notes []string
}

// Correlate extracts the task id and classifies the event.
//
// Primary extraction scans the label set for task-<digits>; the first match
// wins and extras are noted. Fallback extraction accepts the branch forms
// task-<digits>-<slug> and feature/task-<digits>-<slug>. When both strategies
// yield ids that disagree, the label wins (unless PreferBranch) and the
// disagreement is noted.
func (c *Correlator) Correlate(ev *ForgeEvent) (*Result, error) {
	kind, actor, body, err := c.classify(ev)
	if err != nil {
		return nil, err
	}

	res := &Result{Event: Event{Kind: kind, Actor: actor, Body: body}}

	labelID, found := extractFromLabels(ev.Labels, res)
	branchID, branchFound := extractFromBranch(ev.Branch)

	switch {
	case found && branchFound && labelID != branchID:
		chosen, other := labelID, branchID
		if c.PreferBranch {
			chosen, other = branchID, labelID
		}
		res.TaskID = chosen
		res.Notes = append(res.Notes, fmt.Sprintf(
			"label and branch task ids disagree (%d vs %d), using %d", labelID, other, chosen))
	case found:
		res.TaskID = labelID
	case branchFound:
		res.TaskID = branchID
	default:
		return nil, fmt.Errorf("labels=%d branch=%q: %w", len(ev.Labels), ev.Branch, ErrUnidentified)
	}

	return res, nil
}

// classify derives the event kind from delivery-type-specific fields,
// independent of task-id extraction.
func (c *Correlator) classify(ev *ForgeEvent) (kind EventKind, actor, body string, err error) {
	switch ev.Type {
	case DeliveryPullRequest:
		switch {
		case ev.Action == "opened" || ev.Action == "reopened":
			return EventPullRequestOpened, ev.Sender, "", nil
		case ev.Action == "closed" && ev.Merged:
			return EventMergeConfirmed, ev.Sender, "", nil
		}
	case DeliveryLabel:
		if ev.Action == "labeled" && ev.Label == c.QualityLabel {
			if aerr := c.authorizeReviewer(ev.Sender); aerr != nil {
				return "", "", "", aerr
			}
			return EventQualityLabelAdded, ev.Sender, "", nil
		}
	case DeliveryReview:
		if strings.EqualFold(ev.ReviewState, "approved") {
			if aerr := c.authorizeReviewer(ev.Sender); aerr != nil {
				return "", "", "", aerr
			}
			return EventReviewApproved, ev.Sender, "", nil
		}
	case DeliveryComment:
		if ev.Action == "" || ev.Action == "created" {
			return EventFeedbackPosted, ev.Sender, ev.CommentBody, nil
		}
	case DeliveryPush:
		for _, id := range c.ImplementationIdentities {
			if ev.Pusher == id {
				return EventImplementationPush, ev.Pusher, "", nil
			}
		}
	}
	return "", "", "", fmt.Errorf("type=%s action=%s: %w", ev.Type, ev.Action, ErrUnclassified)
}

func (c *Correlator) authorizeReviewer(sender string) error {
	if c.Reviewers == nil {
		return nil
	}
	if err := c.Reviewers.Validate(sender); err != nil {
		return fmt.Errorf("sender %q: %w", sender, err)
	}
	return nil
}

func extractFromLabels(labels []string, res *Result) (TaskID, bool) {
	var (
		id    TaskID
		found bool
	)
	for _, label := range labels {
		if m := taskLabelRe.FindStringSubmatch(label); m != nil {
			n, perr := strconv.ParseInt(m[1], 10, 64)
			if perr != nil {
				continue
			}
			if found {
				res.Notes = append(res.Notes, fmt.Sprintf(
					"multiple task labels present, ignoring %q", label))
				continue
			}
			id, found = TaskID(n), true
		}
		if m := serviceLabelRe.FindStringSubmatch(label); m != nil && res.Service == "" {
			res.Service = m[1]
		}
	}
	return id, found
}

func extractFromBranch(branch string) (TaskID, bool) {
	m := branchRe.FindStringSubmatch(branch)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return TaskID(n), true
}
