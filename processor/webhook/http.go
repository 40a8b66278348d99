package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/c360studio/mergeflow/pipeline"
)

// Forge webhook headers.
const (
	headerEvent     = "X-Forge-Event"
	headerDelivery  = "X-Forge-Delivery"
	headerSignature = "X-Forge-Signature-256"
)

// rawPayload is the superset of webhook payload fields the receiver reads.
// Everything else in the delivery is ignored.
type rawPayload struct {
	Action string `json:"action"`

	PullRequest *struct {
		Number int  `json:"number"`
		Merged bool `json:"merged"`
		Head   struct {
			Ref string `json:"ref"`
		} `json:"head"`
		Labels []struct {
			Name string `json:"name"`
		} `json:"labels"`
	} `json:"pull_request"`

	Issue *struct {
		Number int `json:"number"`
		Labels []struct {
			Name string `json:"name"`
		} `json:"labels"`
	} `json:"issue"`

	Label *struct {
		Name string `json:"name"`
	} `json:"label"`

	Review *struct {
		State string `json:"state"`
	} `json:"review"`

	Comment *struct {
		Body string `json:"body"`
	} `json:"comment"`

	Sender *struct {
		Login string `json:"login"`
	} `json:"sender"`

	Pusher *struct {
		Name string `json:"name"`
	} `json:"pusher"`

	// Ref is the pushed ref, e.g. "refs/heads/feature/task-5-add-auth".
	Ref string `json:"ref"`
}

// errUnsupportedEvent marks webhook event types the pipeline does not
// consume. They are acknowledged and dropped.
var errUnsupportedEvent = errors.New("unsupported event type")

// normalize maps a forge webhook delivery to the pipeline's ForgeEvent.
func normalize(eventType, deliveryID string, raw *rawPayload) (*pipeline.ForgeEvent, error) {
	ev := &pipeline.ForgeEvent{DeliveryID: deliveryID}

	sender := ""
	if raw.Sender != nil {
		sender = raw.Sender.Login
	}
	ev.Sender = sender

	switch eventType {
	case "pull_request":
		if raw.PullRequest == nil {
			return nil, errors.New("pull_request delivery without pull_request object")
		}
		if raw.Action == "labeled" {
			ev.Type = pipeline.DeliveryLabel
			if raw.Label != nil {
				ev.Label = raw.Label.Name
			}
		} else {
			ev.Type = pipeline.DeliveryPullRequest
			ev.Merged = raw.PullRequest.Merged
		}
		ev.Action = raw.Action
		ev.PullRequest = raw.PullRequest.Number
		ev.Branch = raw.PullRequest.Head.Ref
		for _, l := range raw.PullRequest.Labels {
			ev.Labels = append(ev.Labels, l.Name)
		}

	case "pull_request_review":
		if raw.PullRequest == nil || raw.Review == nil {
			return nil, errors.New("review delivery without pull_request or review object")
		}
		ev.Type = pipeline.DeliveryReview
		ev.Action = raw.Action
		ev.PullRequest = raw.PullRequest.Number
		ev.Branch = raw.PullRequest.Head.Ref
		ev.ReviewState = raw.Review.State
		for _, l := range raw.PullRequest.Labels {
			ev.Labels = append(ev.Labels, l.Name)
		}

	case "issue_comment":
		if raw.Issue == nil || raw.Comment == nil {
			return nil, errors.New("comment delivery without issue or comment object")
		}
		ev.Type = pipeline.DeliveryComment
		ev.Action = raw.Action
		ev.PullRequest = raw.Issue.Number
		ev.CommentBody = raw.Comment.Body
		for _, l := range raw.Issue.Labels {
			ev.Labels = append(ev.Labels, l.Name)
		}

	case "push":
		ev.Type = pipeline.DeliveryPush
		ev.Branch = strings.TrimPrefix(raw.Ref, "refs/heads/")
		if raw.Pusher != nil {
			ev.Pusher = raw.Pusher.Name
		} else {
			ev.Pusher = sender
		}

	default:
		return nil, errUnsupportedEvent
	}

	return ev, nil
}

// verifySignature checks the HMAC-SHA256 delivery signature against the
// shared secret. The header carries "sha256=<hex>".
func verifySignature(secret string, body []byte, header string) bool {
	if secret == "" {
		// No secret configured means signature checking is disabled.
		return true
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig))
}

// handleWebhook receives one forge delivery. Deliveries are acknowledged
// with 202 once authenticated and readable; whether correlation succeeds is
// the orchestrator's business, never the forge's.
func (c *Component) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	reader := http.MaxBytesReader(w, r.Body, c.config.MaxBodyBytes)
	defer reader.Close()
	body, err := io.ReadAll(reader)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "payload exceeds limit"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unable to read body"})
		return
	}

	if !verifySignature(c.config.Secret, body, r.Header.Get(headerSignature)) {
		deliveriesRejected.Inc()
		c.logger.Warn("webhook signature mismatch",
			"delivery_id", r.Header.Get(headerDelivery))
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	eventType := r.Header.Get(headerEvent)
	deliveryID := r.Header.Get(headerDelivery)
	if deliveryID == "" {
		// Some forges omit the delivery header; keep traces joinable anyway.
		deliveryID = uuid.New().String()
	}

	var raw rawPayload
	if err := json.Unmarshal(body, &raw); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	ev, err := normalize(eventType, deliveryID, &raw)
	if err != nil {
		// Ack unsupported and malformed deliveries: the forge does not need
		// to know, and a redelivery would not help.
		deliveriesIgnored.Inc()
		c.logger.Debug("delivery ignored",
			"event_type", eventType, "delivery_id", deliveryID, "error", err)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored"})
		return
	}

	if err := c.publishFn(r.Context(), ev); err != nil {
		deliveriesFailed.Inc()
		c.logger.Error("failed to publish forge event",
			"delivery_id", deliveryID, "type", ev.Type, "error", err)
		// The forge retries on 5xx.
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "publish failed"})
		return
	}

	deliveriesAccepted.Inc()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
