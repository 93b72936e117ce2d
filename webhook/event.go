// ABOUTME: Parses point-of-sale webhook payloads into change events
// ABOUTME: Extracts the event type, the affected customer ids and an idempotency key
package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/harperreed/contactsync/models"
)

// Action is what a change event asks the engine to do.
type Action int

const (
	ActionIgnore Action = iota
	ActionChange
	ActionDelete
	ActionMerge
)

func (a Action) String() string {
	switch a {
	case ActionChange:
		return "change"
	case ActionDelete:
		return "delete"
	case ActionMerge:
		return "merge"
	default:
		return "ignore"
	}
}

// Event is one accepted notification.
type Event struct {
	Source     models.Source
	Type       string
	ID         string
	NativeID   string
	MergedIDs  []string
	Action     Action
	ReceivedAt time.Time
}

type squarePayload struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	Data    struct {
		ID     string `json:"id"`
		Object struct {
			Customer struct {
				ID string `json:"id"`
			} `json:"customer"`
			MergedIDs []string `json:"merged_ids"`
		} `json:"object"`
	} `json:"data"`
}

// ParseSquareEvent decodes a Square notification. A payload that is not a
// JSON object yields ok == false.
func ParseSquareEvent(body []byte, receivedAt time.Time) (Event, bool) {
	var p squarePayload
	if len(body) == 0 || json.Unmarshal(body, &p) != nil {
		return Event{}, false
	}

	ev := Event{
		Source:     models.SourcePOS,
		Type:       p.Type,
		ID:         p.EventID,
		NativeID:   firstNonEmpty(p.Data.Object.Customer.ID, p.Data.ID),
		ReceivedAt: receivedAt,
	}
	if ev.ID == "" {
		ev.ID = BodyKey(body)
	}

	switch {
	case p.Type == "customer.created", p.Type == "customer.updated",
		strings.HasPrefix(p.Type, "customer.custom_attribute"):
		ev.Action = ActionChange
	case p.Type == "customer.deleted":
		ev.Action = ActionDelete
	case p.Type == "customer.merged":
		ev.Action = ActionMerge
		for _, id := range p.Data.Object.MergedIDs {
			if id != "" && id != ev.NativeID {
				ev.MergedIDs = append(ev.MergedIDs, id)
			}
		}
	}
	if ev.NativeID == "" {
		ev.Action = ActionIgnore
	}
	return ev, true
}

// BodyKey is the idempotency key of a payload without an event id.
func BodyKey(body []byte) string {
	sum := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
