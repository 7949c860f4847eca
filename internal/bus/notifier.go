package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-security/kestrel/internal/domain"
)

// Notifier publishes user-facing notifications onto the event bus for
// downstream delivery channels (email, push, in-app) to consume.
type Notifier struct {
	bus domain.EventBus
}

// NewNotifier creates a bus-backed notification sink.
func NewNotifier(b domain.EventBus) *Notifier {
	return &Notifier{bus: b}
}

type notificationPayload struct {
	PrincipalID string            `json:"principalId"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// Notify publishes the notification on the notify topic.
func (n *Notifier) Notify(ctx context.Context, tenantID, principalID, title, body string, metadata map[string]string) error {
	if tenantID == "" || principalID == "" {
		return fmt.Errorf("tenantID and principalID are required")
	}

	payload, err := json.Marshal(notificationPayload{
		PrincipalID: principalID,
		Title:       title,
		Body:        body,
		Metadata:    metadata,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	return n.bus.Publish(ctx, tenantID, domain.TopicNotify, payload)
}
