// Package notify is the side channel the session manager publishes
// connection status changes on. Dashboard-facing code subscribes to it.
package notify

import (
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/bjo163/zapflow/internal/domain"
	"go.uber.org/zap"
)

const TopicConnectionStatus = "connection:status"

// ConnectionUpdate is a snapshot of a connection after a status change.
type ConnectionUpdate struct {
	ConnectionID int64                   `json:"connection_id,string"`
	TenantID     int64                   `json:"tenant_id,string"`
	Status       domain.ConnectionStatus `json:"status"`
	QRCode       string                  `json:"qr_code,omitempty"`
	PhoneNumber  string                  `json:"phone_number,omitempty"`
	At           time.Time               `json:"at"`
}

// Bus wraps an EventBus. Handlers run asynchronously so a slow subscriber
// never stalls a connection's event loop.
type Bus struct {
	bus EventBus.Bus
}

func NewBus() *Bus {
	return &Bus{bus: EventBus.New()}
}

func (b *Bus) PublishConnectionUpdate(u ConnectionUpdate) {
	if u.At.IsZero() {
		u.At = time.Now()
	}
	b.bus.Publish(TopicConnectionStatus, u)
}

// SubscribeConnectionUpdates registers fn and returns its unsubscribe func.
func (b *Bus) SubscribeConnectionUpdates(fn func(ConnectionUpdate)) (func(), error) {
	if err := b.bus.SubscribeAsync(TopicConnectionStatus, fn, false); err != nil {
		return nil, err
	}
	return func() {
		if err := b.bus.Unsubscribe(TopicConnectionStatus, fn); err != nil {
			zap.L().Debug("notify: unsubscribe failed", zap.Error(err))
		}
	}, nil
}

// Wait blocks until every async handler has returned.
func (b *Bus) Wait() {
	b.bus.WaitAsync()
}
