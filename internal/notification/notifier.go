// Package notification delivers operator alerts for order-lifecycle
// failures (bracket rejections, broker circuit trips) to external channels
// such as Telegram or a generic webhook.
package notification

import (
	"context"
	"log"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert is one notification. BracketID is empty for alerts that are not
// tied to a single bracket (for example a circuit-breaker trip).
type Alert struct {
	Level     AlertLevel `json:"level"`
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	BracketID string     `json:"bracket_id,omitempty"`
}

// Notifier is the interface for all delivery backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// Dispatcher fans an alert out to every configured backend. Delivery
// failures are logged and do not stop the remaining backends; alerting
// must never block or fail the order pipeline.
type Dispatcher struct {
	backends []Notifier
}

// NewDispatcher creates a dispatcher over the given backends. With no
// backends it falls back to log-only delivery.
func NewDispatcher(backends ...Notifier) *Dispatcher {
	if len(backends) == 0 {
		backends = []Notifier{NewLogNotifier()}
	}
	return &Dispatcher{backends: backends}
}

func (d *Dispatcher) Send(ctx context.Context, alert Alert) error {
	for _, n := range d.backends {
		if err := n.Send(ctx, alert); err != nil {
			log.Printf("[notify] delivery failed: %v", err)
		}
	}
	return nil
}

// LogNotifier writes alerts to the process log. It is the default backend
// and the only one used in development.
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	if alert.BracketID != "" {
		log.Printf("[notify] [%s] %s (bracket=%s): %s", alert.Level, alert.Title, alert.BracketID, alert.Message)
		return nil
	}
	log.Printf("[notify] [%s] %s: %s", alert.Level, alert.Title, alert.Message)
	return nil
}
