// Package dispatch delivers state-change signals to provider devices.
package dispatch

// Event types sent to providers.
const (
	EventOffer     = "offer"     // provider entered a candidate set
	EventTaken     = "taken"     // another provider won the claim
	EventAssigned  = "assigned"  // provider won the claim
	EventCancelled = "cancelled" // request was cancelled
	EventCompleted = "completed" // request reached its terminal success
)

type Event struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Reason    string `json:"reason,omitempty"`
}

// Notifier delivers one event to one provider. Implementations are
// best-effort and at-most-once; callers never act on the outcome.
type Notifier interface {
	Notify(providerID string, ev Event)
}

// Composite tries the live WebSocket session first and falls back to a push
// send when the provider is not connected.
type Composite struct {
	WS   *WSRegistry
	Push *FCMNotifier
}

func (c *Composite) Notify(providerID string, ev Event) {
	if c.WS != nil {
		if err := c.WS.Send(providerID, ev); err == nil {
			return
		}
	}
	if c.Push != nil {
		c.Push.Notify(providerID, ev)
	}
}

// Nop discards every event; used when no transport is configured.
type Nop struct{}

func (Nop) Notify(string, Event) {}
