package trademirror

import (
	"fmt"
	"math/big"
)

type EventKind string

const (
	EventStatusChanged   EventKind = "STATUS_CHANGED"
	EventNetWorthChanged EventKind = "NET_WORTH_CHANGED"
)

// Event is a change notification published for external reporting and UI
// layers. Events are fire-and-forget; the engine never blocks on them.
type Event struct {
	Exchange string
	Kind     EventKind
	Payload  string
}

func NewStatusChangedEvent(exchange string, status Status) *Event {
	return &Event{
		Exchange: exchange,
		Kind:     EventStatusChanged,
		Payload: fmt.Sprintf(
			"Exchange [%v] status changed to [%v]",
			exchange,
			status,
		),
	}
}

func NewNetWorthChangedEvent(
	exchange string,
	referenceCoin Coin,
	netWorth *big.Float,
) *Event {
	return &Event{
		Exchange: exchange,
		Kind:     EventNetWorthChanged,
		Payload: fmt.Sprintf(
			"Exchange [%v] net worth is now [%v %v]",
			exchange,
			netWorth.Text('f', 8),
			referenceCoin,
		),
	}
}

type EventService interface {
	Publish(event *Event)
}
