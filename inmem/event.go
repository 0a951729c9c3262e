package inmem

import (
	"sync"

	"github.com/lgrabowski/trademirror"
)

// EventService keeps published events in memory. It backs tests and
// deployments without a message broker configured.
type EventService struct {
	mutex  sync.Mutex
	logger trademirror.Logger
	events []*trademirror.Event
}

func NewEventService(logger trademirror.Logger) *EventService {
	return &EventService{
		logger: logger,
		events: make([]*trademirror.Event, 0),
	}
}

func (es *EventService) Publish(event *trademirror.Event) {
	es.mutex.Lock()
	defer es.mutex.Unlock()

	es.events = append(es.events, event)

	if es.logger != nil {
		es.logger.WithField("exchange", event.Exchange).
			Infof("event [%v]: [%v]", event.Kind, event.Payload)
	}
}

func (es *EventService) Events() []*trademirror.Event {
	es.mutex.Lock()
	defer es.mutex.Unlock()

	events := make([]*trademirror.Event, len(es.events))
	copy(events, es.events)

	return events
}
