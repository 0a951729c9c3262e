package pubsub

import (
	"context"
	"encoding/json"

	"cloud.google.com/go/pubsub"
	"github.com/lgrabowski/trademirror"
)

// EventService publishes engine change notifications on the notifications
// topic. Publishing is fire-and-forget; delivery failures are logged and
// never reach the engine.
type EventService struct {
	client *Client
	logger trademirror.Logger
}

func NewEventService(client *Client, logger trademirror.Logger) *EventService {
	return &EventService{client, logger}
}

func (es *EventService) Publish(event *trademirror.Event) {
	es.publishOnNotificationsTopic(context.TODO(), event)
}

func (es *EventService) publishOnNotificationsTopic(
	ctx context.Context,
	event *trademirror.Event,
) {
	topicLogger := es.logger.WithField("topic", "notifications")

	messageData, err := json.Marshal(&notificationEvent{
		Exchange: event.Exchange,
		Kind:     string(event.Kind),
		Payload:  event.Payload,
	})
	if err != nil {
		topicLogger.Errorf("could not marshal engine event: [%v]", err)
		return
	}

	es.publishOnTopic(
		ctx,
		es.client.notificationsTopic,
		messageData,
		topicLogger,
	)
}

func (es *EventService) publishOnTopic(
	ctx context.Context,
	topic *pubsub.Topic,
	messageData []byte,
	topicLogger trademirror.Logger,
) {
	result := topic.Publish(ctx, &pubsub.Message{
		Data: messageData,
	})

	go func() {
		id, err := result.Get(ctx)
		if err != nil {
			topicLogger.Errorf(
				"could not publish engine event: [%v]",
				err,
			)
			return
		}

		topicLogger.Debugf("published engine event with ID: [%v]", id)
	}()
}

type notificationEvent struct {
	Exchange string
	Kind     string
	Payload  string
}
