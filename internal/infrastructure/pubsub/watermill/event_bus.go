package watermillbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/satsvault/custodiad/internal/core/domain"
	"github.com/satsvault/custodiad/internal/core/ports"
	log "github.com/sirupsen/logrus"
)

type eventBus struct {
	pubSub *gochannel.GoChannel

	lock      sync.Mutex
	cancelFns []context.CancelFunc
}

func NewEventBus() ports.EventBus {
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: 100},
		newLoggerAdapter(),
	)
	return &eventBus{pubSub: pubSub}
}

func (e *eventBus) Publish(
	ctx context.Context, topic string, events ...domain.Event,
) error {
	messages := make([]*message.Message, 0, len(events))
	for _, event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			log.WithError(err).Warnf("failed to serialize event %s", event.GetType())
			continue
		}
		messages = append(messages, message.NewMessage(watermill.NewUUID(), payload))
	}
	return e.pubSub.Publish(topic, messages...)
}

func (e *eventBus) Subscribe(
	ctx context.Context, topic string, handler func(domain.Event),
) error {
	subCtx, cancel := context.WithCancel(ctx)
	msgs, err := e.pubSub.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}

	e.lock.Lock()
	e.cancelFns = append(e.cancelFns, cancel)
	e.lock.Unlock()

	go func() {
		for msg := range msgs {
			event, err := deserializeEvent(msg.Payload)
			if err != nil {
				log.WithError(err).Warnf("failed to deserialize event: %s", string(msg.Payload))
				msg.Ack()
				continue
			}
			handler(event)
			msg.Ack()
		}
	}()
	return nil
}

func (e *eventBus) Close() {
	e.lock.Lock()
	defer e.lock.Unlock()
	for _, cancel := range e.cancelFns {
		cancel()
	}
	// nolint:errcheck
	e.pubSub.Close()
}

func deserializeEvent(buf []byte) (domain.Event, error) {
	var eventType struct {
		Type domain.EventType
	}
	if err := json.Unmarshal(buf, &eventType); err != nil {
		return nil, err
	}

	switch eventType.Type {
	case domain.EventTypeTransactionBroadcasted:
		var event domain.TransactionBroadcasted
		if err := json.Unmarshal(buf, &event); err != nil {
			return nil, err
		}
		return event, nil
	case domain.EventTypeCommitmentDetected:
		var event domain.CommitmentDetected
		if err := json.Unmarshal(buf, &event); err != nil {
			return nil, err
		}
		return event, nil
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType.Type)
	}
}

type loggerAdapter struct {
	fields watermill.LogFields
}

func newLoggerAdapter() watermill.LoggerAdapter {
	return &loggerAdapter{}
}

func (l *loggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	l.entry(fields).WithError(err).Error(msg)
}

func (l *loggerAdapter) Info(msg string, fields watermill.LogFields) {
	l.entry(fields).Debug(msg)
}

func (l *loggerAdapter) Debug(msg string, fields watermill.LogFields) {
	l.entry(fields).Debug(msg)
}

func (l *loggerAdapter) Trace(msg string, fields watermill.LogFields) {
	l.entry(fields).Trace(msg)
}

func (l *loggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &loggerAdapter{fields: l.fields.Add(fields)}
}

func (l *loggerAdapter) entry(fields watermill.LogFields) *log.Entry {
	return log.WithFields(log.Fields(l.fields.Add(fields)))
}
