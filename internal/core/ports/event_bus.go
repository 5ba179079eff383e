package ports

import (
	"context"

	"github.com/satsvault/custodiad/internal/core/domain"
)

const (
	TransactionsTopic         = "transactions"
	CommitmentBroadcastsTopic = "commitment_broadcasts"
)

// EventBus carries domain events between the pipeline, the watcher and any
// external subscriber. Delivery is in-process fan-out; durability of the
// underlying facts lives in the repositories, not here.
type EventBus interface {
	Publish(ctx context.Context, topic string, events ...domain.Event) error
	Subscribe(ctx context.Context, topic string, handler func(domain.Event)) error
	Close()
}
