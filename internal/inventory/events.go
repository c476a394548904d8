package inventory

import (
	"context"
	"time"
)

// MovementCompletedEvent is emitted after a movement commits.
type MovementCompletedEvent struct {
	Movement   Movement
	Balances   []Balance
	OccurredAt time.Time
}

// Publisher forwards ledger events to notification and activity consumers.
type Publisher interface {
	PublishMovementCompleted(ctx context.Context, evt MovementCompletedEvent) error
}
