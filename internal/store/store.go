// Package store persists query attempts. Writes go through AsyncSink so a
// slow or broken log database never stalls a question.
package store

import (
	"context"

	"github.com/nlqhq/nlq/pkg/types"
)

// AttemptWriter persists one attempt.
type AttemptWriter interface {
	InsertAttempt(ctx context.Context, rec types.AttemptRecord) error
}

// LogStore is the query log.
type LogStore interface {
	AttemptWriter
	// ListAttempts returns the newest attempts first.
	ListAttempts(ctx context.Context, limit int) ([]types.AttemptRecord, error)
	// ListRequest returns one request's attempts in attempt order.
	ListRequest(ctx context.Context, requestID string) ([]types.AttemptRecord, error)
	Close() error
}
