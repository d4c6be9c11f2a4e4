// Package cache holds short-lived delivery facts outside the job store: the
// provider reference of recently sent jobs and the reply already produced for
// an inbound provider message.
package cache

import (
	"context"
	"time"
)

type SentCache interface {
	StoreSent(ctx context.Context, jobID int64, providerRef string, sentAt time.Time) error
}

// ReplyCache lets the inbound webhook answer a provider redelivery with the
// reply it already generated instead of running the pipeline twice.
type ReplyCache interface {
	LookupReply(ctx context.Context, providerMessageID string) (string, bool, error)
	RememberReply(ctx context.Context, providerMessageID, reply string) error
}

// Noop satisfies both interfaces when Redis is not configured.
type Noop struct{}

func (Noop) StoreSent(context.Context, int64, string, time.Time) error { return nil }

func (Noop) LookupReply(context.Context, string) (string, bool, error) { return "", false, nil }

func (Noop) RememberReply(context.Context, string, string) error { return nil }
