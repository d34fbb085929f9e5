package queue

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"certsync/internal/model"
)

// Journal receives a copy of every accepted enqueue.
type Journal interface {
	Append(entries ...model.JournalEntry) error
}

// JournaledEnqueuer records enqueues to a journal after the inner queue
// accepts them. Journal failures are logged and never fail the enqueue.
type JournaledEnqueuer struct {
	inner   Enqueuer
	journal Journal
	logger  *zap.Logger
	now     func() time.Time
}

func NewJournaledEnqueuer(inner Enqueuer, journal Journal, logger *zap.Logger) *JournaledEnqueuer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JournaledEnqueuer{
		inner:   inner,
		journal: journal,
		logger:  logger.Named("journal"),
		now:     time.Now,
	}
}

func (e *JournaledEnqueuer) Enqueue(ctx context.Context, kind model.JobKind, key string, payload any) (bool, error) {
	created, err := e.inner.Enqueue(ctx, kind, key, payload)
	if err != nil {
		return created, err
	}

	raw, merr := json.Marshal(payload)
	if merr != nil {
		e.logger.Warn("journal payload encode failed", zap.String("job", key), zap.Error(merr))
		return created, nil
	}
	entry := model.JournalEntry{
		Key:      key,
		Kind:     kind,
		Payload:  raw,
		Created:  created,
		QueuedAt: e.now().UTC(),
	}
	if jerr := e.journal.Append(entry); jerr != nil {
		e.logger.Warn("journal append failed", zap.String("job", key), zap.Error(jerr))
	}
	return created, nil
}
