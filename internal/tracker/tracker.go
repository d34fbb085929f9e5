package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"certsync/internal/metrics"
	"certsync/internal/model"
	"certsync/internal/queue"
	"certsync/internal/storage"
)

// ErrPreconditionViolation means the aggregate is missing or in a status the
// event cannot move it from.
var ErrPreconditionViolation = errors.New("precondition violation")

// Outcome is the result of applying an event.
type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeAlreadyApplied Outcome = "already_applied"
	OutcomeViolation      Outcome = "precondition_violation"
)

// Tx is the transactional view of the store a tracker writes through. Lock
// methods take a row lock held until the transaction ends and return
// storage.ErrNotFound for missing rows.
type Tx interface {
	LockOrganization(ctx context.Context, id string) (model.Organization, error)
	SaveOrganization(ctx context.Context, org model.Organization) error
	// ActivateMember marks the member row for wallet active.
	ActivateMember(ctx context.Context, organizationID, wallet, txHash string) error

	LockCertificateType(ctx context.Context, id string) (model.CertificateType, error)
	SaveCertificateType(ctx context.Context, ct model.CertificateType) error

	LockCertificate(ctx context.Context, id string) (model.Certificate, error)
	SaveCertificate(ctx context.Context, cert model.Certificate) error
}

// Store runs fn in one transaction, committing when fn returns nil.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// transition is a forward status move allowed from any status in from.
type transition[S comparable] struct {
	from []S
	to   S
}

// decide reports whether the aggregate can take the transition. stamped is
// the hash the aggregate recorded for this transition; when it equals txHash
// the event was applied earlier, even if the aggregate has moved on since.
func (t transition[S]) decide(current S, stamped, txHash string) (Outcome, error) {
	if current == t.to || (stamped != "" && strings.EqualFold(stamped, txHash)) {
		return OutcomeAlreadyApplied, nil
	}
	for _, s := range t.from {
		if current == s {
			return OutcomeApplied, nil
		}
	}
	return OutcomeViolation, fmt.Errorf("%w: status %v, want one of %v", ErrPreconditionViolation, current, t.from)
}

type base struct {
	store     Store
	logger    *zap.Logger
	metrics   *metrics.Metrics
	aggregate string
	now       func() time.Time
}

func newBase(store Store, aggregate string, logger *zap.Logger, m *metrics.Metrics) base {
	if logger == nil {
		logger = zap.NewNop()
	}
	return base{
		store:     store,
		logger:    logger.Named("tracker").With(zap.String("aggregate", aggregate)),
		metrics:   m,
		aggregate: aggregate,
		now:       time.Now,
	}
}

// apply runs fn in a transaction and records the outcome.
func (b base) apply(ctx context.Context, event, id, txHash string, fn func(tx Tx) (Outcome, error)) (Outcome, error) {
	var outcome Outcome
	err := b.store.InTx(ctx, func(tx Tx) error {
		var err error
		outcome, err = fn(tx)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		err = fmt.Errorf("%w: %s %s: %w", ErrPreconditionViolation, b.aggregate, id, err)
	}
	if errors.Is(err, ErrPreconditionViolation) {
		outcome = OutcomeViolation
	}

	fields := []zap.Field{zap.String("event", event), zap.String("id", id), zap.String("tx_hash", txHash)}
	switch {
	case err != nil:
		if outcome == "" {
			outcome = "error"
		}
		b.logger.Warn("event not applied", append(fields, zap.Error(err))...)
	case outcome == OutcomeAlreadyApplied:
		b.logger.Info("event already applied", fields...)
	default:
		b.logger.Info("event applied", fields...)
	}
	b.metrics.IncTrackerOutcome(b.aggregate, string(outcome))
	return outcome, err
}

func decodeAndApply[P any](fn func(context.Context, P) (Outcome, error)) queue.HandlerFunc {
	return func(ctx context.Context, job queue.Job) error {
		var payload P
		if err := job.Decode(&payload); err != nil {
			return err
		}
		_, err := fn(ctx, payload)
		return err
	}
}

// Handlers maps every job kind onto its tracker.
func Handlers(orgs *OrganizationTracker, types *CertificateTypeTracker, certs *CertificateTracker) queue.Handlers {
	return queue.Handlers{
		model.KindOrganizationAdded:          decodeAndApply(orgs.Created),
		model.KindOrganizationDeactivated:    decodeAndApply(orgs.Deactivated),
		model.KindCertificateTypeAdded:       decodeAndApply(types.Created),
		model.KindCertificateTypeUpdated:     decodeAndApply(types.Updated),
		model.KindCertificateTypeDeactivated: decodeAndApply(types.Deactivated),
		model.KindCertificateSigned:          decodeAndApply(certs.Signed),
		model.KindCertificateApproved:        decodeAndApply(certs.Approved),
		model.KindCertificateRejected:        decodeAndApply(certs.Rejected),
		model.KindCertificateRevoked:         decodeAndApply(certs.Revoked),
	}
}
