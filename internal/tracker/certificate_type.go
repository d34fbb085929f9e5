package tracker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"certsync/internal/metrics"
	"certsync/internal/model"
)

var (
	certificateTypeActivate = transition[model.CertificateTypeStatus]{
		from: []model.CertificateTypeStatus{model.CertificateTypePending},
		to:   model.CertificateTypeActive,
	}
	certificateTypeDeactivate = transition[model.CertificateTypeStatus]{
		from: []model.CertificateTypeStatus{model.CertificateTypeActive},
		to:   model.CertificateTypeDeactivated,
	}
)

// CertificateTypeTracker applies certificate type contract events.
type CertificateTypeTracker struct {
	base
}

func NewCertificateTypeTracker(store Store, logger *zap.Logger, m *metrics.Metrics) *CertificateTypeTracker {
	return &CertificateTypeTracker{base: newBase(store, "certificate_type", logger, m)}
}

func (t *CertificateTypeTracker) Created(ctx context.Context, ev model.CertificateTypeEvent) (Outcome, error) {
	return t.apply(ctx, "CertificateTypeCreated", ev.CertificateTypeID, ev.TxHash, func(tx Tx) (Outcome, error) {
		ct, err := tx.LockCertificateType(ctx, ev.CertificateTypeID)
		if err != nil {
			return "", err
		}
		outcome, err := certificateTypeActivate.decide(ct.Status, ct.InitTxHash, ev.TxHash)
		if outcome != OutcomeApplied {
			return outcome, err
		}

		ct.Status = model.CertificateTypeActive
		ct.InitTxHash = ev.TxHash
		return t.save(ctx, tx, ct)
	})
}

// Updated stamps the change hash on an active type. The status is unchanged,
// so a replay is recognised by the stored hash instead.
func (t *CertificateTypeTracker) Updated(ctx context.Context, ev model.CertificateTypeEvent) (Outcome, error) {
	return t.apply(ctx, "CertificateTypeUpdated", ev.CertificateTypeID, ev.TxHash, func(tx Tx) (Outcome, error) {
		ct, err := tx.LockCertificateType(ctx, ev.CertificateTypeID)
		if err != nil {
			return "", err
		}
		if ct.LastChangedTxHash == ev.TxHash {
			return OutcomeAlreadyApplied, nil
		}
		if ct.Status != model.CertificateTypeActive {
			return OutcomeViolation, fmt.Errorf("%w: status %s, want active", ErrPreconditionViolation, ct.Status)
		}

		ct.LastChangedTxHash = ev.TxHash
		return t.save(ctx, tx, ct)
	})
}

func (t *CertificateTypeTracker) Deactivated(ctx context.Context, ev model.CertificateTypeEvent) (Outcome, error) {
	return t.apply(ctx, "CertificateTypeDeactivated", ev.CertificateTypeID, ev.TxHash, func(tx Tx) (Outcome, error) {
		ct, err := tx.LockCertificateType(ctx, ev.CertificateTypeID)
		if err != nil {
			return "", err
		}
		outcome, err := certificateTypeDeactivate.decide(ct.Status, ct.LastChangedTxHash, ev.TxHash)
		if outcome != OutcomeApplied {
			return outcome, err
		}

		ct.Status = model.CertificateTypeDeactivated
		ct.LastChangedTxHash = ev.TxHash
		return t.save(ctx, tx, ct)
	})
}

func (t *CertificateTypeTracker) save(ctx context.Context, tx Tx, ct model.CertificateType) (Outcome, error) {
	if err := tx.SaveCertificateType(ctx, ct); err != nil {
		return "", fmt.Errorf("save certificate type %s: %w", ct.ID, err)
	}
	return OutcomeApplied, nil
}
