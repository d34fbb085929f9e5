package tracker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"certsync/internal/metrics"
	"certsync/internal/model"
)

var (
	certificateSign = transition[model.CertificateStatus]{
		from: []model.CertificateStatus{model.CertificateCreated},
		to:   model.CertificateSigned,
	}
	certificateApprove = transition[model.CertificateStatus]{
		from: []model.CertificateStatus{model.CertificateSigned, model.CertificatePendingVerify},
		to:   model.CertificateVerified,
	}
	certificateReject = transition[model.CertificateStatus]{
		from: []model.CertificateStatus{model.CertificateSigned, model.CertificatePendingVerify},
		to:   model.CertificateRejected,
	}
	certificateRevoke = transition[model.CertificateStatus]{
		from: []model.CertificateStatus{model.CertificateVerified},
		to:   model.CertificateRevoked,
	}
)

// CertificateTracker applies certificate contract events.
type CertificateTracker struct {
	base
}

func NewCertificateTracker(store Store, logger *zap.Logger, m *metrics.Metrics) *CertificateTracker {
	return &CertificateTracker{base: newBase(store, "certificate", logger, m)}
}

func (t *CertificateTracker) Signed(ctx context.Context, ev model.CertificateEvent) (Outcome, error) {
	return t.move(ctx, "CertificateSubmitted", ev, certificateSign, signedHash, nil)
}

func (t *CertificateTracker) Approved(ctx context.Context, ev model.CertificateEvent) (Outcome, error) {
	at := t.eventTime(ev)
	return t.move(ctx, "CertificateApproved", ev, certificateApprove, approvedHash, func(cert *model.Certificate) {
		cert.ApprovedAt = &at
	})
}

func (t *CertificateTracker) Rejected(ctx context.Context, ev model.CertificateEvent) (Outcome, error) {
	return t.move(ctx, "CertificateRejected", ev, certificateReject, rejectedHash, nil)
}

func (t *CertificateTracker) Revoked(ctx context.Context, ev model.CertificateEvent) (Outcome, error) {
	at := t.eventTime(ev)
	return t.move(ctx, "CertificateRevoked", ev, certificateRevoke, revokedHash, func(cert *model.Certificate) {
		cert.RevokedAt = &at
	})
}

func signedHash(cert *model.Certificate) *string   { return &cert.SignedTxHash }
func approvedHash(cert *model.Certificate) *string { return &cert.ApprovedTxHash }
func rejectedHash(cert *model.Certificate) *string { return &cert.RejectedTxHash }
func revokedHash(cert *model.Certificate) *string  { return &cert.RevokedTxHash }

// move applies tr and records ev.TxHash in the field hash selects.
func (t *CertificateTracker) move(ctx context.Context, event string, ev model.CertificateEvent, tr transition[model.CertificateStatus], hash func(*model.Certificate) *string, stamp func(*model.Certificate)) (Outcome, error) {
	return t.apply(ctx, event, ev.CertificateID, ev.TxHash, func(tx Tx) (Outcome, error) {
		cert, err := tx.LockCertificate(ctx, ev.CertificateID)
		if err != nil {
			return "", err
		}
		outcome, err := tr.decide(cert.Status, *hash(&cert), ev.TxHash)
		if outcome != OutcomeApplied {
			return outcome, err
		}

		cert.Status = tr.to
		*hash(&cert) = ev.TxHash
		if stamp != nil {
			stamp(&cert)
		}
		if err := tx.SaveCertificate(ctx, cert); err != nil {
			return "", fmt.Errorf("save certificate %s: %w", cert.ID, err)
		}
		return OutcomeApplied, nil
	})
}

// eventTime is the block time when the payload carries one.
func (t *CertificateTracker) eventTime(ev model.CertificateEvent) time.Time {
	if ev.BlockTime > 0 {
		return time.Unix(ev.BlockTime, 0).UTC()
	}
	return t.now().UTC()
}
