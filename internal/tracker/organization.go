package tracker

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"certsync/internal/metrics"
	"certsync/internal/model"
)

var (
	organizationActivate = transition[model.OrganizationStatus]{
		from: []model.OrganizationStatus{model.OrganizationPending},
		to:   model.OrganizationActive,
	}
	organizationDeactivate = transition[model.OrganizationStatus]{
		from: []model.OrganizationStatus{model.OrganizationActive},
		to:   model.OrganizationDeactivated,
	}
)

// OrganizationTracker applies organization contract events.
type OrganizationTracker struct {
	base
}

func NewOrganizationTracker(store Store, logger *zap.Logger, m *metrics.Metrics) *OrganizationTracker {
	return &OrganizationTracker{base: newBase(store, "organization", logger, m)}
}

// Created activates a pending organization and its owner member row in one
// transaction.
func (t *OrganizationTracker) Created(ctx context.Context, ev model.OrganizationEvent) (Outcome, error) {
	return t.apply(ctx, "OrganizationCreated", ev.OrganizationID, ev.TxHash, func(tx Tx) (Outcome, error) {
		org, err := tx.LockOrganization(ctx, ev.OrganizationID)
		if err != nil {
			return "", err
		}
		outcome, err := organizationActivate.decide(org.Status, org.InitTxHash, ev.TxHash)
		if outcome != OutcomeApplied {
			return outcome, err
		}

		org.Status = model.OrganizationActive
		org.InitTxHash = ev.TxHash
		if err := tx.SaveOrganization(ctx, org); err != nil {
			return "", fmt.Errorf("save organization %s: %w", org.ID, err)
		}
		if err := tx.ActivateMember(ctx, org.ID, strings.ToLower(ev.OwnerAddress), ev.TxHash); err != nil {
			return "", fmt.Errorf("activate owner of %s: %w", org.ID, err)
		}
		return OutcomeApplied, nil
	})
}

func (t *OrganizationTracker) Deactivated(ctx context.Context, ev model.OrganizationEvent) (Outcome, error) {
	return t.apply(ctx, "OrganizationDeactivated", ev.OrganizationID, ev.TxHash, func(tx Tx) (Outcome, error) {
		org, err := tx.LockOrganization(ctx, ev.OrganizationID)
		if err != nil {
			return "", err
		}
		outcome, err := organizationDeactivate.decide(org.Status, org.DeactivatedTxHash, ev.TxHash)
		if outcome != OutcomeApplied {
			return outcome, err
		}

		org.Status = model.OrganizationDeactivated
		org.DeactivatedTxHash = ev.TxHash
		if err := tx.SaveOrganization(ctx, org); err != nil {
			return "", fmt.Errorf("save organization %s: %w", org.ID, err)
		}
		return OutcomeApplied, nil
	})
}
