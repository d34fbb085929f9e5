package onchain

import (
	"context"

	"go.uber.org/zap"

	"certsync/internal/listener"
	"certsync/internal/model"
	"certsync/internal/queue"
)

// CertificateContract turns certificate lifecycle events into jobs.
type CertificateContract struct {
	service
}

func NewCertificateContract(conn Connection, jobs queue.Enqueuer, logger *zap.Logger) *CertificateContract {
	return &CertificateContract{service: newService(CertificateName, conn, jobs, "", logger)}
}

// Register adds the contract and its event handlers to reg.
func (c *CertificateContract) Register(reg *listener.Registry) error {
	return c.register(reg, CertificateName, []eventHandler{
		{event: "CertificateSubmitted", params: []string{"id", "organizationId", "certificateTypeId", "submittedBy", "holderIdCard"}, fn: c.onSubmitted},
		{event: "CertificateApproved", params: []string{"id", "approvedBy"}, fn: c.onApproved},
		{event: "CertificateRejected", params: []string{"id", "rejectedBy", "reason"}, fn: c.onRejected},
		{event: "CertificateRevoked", params: []string{"id", "revokedBy", "reason"}, fn: c.onRevoked},
	})
}

func (c *CertificateContract) onSubmitted(ctx context.Context, ev listener.Event) error {
	payload, err := c.payload(ev, "submittedBy")
	if err != nil {
		return err
	}
	payload.OrganizationID = optionalString(ev, "organizationId")
	payload.CertificateTypeID = optionalString(ev, "certificateTypeId")
	payload.HolderIDCard = optionalString(ev, "holderIdCard")
	return c.enqueue(ctx, model.KindCertificateSigned, ev, payload)
}

func (c *CertificateContract) onApproved(ctx context.Context, ev listener.Event) error {
	payload, err := c.payload(ev, "approvedBy")
	if err != nil {
		return err
	}
	payload.BlockTime = c.blockTime(ctx, ev)
	return c.enqueue(ctx, model.KindCertificateApproved, ev, payload)
}

func (c *CertificateContract) onRejected(ctx context.Context, ev listener.Event) error {
	payload, err := c.payload(ev, "rejectedBy")
	if err != nil {
		return err
	}
	payload.Reason = optionalString(ev, "reason")
	return c.enqueue(ctx, model.KindCertificateRejected, ev, payload)
}

func (c *CertificateContract) onRevoked(ctx context.Context, ev listener.Event) error {
	payload, err := c.payload(ev, "revokedBy")
	if err != nil {
		return err
	}
	payload.Reason = optionalString(ev, "reason")
	payload.BlockTime = c.blockTime(ctx, ev)
	return c.enqueue(ctx, model.KindCertificateRevoked, ev, payload)
}

func (c *CertificateContract) payload(ev listener.Event, actorParam string) (model.CertificateEvent, error) {
	id, err := stringArg(ev, "id")
	if err != nil {
		return model.CertificateEvent{}, err
	}
	c.logger.Debug("certificate event", zap.String("event", ev.Name), zap.String("certificate_id", id))
	return model.CertificateEvent{
		CertificateID: id,
		Actor:         addressArg(ev, actorParam),
		TxHash:        ev.TxHash(),
		BlockNumber:   ev.Log.BlockNumber,
	}, nil
}
