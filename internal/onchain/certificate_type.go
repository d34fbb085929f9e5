package onchain

import (
	"context"

	"go.uber.org/zap"

	"certsync/internal/listener"
	"certsync/internal/model"
	"certsync/internal/queue"
)

// CertificateTypeContract turns certificate type events into jobs and
// manages certificate types on chain.
type CertificateTypeContract struct {
	service
}

func NewCertificateTypeContract(conn Connection, jobs queue.Enqueuer, signerKey string, logger *zap.Logger) *CertificateTypeContract {
	return &CertificateTypeContract{service: newService(CertificateTypeName, conn, jobs, signerKey, logger)}
}

// Register adds the contract and its event handlers to reg.
func (c *CertificateTypeContract) Register(reg *listener.Registry) error {
	return c.register(reg, CertificateTypeName, []eventHandler{
		{event: "CertificateTypeCreated", params: []string{"id", "name", "code"}, fn: c.onCreated},
		{event: "CertificateTypeUpdated", params: []string{"id", "name", "code", "description"}, fn: c.onUpdated},
		{event: "CertificateTypeDeactivated", params: []string{"id"}, fn: c.onDeactivated},
	})
}

func (c *CertificateTypeContract) onCreated(ctx context.Context, ev listener.Event) error {
	return c.forward(ctx, model.KindCertificateTypeAdded, ev)
}

func (c *CertificateTypeContract) onUpdated(ctx context.Context, ev listener.Event) error {
	return c.forward(ctx, model.KindCertificateTypeUpdated, ev)
}

func (c *CertificateTypeContract) onDeactivated(ctx context.Context, ev listener.Event) error {
	return c.forward(ctx, model.KindCertificateTypeDeactivated, ev)
}

func (c *CertificateTypeContract) forward(ctx context.Context, kind model.JobKind, ev listener.Event) error {
	id, err := stringArg(ev, "id")
	if err != nil {
		return err
	}
	payload := model.CertificateTypeEvent{
		CertificateTypeID: id,
		Name:              optionalString(ev, "name"),
		Code:              optionalString(ev, "code"),
		Description:       optionalString(ev, "description"),
		TxHash:            ev.TxHash(),
		BlockNumber:       ev.Log.BlockNumber,
	}
	c.logger.Debug("certificate type event", zap.String("event", ev.Name), zap.String("certificate_type_id", id))
	return c.enqueue(ctx, kind, ev, payload)
}

// CreateCertificateType submits createCertificateType. An empty description
// is sent as "-".
func (c *CertificateTypeContract) CreateCertificateType(ctx context.Context, id, name, code, description string) (string, error) {
	return c.transact(ctx, "createCertificateType", id, Slug(name), code, emptyField(description))
}

// UpdateCertificateType submits updateCertificateType.
func (c *CertificateTypeContract) UpdateCertificateType(ctx context.Context, id, name, code, description string) (string, error) {
	return c.transact(ctx, "updateCertificateType", id, Slug(name), code, emptyField(description))
}

// DeactivateCertificateType submits deactivateCertificateType.
func (c *CertificateTypeContract) DeactivateCertificateType(ctx context.Context, id string) (string, error) {
	return c.transact(ctx, "deactivateCertificateType", id)
}
