package onchain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"certsync/internal/listener"
	"certsync/internal/model"
	"certsync/internal/queue"
)

// OrganizationContract turns organization events into jobs and creates
// organizations on chain.
type OrganizationContract struct {
	service
}

func NewOrganizationContract(conn Connection, jobs queue.Enqueuer, signerKey string, logger *zap.Logger) *OrganizationContract {
	return &OrganizationContract{service: newService(OrganizationName, conn, jobs, signerKey, logger)}
}

// Register adds the contract and its event handlers to reg.
func (c *OrganizationContract) Register(reg *listener.Registry) error {
	return c.register(reg, OrganizationName, []eventHandler{
		{event: "OrganizationCreated", params: []string{"id", "owner", "name", "countryCode"}, fn: c.onCreated},
		{event: "OrganizationDeactivated", params: []string{"id"}, fn: c.onDeactivated},
	})
}

func (c *OrganizationContract) onCreated(ctx context.Context, ev listener.Event) error {
	id, err := stringArg(ev, "id")
	if err != nil {
		return err
	}
	payload := model.OrganizationEvent{
		OrganizationID: id,
		OwnerAddress:   addressArg(ev, "owner"),
		Name:           optionalString(ev, "name"),
		CountryCode:    optionalString(ev, "countryCode"),
		TxHash:         ev.TxHash(),
		BlockNumber:    ev.Log.BlockNumber,
	}
	c.logger.Info("organization created", zap.String("organization_id", id), zap.String("name", payload.Name))
	return c.enqueue(ctx, model.KindOrganizationAdded, ev, payload)
}

func (c *OrganizationContract) onDeactivated(ctx context.Context, ev listener.Event) error {
	id, err := stringArg(ev, "id")
	if err != nil {
		return err
	}
	return c.enqueue(ctx, model.KindOrganizationDeactivated, ev, model.OrganizationEvent{
		OrganizationID: id,
		TxHash:         ev.TxHash(),
		BlockNumber:    ev.Log.BlockNumber,
	})
}

// CreateOrganization submits createOrganization signed with the owner wallet
// and returns the transaction hash once the node accepts it.
func (c *OrganizationContract) CreateOrganization(ctx context.Context, id string, owner common.Address, name, countryCode string) (string, error) {
	return c.transact(ctx, "createOrganization", id, owner, Slug(name), countryCode)
}
