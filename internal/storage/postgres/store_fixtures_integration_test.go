//go:build integration

package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"certsync/internal/model"
)

// Rows the off-chain platform writes before a contract call, and unlocked
// reads for assertions. The service itself only locks and updates.

// GetOrganization reads an organization without locking.
func (s *Store) GetOrganization(ctx context.Context, id string) (model.Organization, error) {
	var org model.Organization
	err := s.pool.QueryRow(ctx, `
		SELECT id, status, COALESCE(init_tx_hash, ''), COALESCE(deactivated_tx_hash, '')
		FROM organizations WHERE id = $1
	`, id).Scan(&org.ID, &org.Status, &org.InitTxHash, &org.DeactivatedTxHash)
	if err != nil {
		return model.Organization{}, notFound("organization", id, err)
	}
	return org, nil
}

// GetMember reads one organization member row.
func (s *Store) GetMember(ctx context.Context, organizationID, wallet string) (model.OrganizationMember, error) {
	m := model.OrganizationMember{OrganizationID: organizationID, WalletAddress: wallet}
	err := s.pool.QueryRow(ctx, `
		SELECT is_owner, is_active, COALESCE(added_tx_hash, '')
		FROM organization_members WHERE organization_id = $1 AND wallet_address = $2
	`, organizationID, wallet).Scan(&m.IsOwner, &m.IsActive, &m.AddedTxHash)
	if err != nil {
		return model.OrganizationMember{}, notFound("member", wallet, err)
	}
	return m, nil
}

// GetCertificateType reads a certificate type without locking.
func (s *Store) GetCertificateType(ctx context.Context, id string) (model.CertificateType, error) {
	var ct model.CertificateType
	err := s.pool.QueryRow(ctx, `
		SELECT id, status, COALESCE(init_tx_hash, ''), COALESCE(last_changed_tx_hash, '')
		FROM certificate_types WHERE id = $1
	`, id).Scan(&ct.ID, &ct.Status, &ct.InitTxHash, &ct.LastChangedTxHash)
	if err != nil {
		return model.CertificateType{}, notFound("certificate type", id, err)
	}
	return ct, nil
}

// InsertPendingOrganization creates a provisional organization with its owner
// member row, as the off-chain registration flow does before the signed call.
func (s *Store) InsertPendingOrganization(ctx context.Context, id, name, countryCode, ownerWallet string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO organizations (id, name, country_code, status) VALUES ($1, $2, $3, 'pending')
		`, id, name, countryCode); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO organization_members (organization_id, wallet_address, is_owner) VALUES ($1, lower($2), true)
		`, id, ownerWallet)
		return err
	})
}

// InsertPendingCertificateType creates a provisional certificate type.
func (s *Store) InsertPendingCertificateType(ctx context.Context, id, code, name, description string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO certificate_types (id, code, name, description, status) VALUES ($1, $2, $3, NULLIF($4, ''), 'pending')
	`, id, code, name, description)
	return err
}

// InsertCertificate creates a certificate in the created status.
func (s *Store) InsertCertificate(ctx context.Context, id, code, organizationID, certificateTypeID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO certificates (id, code, organization_id, certificate_type_id, status) VALUES ($1, $2, $3, $4, 'created')
	`, id, code, organizationID, certificateTypeID)
	return err
}
