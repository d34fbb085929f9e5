package model

import "time"

// OrganizationStatus is the lifecycle state of an organization.
type OrganizationStatus string

const (
	OrganizationPending     OrganizationStatus = "pending"
	OrganizationActive      OrganizationStatus = "active"
	OrganizationDeactivated OrganizationStatus = "deactivated"
)

// CertificateTypeStatus is the lifecycle state of a certificate type.
type CertificateTypeStatus string

const (
	CertificateTypePending     CertificateTypeStatus = "pending"
	CertificateTypeActive      CertificateTypeStatus = "active"
	CertificateTypeDeactivated CertificateTypeStatus = "deactivated"
)

// CertificateStatus is the lifecycle state of a certificate.
type CertificateStatus string

const (
	CertificateCreated       CertificateStatus = "created"
	CertificateSigned        CertificateStatus = "signed"
	CertificatePendingVerify CertificateStatus = "pending_verify"
	CertificateVerified      CertificateStatus = "verified"
	CertificateRejected      CertificateStatus = "rejected"
	CertificateRevoked       CertificateStatus = "revoked"
)

// Organization holds the chain-owned columns of an organization row.
type Organization struct {
	ID                string             `json:"id"`
	Status            OrganizationStatus `json:"status"`
	InitTxHash        string             `json:"init_tx_hash,omitempty"`
	DeactivatedTxHash string             `json:"deactivated_tx_hash,omitempty"`
}

// OrganizationMember is a wallet attached to an organization.
type OrganizationMember struct {
	OrganizationID string `json:"organization_id"`
	WalletAddress  string `json:"wallet_address"`
	IsOwner        bool   `json:"is_owner"`
	IsActive       bool   `json:"is_active"`
	AddedTxHash    string `json:"added_tx_hash,omitempty"`
}

// CertificateType holds the chain-owned columns of a certificate type row.
type CertificateType struct {
	ID                string                `json:"id"`
	Status            CertificateTypeStatus `json:"status"`
	InitTxHash        string                `json:"init_tx_hash,omitempty"`
	LastChangedTxHash string                `json:"last_changed_tx_hash,omitempty"`
}

// Certificate holds the chain-owned columns of a certificate row.
type Certificate struct {
	ID             string            `json:"id"`
	Status         CertificateStatus `json:"status"`
	SignedTxHash   string            `json:"signed_tx_hash,omitempty"`
	ApprovedTxHash string            `json:"approved_tx_hash,omitempty"`
	ApprovedAt     *time.Time        `json:"approved_at,omitempty"`
	RejectedTxHash string            `json:"rejected_tx_hash,omitempty"`
	RevokedTxHash  string            `json:"revoked_tx_hash,omitempty"`
	RevokedAt      *time.Time        `json:"revoked_at,omitempty"`
}
