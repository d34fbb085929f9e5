package model

// JobKind names a job and doubles as its idempotency key prefix.
type JobKind string

const (
	KindOrganizationAdded          JobKind = "ORG_ADDED"
	KindOrganizationDeactivated    JobKind = "ORG_DEACTIVATED"
	KindCertificateTypeAdded       JobKind = "CT_ADDED"
	KindCertificateTypeUpdated     JobKind = "CT_UPDATED"
	KindCertificateTypeDeactivated JobKind = "CT_DEACTIVATED"
	KindCertificateSigned          JobKind = "CERT_SIGNED"
	KindCertificateApproved        JobKind = "CERT_APPROVED"
	KindCertificateRejected        JobKind = "CERT_REJECTED"
	KindCertificateRevoked         JobKind = "CERT_REVOKED"
)

// JobKinds lists every kind the trackers handle.
var JobKinds = []JobKind{
	KindOrganizationAdded,
	KindOrganizationDeactivated,
	KindCertificateTypeAdded,
	KindCertificateTypeUpdated,
	KindCertificateTypeDeactivated,
	KindCertificateSigned,
	KindCertificateApproved,
	KindCertificateRejected,
	KindCertificateRevoked,
}

// OrganizationEvent is the job payload for organization contract events.
type OrganizationEvent struct {
	OrganizationID string `json:"organization_id"`
	OwnerAddress   string `json:"owner_address,omitempty"`
	Name           string `json:"name,omitempty"`
	CountryCode    string `json:"country_code,omitempty"`
	TxHash         string `json:"tx_hash"`
	BlockNumber    uint64 `json:"block_number"`
}

// CertificateTypeEvent is the job payload for certificate type contract events.
type CertificateTypeEvent struct {
	CertificateTypeID string `json:"certificate_type_id"`
	Name              string `json:"name,omitempty"`
	Code              string `json:"code,omitempty"`
	Description       string `json:"description,omitempty"`
	TxHash            string `json:"tx_hash"`
	BlockNumber       uint64 `json:"block_number"`
}

// CertificateEvent is the job payload for certificate contract events.
type CertificateEvent struct {
	CertificateID     string `json:"certificate_id"`
	OrganizationID    string `json:"organization_id,omitempty"`
	CertificateTypeID string `json:"certificate_type_id,omitempty"`
	Actor             string `json:"actor,omitempty"`
	HolderIDCard      string `json:"holder_id_card,omitempty"`
	Reason            string `json:"reason,omitempty"`
	TxHash            string `json:"tx_hash"`
	BlockNumber       uint64 `json:"block_number"`
	// BlockTime is the unix timestamp of the emitting block, zero when unknown.
	BlockTime int64 `json:"block_time,omitempty"`
}
