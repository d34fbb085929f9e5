package onchain

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const organizationABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": false, "internalType": "string", "name": "id", "type": "string"},
      {"indexed": false, "internalType": "address", "name": "owner", "type": "address"},
      {"indexed": false, "internalType": "string", "name": "name", "type": "string"},
      {"indexed": false, "internalType": "string", "name": "countryCode", "type": "string"}
    ],
    "name": "OrganizationCreated",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": false, "internalType": "string", "name": "id", "type": "string"},
      {"indexed": false, "internalType": "string", "name": "name", "type": "string"},
      {"indexed": false, "internalType": "string", "name": "countryCode", "type": "string"}
    ],
    "name": "OrganizationUpdated",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": false, "internalType": "string", "name": "id", "type": "string"}
    ],
    "name": "OrganizationDeactivated",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": false, "internalType": "string", "name": "orgId", "type": "string"},
      {"indexed": false, "internalType": "address", "name": "manager", "type": "address"}
    ],
    "name": "ManagerAdded",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": false, "internalType": "string", "name": "orgId", "type": "string"},
      {"indexed": false, "internalType": "address", "name": "manager", "type": "address"}
    ],
    "name": "ManagerRemoved",
    "type": "event"
  },
  {
    "inputs": [
      {"internalType": "string", "name": "_id", "type": "string"},
      {"internalType": "address", "name": "_owner", "type": "address"},
      {"internalType": "string", "name": "_name", "type": "string"},
      {"internalType": "string", "name": "_countryCode", "type": "string"}
    ],
    "name": "createOrganization",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  }
]`

const certificateTypeABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": false, "internalType": "string", "name": "id", "type": "string"},
      {"indexed": false, "internalType": "string", "name": "name", "type": "string"},
      {"indexed": false, "internalType": "string", "name": "code", "type": "string"}
    ],
    "name": "CertificateTypeCreated",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": false, "internalType": "string", "name": "id", "type": "string"},
      {"indexed": false, "internalType": "string", "name": "name", "type": "string"},
      {"indexed": false, "internalType": "string", "name": "code", "type": "string"},
      {"indexed": false, "internalType": "string", "name": "description", "type": "string"}
    ],
    "name": "CertificateTypeUpdated",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": false, "internalType": "string", "name": "id", "type": "string"}
    ],
    "name": "CertificateTypeDeactivated",
    "type": "event"
  },
  {
    "inputs": [
      {"internalType": "string", "name": "_id", "type": "string"},
      {"internalType": "string", "name": "_name", "type": "string"},
      {"internalType": "string", "name": "_code", "type": "string"},
      {"internalType": "string", "name": "_description", "type": "string"}
    ],
    "name": "createCertificateType",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "string", "name": "_typeId", "type": "string"},
      {"internalType": "string", "name": "_name", "type": "string"},
      {"internalType": "string", "name": "_code", "type": "string"},
      {"internalType": "string", "name": "_description", "type": "string"}
    ],
    "name": "updateCertificateType",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "string", "name": "_typeId", "type": "string"}
    ],
    "name": "deactivateCertificateType",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "string", "name": "_typeId", "type": "string"}
    ],
    "name": "reactivateCertificateType",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  }
]`

const certificateABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": false, "internalType": "string", "name": "id", "type": "string"},
      {"indexed": false, "internalType": "string", "name": "organizationId", "type": "string"},
      {"indexed": false, "internalType": "string", "name": "certificateTypeId", "type": "string"},
      {"indexed": false, "internalType": "address", "name": "submittedBy", "type": "address"},
      {"indexed": false, "internalType": "string", "name": "holderIdCard", "type": "string"}
    ],
    "name": "CertificateSubmitted",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": false, "internalType": "string", "name": "id", "type": "string"},
      {"indexed": false, "internalType": "address", "name": "approvedBy", "type": "address"}
    ],
    "name": "CertificateApproved",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": false, "internalType": "string", "name": "id", "type": "string"},
      {"indexed": false, "internalType": "address", "name": "rejectedBy", "type": "address"},
      {"indexed": false, "internalType": "string", "name": "reason", "type": "string"}
    ],
    "name": "CertificateRejected",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": false, "internalType": "string", "name": "id", "type": "string"},
      {"indexed": false, "internalType": "address", "name": "revokedBy", "type": "address"},
      {"indexed": false, "internalType": "string", "name": "reason", "type": "string"}
    ],
    "name": "CertificateRevoked",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": false, "internalType": "string", "name": "id", "type": "string"},
      {"indexed": false, "internalType": "address", "name": "removedBy", "type": "address"}
    ],
    "name": "CertificateRemoved",
    "type": "event"
  }
]`

var (
	organizationABI     abi.ABI
	organizationABIOnce sync.Once
	organizationABIErr  error

	certificateTypeABI     abi.ABI
	certificateTypeABIOnce sync.Once
	certificateTypeABIErr  error

	certificateABI     abi.ABI
	certificateABIOnce sync.Once
	certificateABIErr  error
)

// OrganizationABI returns the parsed organization contract ABI.
func OrganizationABI() (abi.ABI, error) {
	organizationABIOnce.Do(func() {
		organizationABI, organizationABIErr = abi.JSON(strings.NewReader(organizationABIJSON))
	})
	return organizationABI, organizationABIErr
}

// CertificateTypeABI returns the parsed certificate type contract ABI.
func CertificateTypeABI() (abi.ABI, error) {
	certificateTypeABIOnce.Do(func() {
		certificateTypeABI, certificateTypeABIErr = abi.JSON(strings.NewReader(certificateTypeABIJSON))
	})
	return certificateTypeABI, certificateTypeABIErr
}

// CertificateABI returns the parsed certificate contract ABI.
func CertificateABI() (abi.ABI, error) {
	certificateABIOnce.Do(func() {
		certificateABI, certificateABIErr = abi.JSON(strings.NewReader(certificateABIJSON))
	})
	return certificateABI, certificateABIErr
}

// ABIFor returns the ABI of the contract registered as name.
func ABIFor(name string) (abi.ABI, error) {
	switch name {
	case OrganizationName:
		return OrganizationABI()
	case CertificateTypeName:
		return CertificateTypeABI()
	case CertificateName:
		return CertificateABI()
	default:
		return abi.ABI{}, fmt.Errorf("unknown contract %q", name)
	}
}
