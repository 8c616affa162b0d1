package types

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Identity is the self-certifying wallet address used as actor and subject key
type Identity = common.Address

// Role is the advisory, client-side classification of an identity
type Role string

const (
	RoleAdministrator    Role = "administrator"
	RoleAuthorizedWriter Role = "authorized_writer"
	RoleDefaultReader    Role = "default_reader"
)

// Capabilities are the flows a role is expected to use. They gate surfaces,
// never the ledger.
type Capabilities struct {
	CanRegisterWriters bool `json:"can_register_writers"`
	CanPublish         bool `json:"can_publish"`
	CanManageOwnAccess bool `json:"can_manage_own_access"`
	CanQuery           bool `json:"can_query"`
}

// RecordMetadata is one entry of a patient's on-chain record index
type RecordMetadata struct {
	RecordType string    `json:"record_type"`
	Location   string    `json:"location"`
	CreatedAt  time.Time `json:"created_at"`
	Writer     Identity  `json:"writer"`
	Patient    Identity  `json:"patient"`
	ContentRef string    `json:"content_ref"`
}

// DecryptedRecord is the semantic payload. It only ever exists in the reader's memory.
type DecryptedRecord struct {
	BloodType     string `json:"bloodType"`
	Quantity      string `json:"quantity"`
	BloodPressure string `json:"bloodPressure"`
	Notes         string `json:"notes"`
}

// Summary renders the record the way the record list displays it
func (r DecryptedRecord) Summary() string {
	return fmt.Sprintf("Blood Type: %s | Vol: %s | BP: %s | Notes: %s", r.BloodType, r.Quantity, r.BloodPressure, r.Notes)
}

// PayloadFormat labels how a retrieved payload was interpreted
type PayloadFormat string

const (
	FormatEncrypted       PayloadFormat = "encrypted"
	FormatLegacyEncrypted PayloadFormat = "legacy_encrypted"
	FormatLegacyPlaintext PayloadFormat = "legacy_plaintext"
	FormatUndecipherable  PayloadFormat = "undecipherable"
	FormatUnavailable     PayloadFormat = "unavailable"
)

// UndecipherableMarker replaces details that could not be decoded by any path
const UndecipherableMarker = "[undecipherable record]"

// RetrievedRecord pairs on-chain metadata with the decoded off-chain payload
type RetrievedRecord struct {
	Metadata RecordMetadata   `json:"metadata"`
	Format   PayloadFormat    `json:"format"`
	Details  *DecryptedRecord `json:"details,omitempty"`
	Display  string           `json:"display"`
	Error    string           `json:"error,omitempty"`
}

// Document is the off-chain store representation of an EncryptedPayload
type Document struct {
	ID            string    `json:"id"`
	EncryptedData string    `json:"encryptedData"`
	SchemaVersion int       `json:"schemaVersion,omitempty"`
	SelfRef       string    `json:"selfRef,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Current document schema. Documents without a version predate client-side encryption
// or were written by the legacy web client.
const DocumentSchemaVersion = 1

// AccessEvent is one entry of the non-authoritative access journal
type AccessEvent struct {
	Patient   Identity  `json:"patientAddr"`
	Reader    Identity  `json:"doctorAddr"`
	Granted   bool      `json:"hasAccess"`
	Action    string    `json:"action"`
	TxHash    string    `json:"txHash,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// OutcomeStatus is the terminal status every flow ends in
type OutcomeStatus string

const (
	StatusSuccess      OutcomeStatus = "success"
	StatusAccessDenied OutcomeStatus = "access_denied"
	StatusCancelled    OutcomeStatus = "cancelled"
	StatusFailed       OutcomeStatus = "failed"
)

// Outcome is the user-visible end state of a flow
type Outcome struct {
	Status  OutcomeStatus `json:"status"`
	Message string        `json:"message"`
}
