package records

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"

	"github.com/medrex/emr-ledger/internal/store"
	"github.com/medrex/emr-ledger/pkg/types"
)

// PublishStage is the position of a publish in its state machine
type PublishStage string

const (
	StageEncrypting PublishStage = "encrypting"
	StageStoring    PublishStage = "storing"
	StageIndexing   PublishStage = "indexing"
	StageConfirmed  PublishStage = "confirmed"
	StageAborted    PublishStage = "aborted"
)

// PublishRequest is one record to publish for a patient
type PublishRequest struct {
	Patient    types.Identity        `json:"patient"`
	RecordType string                `json:"record_type"`
	Location   string                `json:"location"`
	Record     types.DecryptedRecord `json:"record"`
}

// Validate checks the request before any state is created
func (r *PublishRequest) Validate() error {
	if r.Patient == (common.Address{}) {
		return types.NewValidationError("patient address is required", nil)
	}
	if strings.TrimSpace(r.RecordType) == "" {
		return types.NewValidationError("record type is required", nil)
	}
	if strings.TrimSpace(r.Location) == "" {
		return types.NewValidationError("location is required", nil)
	}
	return nil
}

// PublishReceipt describes where a publish ended. Stage is StageConfirmed
// only when the index entry is mined. AbortedAt is set for every abort.
type PublishReceipt struct {
	Stage       PublishStage          `json:"stage"`
	AbortedAt   PublishStage          `json:"aborted_at,omitempty"`
	Outcome     types.Outcome         `json:"outcome"`
	ContentRef  string                `json:"content_ref,omitempty"`
	TxHash      string                `json:"tx_hash,omitempty"`
	BlockNumber uint64                `json:"block_number,omitempty"`
	Orphaned    bool                  `json:"orphaned"`
	Unconfirmed bool                  `json:"unconfirmed"`
	Metadata    *types.RecordMetadata `json:"metadata,omitempty"`
}

func (r *PublishReceipt) abort(err error) error {
	r.AbortedAt = r.Stage
	r.Stage = StageAborted
	r.Outcome = OutcomeFor(err, "")
	return err
}

// Publish encrypts the record, stores the ciphertext and appends the index
// entry, in that order. Nothing is stored when encryption fails and nothing is
// indexed when the store write fails. A failed append leaves the stored
// payload orphaned; the receipt says so. Once the append is submitted the
// flow is no longer aborted: giving up on the wait reports the submission as
// unconfirmed.
func (o *Orchestrator) Publish(ctx context.Context, req PublishRequest) (*PublishReceipt, error) {
	start := time.Now()
	ctx, span := o.tracing.StartFlowSpan(ctx, "publish")

	receipt := &PublishReceipt{Stage: StageEncrypting}
	err := o.publish(ctx, req, receipt)

	span.SetAttributes(
		attribute.String("records.stage", string(receipt.Stage)),
		attribute.Bool("records.orphaned", receipt.Orphaned),
	)
	o.finish(span, "publish", start, receipt.Outcome, err)
	return receipt, err
}

func (o *Orchestrator) publish(ctx context.Context, req PublishRequest, receipt *PublishReceipt) error {
	if err := req.Validate(); err != nil {
		return receipt.abort(err)
	}

	writer, err := o.ledger.Caller()
	if err != nil {
		return receipt.abort(err)
	}
	log := o.logger.WithComponent("records").WithField("writer", writer.Hex()).WithField("patient", req.Patient.Hex())

	// Advisory only: the ledger rejects unregistered writers on its own.
	if res, err := o.resolver.Resolve(ctx, writer); err != nil {
		log.WithError(err).Warn("Could not resolve writer role before publish")
	} else if !res.Capabilities.CanPublish {
		log.WithField("role", res.Role).Warn("Publishing as an identity that is not a registered writer")
	}

	record := req.Record
	record.Quantity = NormalizeQuantity(record.Quantity)

	blob, err := o.cipher.Encrypt(record, req.Patient)
	if err != nil {
		return receipt.abort(types.NewInternalError("failed to encrypt record", err))
	}

	receipt.Stage = StageStoring
	contentRef, err := o.store.Create(ctx, &types.Document{
		EncryptedData: blob,
		SchemaVersion: types.DocumentSchemaVersion,
	})
	if err != nil {
		return receipt.abort(err)
	}
	receipt.ContentRef = contentRef

	if err := o.store.Patch(ctx, contentRef, store.FieldSelfRef, contentRef); err != nil {
		log.WithError(err).WithField("content_ref", contentRef).Warn("Failed to record self reference")
	}

	receipt.Stage = StageIndexing
	sub, err := o.ledger.AppendRecordIndex(ctx, req.Patient, contentRef, req.RecordType, req.Location)
	if err != nil {
		o.orphan(ctx, receipt, err)
		return receipt.abort(err)
	}
	receipt.TxHash = sub.TxHash.Hex()

	conf, err := o.await(ctx, sub)
	if err != nil {
		if isWaitAbandoned(err) {
			receipt.Unconfirmed = true
			receipt.Outcome = o.unconfirmed(ctx, sub)
			log.WithField("tx_hash", receipt.TxHash).Warn("Stopped waiting for record index confirmation")
			return err
		}
		o.orphan(ctx, receipt, err)
		return receipt.abort(err)
	}

	createdAt := conf.BlockTime
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	receipt.Stage = StageConfirmed
	receipt.BlockNumber = conf.BlockNumber
	receipt.Metadata = &types.RecordMetadata{
		RecordType: req.RecordType,
		Location:   req.Location,
		CreatedAt:  createdAt,
		Writer:     writer,
		Patient:    req.Patient,
		ContentRef: contentRef,
	}
	receipt.Outcome = OutcomeFor(nil, "Encrypted record stored and indexed")

	o.logger.PHIAccess(ctx, writer.Hex(), req.Patient.Hex(), "publish", true, map[string]interface{}{
		"content_ref": contentRef,
		"tx_hash":     receipt.TxHash,
		"record_type": req.RecordType,
	})
	return nil
}

// orphan marks the stored payload as unreachable after a failed append
func (o *Orchestrator) orphan(ctx context.Context, receipt *PublishReceipt, err error) {
	receipt.Orphaned = true
	o.metrics.RecordOrphanedPayload()

	entry := o.logger.WithContext(ctx).WithField("content_ref", receipt.ContentRef).WithError(err)
	var recordErr *types.RecordError
	if errors.As(err, &recordErr) {
		entry = entry.WithField("error_type", recordErr.Type)
	}
	entry.Warn("Record index append failed; stored payload is orphaned")
}

// NormalizeQuantity appends the millilitre unit to a bare number
func NormalizeQuantity(quantity string) string {
	q := strings.TrimSpace(quantity)
	if q == "" {
		return q
	}
	for _, r := range q {
		if !unicode.IsDigit(r) && r != '.' {
			return q
		}
	}
	return q + "ml"
}
