package records

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/medrex/emr-ledger/pkg/encryption"
	"github.com/medrex/emr-ledger/pkg/types"
)

// unavailableDisplay replaces details whose payload could not be read
const unavailableDisplay = "[record unavailable]"

// RetrieveResult is a patient's index with each entry resolved independently
type RetrieveResult struct {
	Patient types.Identity          `json:"patient"`
	Entries []types.RetrievedRecord `json:"entries"`
	Outcome types.Outcome           `json:"outcome"`
}

// Retrieve lists the patient's index as the wallet identity and resolves
// every entry. The index call is the only gate: if the ledger refuses it the
// result has no entries at all. Once listed, a failure on one entry never
// affects the others, and entries keep their index order.
func (o *Orchestrator) Retrieve(ctx context.Context, patient types.Identity) (*RetrieveResult, error) {
	start := time.Now()
	ctx, span := o.tracing.StartFlowSpan(ctx, "retrieve")

	result := &RetrieveResult{Patient: patient, Entries: []types.RetrievedRecord{}}
	err := o.retrieve(ctx, patient, result)
	result.Outcome = OutcomeFor(err, "Records retrieved")

	span.SetAttributes(attribute.Int("records.entries", len(result.Entries)))
	o.finish(span, "retrieve", start, result.Outcome, err)
	return result, err
}

func (o *Orchestrator) retrieve(ctx context.Context, patient types.Identity, result *RetrieveResult) error {
	caller, err := o.ledger.Caller()
	if err != nil {
		return err
	}

	relation := "delegate"
	if caller == patient {
		relation = "self"
	}

	index, err := o.ledger.ListRecordIndex(ctx, patient)
	if err != nil {
		o.metrics.RecordPHIAccess(relation, "retrieve", "denied")
		o.logger.PHIAccess(ctx, caller.Hex(), patient.Hex(), "retrieve", false, map[string]interface{}{
			"error_type": types.KindOf(err),
		})
		return err
	}

	entries := make([]types.RetrievedRecord, len(index))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Concurrency)
	for i, meta := range index {
		i, meta := i, meta
		g.Go(func() error {
			entries[i] = o.resolveEntry(gctx, patient, meta)
			return nil
		})
	}
	g.Wait()
	result.Entries = entries

	o.metrics.RecordPHIAccess(relation, "retrieve", "granted")
	o.logger.PHIAccess(ctx, caller.Hex(), patient.Hex(), "retrieve", true, map[string]interface{}{
		"entries": len(entries),
	})

	return ctx.Err()
}

// resolveEntry reads and decodes one index entry. Versioned documents are only
// ever opened by the cipher. Documents without a version predate encryption
// or came from the legacy web client, so they may be legacy ciphertext or
// plain JSON.
func (o *Orchestrator) resolveEntry(ctx context.Context, patient types.Identity, meta types.RecordMetadata) types.RetrievedRecord {
	entry := types.RetrievedRecord{Metadata: meta}

	doc, err := o.store.Read(ctx, meta.ContentRef)
	if err != nil {
		entry.Format = types.FormatUnavailable
		entry.Display = unavailableDisplay
		entry.Error = err.Error()
		o.metrics.RecordRetrievedEntry(string(entry.Format))
		return entry
	}

	record, format, err := o.cipher.Decrypt(doc.EncryptedData, patient)
	if err != nil && doc.SchemaVersion == 0 {
		if legacy, perr := encryption.ParseLegacyPlaintext(doc.EncryptedData); perr == nil {
			record, format, err = legacy, types.FormatLegacyPlaintext, nil
		}
	}

	if err != nil {
		entry.Format = types.FormatUndecipherable
		entry.Display = types.UndecipherableMarker
		entry.Error = err.Error()
		o.logger.WithComponent("records").WithField("content_ref", meta.ContentRef).WithError(err).Warn("Record payload could not be decoded")
	} else {
		entry.Format = format
		entry.Details = record
		entry.Display = record.Summary()
	}

	o.metrics.RecordRetrievedEntry(string(entry.Format))
	return entry
}
