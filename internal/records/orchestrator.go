// Package records composes the cipher, the document store and the ledger into
// the end-to-end record flows. The ledger is the only authority on access; the
// role resolver is consulted for logging and surfaces only.
package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/medrex/emr-ledger/internal/ledger"
	"github.com/medrex/emr-ledger/internal/roles"
	"github.com/medrex/emr-ledger/pkg/logger"
	"github.com/medrex/emr-ledger/pkg/monitoring"
	"github.com/medrex/emr-ledger/pkg/types"
)

// Ledger is the ledger client surface the flows use
type Ledger interface {
	roles.Ledger
	Caller() (types.Identity, error)
	CheckAccess(ctx context.Context, patient, reader types.Identity) (bool, error)
	ListRecordIndex(ctx context.Context, patient types.Identity) ([]types.RecordMetadata, error)
	AppendRecordIndex(ctx context.Context, patient types.Identity, contentRef, recordType, location string) (*ledger.Submission, error)
	RegisterWriter(ctx context.Context, writer types.Identity) (*ledger.Submission, error)
	GrantAccess(ctx context.Context, reader types.Identity) (*ledger.Submission, error)
	RevokeAccess(ctx context.Context, reader types.Identity) (*ledger.Submission, error)
	AwaitConfirmation(ctx context.Context, sub *ledger.Submission) (*ledger.Confirmation, error)
	AccessHistory(ctx context.Context, patient types.Identity) ([]types.AccessEvent, error)
}

// Store is the document store surface the flows use
type Store interface {
	Create(ctx context.Context, doc *types.Document) (string, error)
	Read(ctx context.Context, id string) (*types.Document, error)
	Patch(ctx context.Context, id, field, value string) error
	AppendAccessEvent(ctx context.Context, event types.AccessEvent) error
	AccessJournal(ctx context.Context, patient types.Identity) ([]types.AccessEvent, error)
}

// Cipher seals and opens record payloads for one patient
type Cipher interface {
	Encrypt(record types.DecryptedRecord, patient types.Identity) (string, error)
	Decrypt(blob string, patient types.Identity) (*types.DecryptedRecord, types.PayloadFormat, error)
}

// Options tunes the flows
type Options struct {
	// Concurrency bounds the per-entry fetches of one Retrieve
	Concurrency int
	// ConfirmTimeout bounds each wait for a transaction to be mined. Zero waits
	// until the caller's context ends.
	ConfirmTimeout time.Duration
}

// Orchestrator runs record flows for the wallet identity of its ledger client.
// It holds no per-flow state and is safe for concurrent use.
type Orchestrator struct {
	ledger   Ledger
	store    Store
	cipher   Cipher
	resolver *roles.Resolver
	opts     Options
	logger   *logger.Logger
	metrics  *monitoring.MetricsCollector
	tracing  *monitoring.TracingManager
}

// New creates an orchestrator. tracing may be nil.
func New(l Ledger, s Store, c Cipher, log *logger.Logger, metrics *monitoring.MetricsCollector, tracing *monitoring.TracingManager, opts Options) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Orchestrator{
		ledger:   l,
		store:    s,
		cipher:   c,
		resolver: roles.NewResolver(l, log),
		opts:     opts,
		logger:   log,
		metrics:  metrics,
		tracing:  tracing,
	}
}

// Whoami resolves the wallet identity's role and capabilities
func (o *Orchestrator) Whoami(ctx context.Context) (*roles.Resolution, error) {
	caller, err := o.ledger.Caller()
	if err != nil {
		return nil, err
	}
	return o.resolver.Resolve(ctx, caller)
}

// Resolve resolves any identity's role and capabilities
func (o *Orchestrator) Resolve(ctx context.Context, id types.Identity) (*roles.Resolution, error) {
	return o.resolver.Resolve(ctx, id)
}

// CheckAccess reads the current grant bit for (patient, reader)
func (o *Orchestrator) CheckAccess(ctx context.Context, patient, reader types.Identity) (bool, error) {
	return o.ledger.CheckAccess(ctx, patient, reader)
}

// await waits for sub under the configured confirmation timeout
func (o *Orchestrator) await(ctx context.Context, sub *ledger.Submission) (*ledger.Confirmation, error) {
	if o.opts.ConfirmTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.ConfirmTimeout)
		defer cancel()
	}
	return o.ledger.AwaitConfirmation(ctx, sub)
}

// unconfirmed builds the outcome of a submission whose wait ended before a receipt
func (o *Orchestrator) unconfirmed(ctx context.Context, sub *ledger.Submission) types.Outcome {
	if ctx.Err() != nil {
		return types.Outcome{
			Status:  types.StatusCancelled,
			Message: fmt.Sprintf("Stopped waiting for confirmation; transaction %s was submitted and may still be mined", sub.TxHash.Hex()),
		}
	}
	return types.Outcome{
		Status:  types.StatusFailed,
		Message: fmt.Sprintf("Transaction %s was not confirmed within %s; it may still be mined", sub.TxHash.Hex(), o.opts.ConfirmTimeout),
	}
}

// isWaitAbandoned reports whether err ended a confirmation wait rather than
// describing the transaction's fate
func isWaitAbandoned(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// OutcomeFor maps a flow error to its terminal status. success is the message
// used when err is nil.
func OutcomeFor(err error, success string) types.Outcome {
	switch {
	case err == nil:
		return types.Outcome{Status: types.StatusSuccess, Message: success}
	case errors.Is(err, types.ErrAccessDenied):
		return types.Outcome{Status: types.StatusAccessDenied, Message: "Access denied: the ledger refused this request"}
	case errors.Is(err, types.ErrUserCancelled):
		return types.Outcome{Status: types.StatusCancelled, Message: "Signature request declined"}
	case errors.Is(err, context.Canceled):
		return types.Outcome{Status: types.StatusCancelled, Message: "Request cancelled"}
	case errors.Is(err, types.ErrWalletUnavailable):
		return types.Outcome{Status: types.StatusFailed, Message: "No wallet available: configure a keystore or private key"}
	default:
		return types.Outcome{Status: types.StatusFailed, Message: err.Error()}
	}
}

// finish records the flow's metrics and closes its span
func (o *Orchestrator) finish(span trace.Span, flow string, start time.Time, outcome types.Outcome, err error) {
	o.tracing.RecordError(span, err)
	span.SetAttributes(attribute.String("records.status", string(outcome.Status)))
	o.metrics.RecordFlow(flow, string(outcome.Status), time.Since(start))
	if outcome.Status == types.StatusFailed {
		o.metrics.RecordSystemError(string(types.KindOf(err)), flow)
	}
	span.End()
}
