package records

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/medrex/emr-ledger/internal/ledger"
	"github.com/medrex/emr-ledger/pkg/types"
)

// Access change actions
const (
	ActionGrant  = "grant"
	ActionRevoke = "revoke"
)

// TransactionReceipt is the result of a single state-changing ledger call
type TransactionReceipt struct {
	Method      string        `json:"method"`
	TxHash      string        `json:"tx_hash,omitempty"`
	BlockNumber uint64        `json:"block_number,omitempty"`
	Unconfirmed bool          `json:"unconfirmed"`
	Outcome     types.Outcome `json:"outcome"`
}

// AccessChange is the result of a grant or revoke by the wallet identity
type AccessChange struct {
	TransactionReceipt
	Action    string         `json:"action"`
	Patient   types.Identity `json:"patient"`
	Reader    types.Identity `json:"reader"`
	Journaled bool           `json:"journaled"`
}

// RegisterWriter adds writer to the ledger's writer registry. Only the
// administrator succeeds; anyone else gets the ledger's rejection.
func (o *Orchestrator) RegisterWriter(ctx context.Context, writer types.Identity) (*TransactionReceipt, error) {
	start := time.Now()
	ctx, span := o.tracing.StartFlowSpan(ctx, "register_writer")

	receipt := &TransactionReceipt{Method: ledger.MethodRegisterDoctor}
	err := o.registerWriter(ctx, receipt, writer)

	o.finish(span, "register_writer", start, receipt.Outcome, err)
	return receipt, err
}

func (o *Orchestrator) registerWriter(ctx context.Context, receipt *TransactionReceipt, writer types.Identity) error {
	admin, err := o.ledger.Caller()
	if err != nil {
		receipt.Outcome = OutcomeFor(err, "")
		return err
	}

	if err := o.submit(ctx, receipt, writer, "Writer registered", o.ledger.RegisterWriter); err != nil {
		return err
	}

	o.logger.Audit(admin.Hex(), "register_writer", writer.Hex(), true, map[string]interface{}{
		"tx_hash": receipt.TxHash,
	})
	return nil
}

// GrantAccess lets reader list the wallet identity's records
func (o *Orchestrator) GrantAccess(ctx context.Context, reader types.Identity) (*AccessChange, error) {
	return o.changeAccess(ctx, ActionGrant, reader)
}

// RevokeAccess withdraws reader's permission. It takes effect for every list
// call made after the revocation is confirmed.
func (o *Orchestrator) RevokeAccess(ctx context.Context, reader types.Identity) (*AccessChange, error) {
	return o.changeAccess(ctx, ActionRevoke, reader)
}

func (o *Orchestrator) changeAccess(ctx context.Context, action string, reader types.Identity) (*AccessChange, error) {
	start := time.Now()
	flow := action + "_access"
	ctx, span := o.tracing.StartFlowSpan(ctx, flow)

	change := &AccessChange{Action: action, Reader: reader}
	err := o.changeAccessFlow(ctx, change)

	o.finish(span, flow, start, change.Outcome, err)
	return change, err
}

func (o *Orchestrator) changeAccessFlow(ctx context.Context, change *AccessChange) error {
	patient, err := o.ledger.Caller()
	if err != nil {
		change.Outcome = OutcomeFor(err, "")
		return err
	}
	change.Patient = patient

	send, method, message := o.ledger.GrantAccess, ledger.MethodGrantAccess, "Access granted"
	if change.Action == ActionRevoke {
		send, method, message = o.ledger.RevokeAccess, ledger.MethodRevokeAccess, "Access revoked"
	}
	change.Method = method

	if err := o.submit(ctx, &change.TransactionReceipt, change.Reader, message, send); err != nil {
		return err
	}

	o.logger.Audit(patient.Hex(), change.Action+"_access", change.Reader.Hex(), true, map[string]interface{}{
		"tx_hash": change.TxHash,
	})

	// The journal is a convenience copy of the ledger's events. It is never
	// consulted for authorization, so a failed write is only logged.
	event := types.AccessEvent{
		Patient:   patient,
		Reader:    change.Reader,
		Granted:   change.Action == ActionGrant,
		Action:    change.Action,
		TxHash:    change.TxHash,
		Timestamp: time.Now().UTC(),
	}
	if err := o.store.AppendAccessEvent(ctx, event); err != nil {
		o.logger.WithComponent("records").WithError(err).WithField("tx_hash", change.TxHash).Warn("Failed to journal access change")
	} else {
		change.Journaled = true
	}

	return nil
}

// submit sends one state-changing call and waits for it, filling receipt
func (o *Orchestrator) submit(ctx context.Context, receipt *TransactionReceipt, target types.Identity, success string, send func(context.Context, common.Address) (*ledger.Submission, error)) error {
	if target == (common.Address{}) {
		err := types.NewValidationError("address is required", nil)
		receipt.Outcome = OutcomeFor(err, "")
		return err
	}

	sub, err := send(ctx, target)
	if err != nil {
		receipt.Outcome = OutcomeFor(err, "")
		return err
	}
	receipt.TxHash = sub.TxHash.Hex()

	conf, err := o.await(ctx, sub)
	if err != nil {
		if isWaitAbandoned(err) {
			receipt.Unconfirmed = true
			receipt.Outcome = o.unconfirmed(ctx, sub)
			return err
		}
		receipt.Outcome = OutcomeFor(err, "")
		return err
	}

	receipt.BlockNumber = conf.BlockNumber
	receipt.Outcome = OutcomeFor(nil, success)
	return nil
}

// AccessHistory returns the patient's grant and revoke events as recorded on the ledger
func (o *Orchestrator) AccessHistory(ctx context.Context, patient types.Identity) ([]types.AccessEvent, error) {
	return o.ledger.AccessHistory(ctx, patient)
}

// AccessJournal returns the store's non-authoritative copy of the patient's access changes
func (o *Orchestrator) AccessJournal(ctx context.Context, patient types.Identity) ([]types.AccessEvent, error) {
	return o.store.AccessJournal(ctx, patient)
}
