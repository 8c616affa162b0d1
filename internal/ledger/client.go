// Package ledger binds the record index contract: the authoritative access
// decision and the append-only per-patient record index.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/medrex/emr-ledger/pkg/config"
	"github.com/medrex/emr-ledger/pkg/logger"
	"github.com/medrex/emr-ledger/pkg/monitoring"
	"github.com/medrex/emr-ledger/pkg/types"
	"github.com/medrex/emr-ledger/pkg/wallet"
)

// Backend is what the client needs from a node connection
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// Submission is a state-changing call accepted by the node but not yet confirmed
type Submission struct {
	Method      string         `json:"method"`
	TxHash      common.Hash    `json:"tx_hash"`
	Nonce       uint64         `json:"nonce"`
	From        common.Address `json:"from"`
	SubmittedAt time.Time      `json:"submitted_at"`

	tx *ethtypes.Transaction
}

// Confirmation is a mined, successful submission
type Confirmation struct {
	TxHash      common.Hash `json:"tx_hash"`
	BlockNumber uint64      `json:"block_number"`
	BlockTime   time.Time   `json:"block_time"`
	GasUsed     uint64      `json:"gas_used"`
}

// Options tunes transaction submission and event queries
type Options struct {
	GasLimit         uint64
	HistoryFromBlock uint64
}

// Client implements the ledger operations against one deployed contract
type Client struct {
	address  common.Address
	abi      abi.ABI
	backend  Backend
	contract *bind.BoundContract
	signer   wallet.Signer
	opts     Options
	logger   *logger.Logger
	metrics  *monitoring.MetricsCollector
	tracing  *monitoring.TracingManager
}

// NewClient binds the contract at address. signer may be nil, in which case
// only identity-free views work.
func NewClient(address common.Address, backend Backend, signer wallet.Signer, log *logger.Logger, metrics *monitoring.MetricsCollector, opts Options) (*Client, error) {
	parsed, err := ContractABI()
	if err != nil {
		return nil, err
	}

	return &Client{
		address:  address,
		abi:      parsed,
		backend:  backend,
		contract: bind.NewBoundContract(address, parsed, backend, backend, backend),
		signer:   signer,
		opts:     opts,
		logger:   log,
		metrics:  metrics,
	}, nil
}

// Dial connects to the configured node and checks it serves the expected chain
func Dial(ctx context.Context, cfg config.LedgerConfig, signer wallet.Signer, log *logger.Logger, metrics *monitoring.MetricsCollector) (*Client, *ethclient.Client, error) {
	conn, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, nil, types.NewLedgerUnreachableError("failed to connect to ledger node", err)
	}

	chainID, err := conn.ChainID(ctx)
	if err != nil {
		conn.Close()
		return nil, nil, types.NewLedgerUnreachableError("failed to query chain id", err)
	}
	if chainID.Cmp(big.NewInt(cfg.ChainID)) != 0 {
		conn.Close()
		return nil, nil, fmt.Errorf("ledger node serves chain %s, configured for %d", chainID, cfg.ChainID)
	}

	client, err := NewClient(common.HexToAddress(cfg.ContractAddress), conn, signer, log, metrics, Options{
		GasLimit:         cfg.GasLimit,
		HistoryFromBlock: cfg.HistoryFromBlock,
	})
	if err != nil {
		conn.Close()
		return nil, nil, err
	}

	return client, conn, nil
}

// WithTracing makes listing and transaction calls open client spans
func (c *Client) WithTracing(tracing *monitoring.TracingManager) *Client {
	c.tracing = tracing
	return c
}

// Address returns the contract address
func (c *Client) Address() common.Address {
	return c.address
}

// Caller returns the identity state-changing calls are signed with
func (c *Client) Caller() (common.Address, error) {
	if c.signer == nil {
		return common.Address{}, types.NewWalletUnavailableError("no wallet configured", nil)
	}
	return c.signer.Address(), nil
}

// Admin returns the contract administrator
func (c *Client) Admin(ctx context.Context) (common.Address, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, MethodAdmin); err != nil {
		return common.Address{}, classify(MethodAdmin, err)
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

// IsAuthorizedWriter reports whether id is in the writer registry
func (c *Client) IsAuthorizedWriter(ctx context.Context, id common.Address) (bool, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, MethodRegisteredDoctors, id); err != nil {
		return false, classify(MethodRegisteredDoctors, err)
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

// CheckAccess returns the current grant bit for (patient, reader)
func (c *Client) CheckAccess(ctx context.Context, patient, reader common.Address) (bool, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, MethodCheckAccess, patient, reader); err != nil {
		return false, classify(MethodCheckAccess, err)
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

// ListRecordIndex returns the patient's index in append order. The call is
// made as the wallet identity so the contract can apply its access policy.
func (c *Client) ListRecordIndex(ctx context.Context, patient common.Address) ([]types.RecordMetadata, error) {
	caller, err := c.Caller()
	if err != nil {
		return nil, err
	}

	ctx, span := c.tracing.StartLedgerSpan(ctx, MethodGetRecords)
	defer span.End()

	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx, From: caller}, &out, MethodGetRecords, patient); err != nil {
		classified := classify(MethodGetRecords, err)
		c.tracing.RecordError(span, classified)
		return nil, classified
	}

	entries := *abi.ConvertType(out[0], new([]IndexEntry)).(*[]IndexEntry)
	index := make([]types.RecordMetadata, 0, len(entries))
	for _, e := range entries {
		var createdAt time.Time
		if e.Timestamp != nil {
			createdAt = time.Unix(e.Timestamp.Int64(), 0).UTC()
		}
		index = append(index, types.RecordMetadata{
			RecordType: e.RecordType,
			Location:   e.Location,
			CreatedAt:  createdAt,
			Writer:     e.Doctor,
			Patient:    patient,
			ContentRef: e.DataHash,
		})
	}
	return index, nil
}

// RegisterWriter submits registerDoctor. Only the administrator succeeds.
func (c *Client) RegisterWriter(ctx context.Context, writer common.Address) (*Submission, error) {
	return c.transact(ctx, MethodRegisterDoctor, writer)
}

// GrantAccess submits grantAccess with the wallet identity as patient
func (c *Client) GrantAccess(ctx context.Context, reader common.Address) (*Submission, error) {
	return c.transact(ctx, MethodGrantAccess, reader)
}

// RevokeAccess submits revokeAccess with the wallet identity as patient
func (c *Client) RevokeAccess(ctx context.Context, reader common.Address) (*Submission, error) {
	return c.transact(ctx, MethodRevokeAccess, reader)
}

// AppendRecordIndex submits addRecord. The contract records the caller as writer.
func (c *Client) AppendRecordIndex(ctx context.Context, patient common.Address, contentRef, recordType, location string) (*Submission, error) {
	return c.transact(ctx, MethodAddRecord, patient, contentRef, recordType, location)
}

func (c *Client) transact(ctx context.Context, method string, args ...interface{}) (*Submission, error) {
	if c.signer == nil {
		return nil, types.NewWalletUnavailableError("no wallet configured", nil)
	}

	ctx, span := c.tracing.StartLedgerSpan(ctx, method)
	defer span.End()

	opts, err := c.signer.TransactOpts(ctx)
	if err != nil {
		return nil, types.NewWalletUnavailableError("wallet could not provide signing options", err)
	}
	if c.opts.GasLimit > 0 {
		opts.GasLimit = c.opts.GasLimit
	}

	tx, err := c.contract.Transact(opts, method, args...)
	if err != nil {
		classified := classify(method, err)
		c.tracing.RecordError(span, classified)
		c.metrics.RecordLedgerTransaction(method, "rejected", 0)
		c.logger.BlockchainTransaction(ctx, method, "submit", false, "", map[string]interface{}{
			"from":  opts.From.Hex(),
			"error": classified.Error(),
		})
		return nil, classified
	}

	sub := &Submission{
		Method:      method,
		TxHash:      tx.Hash(),
		Nonce:       tx.Nonce(),
		From:        opts.From,
		SubmittedAt: time.Now().UTC(),
		tx:          tx,
	}

	c.logger.BlockchainTransaction(ctx, method, "submitted", true, sub.TxHash.Hex(), map[string]interface{}{
		"from":  sub.From.Hex(),
		"nonce": sub.Nonce,
	})

	return sub, nil
}

// AwaitConfirmation blocks until sub is mined. Cancelling ctx stops the wait
// and returns the context error; the transaction itself is unaffected.
func (c *Client) AwaitConfirmation(ctx context.Context, sub *Submission) (*Confirmation, error) {
	if sub == nil || sub.tx == nil {
		return nil, types.NewValidationError("submission carries no transaction", nil)
	}

	ctx, span := c.tracing.StartLedgerSpan(ctx, sub.Method+".confirm")
	defer span.End()

	receipt, err := bind.WaitMined(ctx, c.backend, sub.tx)
	if err != nil {
		c.tracing.RecordError(span, err)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s %s unconfirmed: %w", sub.Method, sub.TxHash.Hex(), err)
		}
		return nil, types.NewLedgerUnreachableError("failed to fetch receipt", err)
	}

	elapsed := time.Since(sub.SubmittedAt)

	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		rejected := c.replayFailure(ctx, sub, receipt)
		c.tracing.RecordError(span, rejected)
		c.metrics.RecordLedgerTransaction(sub.Method, "reverted", elapsed)
		c.logger.BlockchainTransaction(ctx, sub.Method, "confirm", false, sub.TxHash.Hex(), map[string]interface{}{
			"block": receipt.BlockNumber.Uint64(),
			"error": rejected.Error(),
		})
		return nil, rejected
	}

	c.metrics.RecordLedgerTransaction(sub.Method, "confirmed", elapsed)
	c.logger.BlockchainTransaction(ctx, sub.Method, "confirmed", true, sub.TxHash.Hex(), map[string]interface{}{
		"block":    receipt.BlockNumber.Uint64(),
		"gas_used": receipt.GasUsed,
	})

	conf := &Confirmation{
		TxHash:      receipt.TxHash,
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
	}

	// The block time is what the contract stamps on index entries. Without it
	// the transaction is still confirmed, so a failed lookup is only logged.
	header, err := c.backend.HeaderByNumber(ctx, receipt.BlockNumber)
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).WithField("block", conf.BlockNumber).Warn("Failed to fetch confirmed block header")
	} else {
		conf.BlockTime = time.Unix(int64(header.Time), 0).UTC()
	}

	return conf, nil
}

// replayFailure re-executes a failed transaction as a call to recover its
// revert reason
func (c *Client) replayFailure(ctx context.Context, sub *Submission, receipt *ethtypes.Receipt) error {
	msg := ethereum.CallMsg{
		From:     sub.From,
		To:       &c.address,
		Gas:      sub.tx.Gas(),
		GasPrice: sub.tx.GasPrice(),
		Value:    sub.tx.Value(),
		Data:     sub.tx.Data(),
	}

	var block *big.Int
	if receipt.BlockNumber != nil && receipt.BlockNumber.Sign() > 0 {
		block = new(big.Int).Sub(receipt.BlockNumber, big.NewInt(1))
	}

	_, err := c.backend.CallContract(ctx, msg, block)
	if err == nil {
		return types.NewLedgerRejectedError(types.ErrCodeReverted, fmt.Sprintf("%s reverted", sub.Method), nil)
	}

	classified := classify(sub.Method, err)
	var recordErr *types.RecordError
	if errors.As(classified, &recordErr) && recordErr.Type == types.ErrorTypeLedgerRejected {
		return classified
	}
	return types.NewLedgerRejectedError(types.ErrCodeReverted, fmt.Sprintf("%s reverted", sub.Method), err)
}
