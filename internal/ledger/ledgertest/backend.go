// Package ledgertest provides an in-process record index contract that
// satisfies the go-ethereum bind backends, for driving the real ledger
// client in tests.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/medrex/emr-ledger/internal/ledger"
)

const (
	genesisTime = 1_700_000_000
	blockPeriod = 12
	gasPerCall  = 120_000
)

var (
	errorSelector = crypto.Keccak256([]byte("Error(string)"))[:4]
	placeholder   = []byte{0x60, 0x80, 0x60, 0x40, 0x52}
)

// Backend simulates one deployed record index contract
type Backend struct {
	mu sync.Mutex

	abi     abi.ABI
	chainID *big.Int
	signer  types.Signer
	address common.Address
	admin   common.Address

	doctors map[common.Address]bool
	access  map[common.Address]map[common.Address]bool
	records map[common.Address][]ledger.IndexEntry

	nonces     map[common.Address]uint64
	receipts   map[common.Hash]*types.Receipt
	held       map[common.Hash]*types.Receipt
	holding    bool
	logs       []types.Log
	block      uint64
	blockTimes map[uint64]uint64

	injected map[string]error
	calls    map[string]int
}

// NewBackend deploys the contract with admin as administrator
func NewBackend(admin common.Address, chainID *big.Int) *Backend {
	parsed, err := ledger.ContractABI()
	if err != nil {
		panic(err)
	}

	return &Backend{
		abi:        parsed,
		chainID:    new(big.Int).Set(chainID),
		signer:     types.LatestSignerForChainID(chainID),
		address:    crypto.CreateAddress(admin, 0),
		admin:      admin,
		doctors:    make(map[common.Address]bool),
		access:     make(map[common.Address]map[common.Address]bool),
		records:    make(map[common.Address][]ledger.IndexEntry),
		nonces:     make(map[common.Address]uint64),
		receipts:   make(map[common.Hash]*types.Receipt),
		held:       make(map[common.Hash]*types.Receipt),
		blockTimes: map[uint64]uint64{0: genesisTime},
		injected:   make(map[string]error),
		calls:      make(map[string]int),
	}
}

// Address returns the simulated contract address
func (b *Backend) Address() common.Address {
	return b.address
}

// ChainID returns the simulated chain id
func (b *Backend) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.chainID), nil
}

// InjectError makes every call, estimate and send of method fail with err.
// A nil err clears the injection.
func (b *Backend) InjectError(method string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.injected, method)
		return
	}
	b.injected[method] = err
}

// HoldReceipts keeps new receipts pending until ReleaseReceipts
func (b *Backend) HoldReceipts() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.holding = true
}

// ReleaseReceipts publishes every held receipt
func (b *Backend) ReleaseReceipts() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.holding = false
	for hash, r := range b.held {
		b.receipts[hash] = r
	}
	b.held = make(map[common.Hash]*types.Receipt)
}

// Calls returns how many times method was executed, including estimates
func (b *Backend) Calls(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[method]
}

// Records returns a copy of the patient's index
func (b *Backend) Records(patient common.Address) []ledger.IndexEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ledger.IndexEntry(nil), b.records[patient]...)
}

// RegisterDoctor sets registry state directly
func (b *Backend) RegisterDoctor(doctor common.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.doctors[doctor] = true
}

// SetAccess sets a grant bit directly
func (b *Backend) SetAccess(patient, reader common.Address, granted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setAccess(patient, reader, granted)
}

// SeedRecord appends an index entry directly, bypassing the writer check
func (b *Backend) SeedRecord(patient common.Address, entry ledger.IndexEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if entry.Timestamp == nil {
		entry.Timestamp = new(big.Int).SetUint64(b.blockTimes[b.block])
	}
	b.records[patient] = append(b.records[patient], entry)
}

func (b *Backend) setAccess(patient, reader common.Address, granted bool) {
	if b.access[patient] == nil {
		b.access[patient] = make(map[common.Address]bool)
	}
	b.access[patient][reader] = granted
}

// CodeAt implements bind.ContractCaller
func (b *Backend) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	if account == b.address {
		return placeholder, nil
	}
	return nil, nil
}

// CallContract implements bind.ContractCaller
func (b *Backend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if call.To == nil || *call.To != b.address {
		return nil, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	out, _, err := b.execute(call.From, call.Data, false)
	return out, err
}

// PendingCodeAt implements bind.ContractTransactor
func (b *Backend) PendingCodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return b.CodeAt(ctx, account, nil)
}

// PendingNonceAt implements bind.ContractTransactor
func (b *Backend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonces[account], nil
}

// HeaderByNumber implements bind.ContractTransactor. Headers carry no base
// fee so the binding builds legacy transactions.
func (b *Backend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.block
	if number != nil {
		if !number.IsUint64() || number.Uint64() > b.block {
			return nil, ethereum.NotFound
		}
		n = number.Uint64()
	}
	return &types.Header{
		Number:   new(big.Int).SetUint64(n),
		Time:     b.blockTimes[n],
		GasLimit: 30_000_000,
	}, nil
}

// SuggestGasPrice implements bind.ContractTransactor
func (b *Backend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

// SuggestGasTipCap implements bind.ContractTransactor
func (b *Backend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

// EstimateGas implements bind.ContractTransactor by dry-running the call
func (b *Backend) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, _, err := b.execute(call.From, call.Data, false); err != nil {
		return 0, err
	}
	return gasPerCall, nil
}

// SendTransaction implements bind.ContractTransactor. Every transaction is
// mined into its own block immediately.
func (b *Backend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	from, err := types.Sender(b.signer, tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if method, ok := b.methodName(tx.Data()); ok {
		if injected := b.injected[method]; injected != nil {
			return injected
		}
	}

	if tx.Nonce() != b.nonces[from] {
		return fmt.Errorf("nonce mismatch: have %d, want %d", tx.Nonce(), b.nonces[from])
	}
	b.nonces[from]++

	b.block++
	b.blockTimes[b.block] = b.blockTimes[b.block-1] + blockPeriod

	receipt := &types.Receipt{
		Type:              tx.Type(),
		Status:            types.ReceiptStatusSuccessful,
		TxHash:            tx.Hash(),
		BlockNumber:       new(big.Int).SetUint64(b.block),
		GasUsed:           gasPerCall / 2,
		CumulativeGasUsed: gasPerCall / 2,
	}

	_, logs, execErr := b.execute(from, tx.Data(), true)
	if execErr != nil {
		receipt.Status = types.ReceiptStatusFailed
	} else {
		for i := range logs {
			logs[i].BlockNumber = b.block
			logs[i].TxHash = tx.Hash()
			logs[i].Index = uint(len(b.logs))
			b.logs = append(b.logs, logs[i])
			receipt.Logs = append(receipt.Logs, &logs[i])
		}
	}

	if b.holding {
		b.held[tx.Hash()] = receipt
	} else {
		b.receipts[tx.Hash()] = receipt
	}
	return nil
}

// TransactionReceipt implements bind.DeployBackend
func (b *Backend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if r, ok := b.receipts[txHash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

// FilterLogs implements bind.ContractFilterer
func (b *Backend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []types.Log
	for _, lg := range b.logs {
		if matches(q, lg) {
			out = append(out, lg)
		}
	}
	return out, nil
}

// SubscribeFilterLogs implements bind.ContractFilterer
func (b *Backend) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return nil, errors.New("log subscriptions are not supported")
}

func matches(q ethereum.FilterQuery, lg types.Log) bool {
	if q.FromBlock != nil && lg.BlockNumber < q.FromBlock.Uint64() {
		return false
	}
	if q.ToBlock != nil && lg.BlockNumber > q.ToBlock.Uint64() {
		return false
	}

	if len(q.Addresses) > 0 {
		found := false
		for _, a := range q.Addresses {
			if a == lg.Address {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	for i, alternatives := range q.Topics {
		if len(alternatives) == 0 {
			continue
		}
		if i >= len(lg.Topics) {
			return false
		}
		found := false
		for _, topic := range alternatives {
			if topic == lg.Topics[i] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (b *Backend) methodName(data []byte) (string, bool) {
	if len(data) < 4 {
		return "", false
	}
	method, err := b.abi.MethodById(data[:4])
	if err != nil {
		return "", false
	}
	return method.Name, true
}

// execute runs one contract call as from. State changes and logs are only
// produced when commit is set.
func (b *Backend) execute(from common.Address, data []byte, commit bool) ([]byte, []types.Log, error) {
	if len(data) < 4 {
		return nil, nil, revert("")
	}
	method, err := b.abi.MethodById(data[:4])
	if err != nil {
		return nil, nil, revert("")
	}
	b.calls[method.Name]++

	if injected := b.injected[method.Name]; injected != nil {
		return nil, nil, injected
	}

	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, revert("")
	}

	switch method.Name {
	case ledger.MethodAdmin:
		out, err := method.Outputs.Pack(b.admin)
		return out, nil, err

	case ledger.MethodRegisteredDoctors:
		out, err := method.Outputs.Pack(b.doctors[args[0].(common.Address)])
		return out, nil, err

	case ledger.MethodCheckAccess:
		patient, reader := args[0].(common.Address), args[1].(common.Address)
		out, err := method.Outputs.Pack(b.access[patient][reader])
		return out, nil, err

	case ledger.MethodGetRecords:
		patient := args[0].(common.Address)
		if from != patient && !b.access[patient][from] && !b.authored(patient, from) {
			return nil, nil, revert("Access denied")
		}
		records := append([]ledger.IndexEntry{}, b.records[patient]...)
		out, err := method.Outputs.Pack(records)
		return out, nil, err

	case ledger.MethodRegisterDoctor:
		if from != b.admin {
			return nil, nil, revert("Only admin can register doctors")
		}
		if commit {
			b.doctors[args[0].(common.Address)] = true
		}
		return nil, nil, nil

	case ledger.MethodGrantAccess, ledger.MethodRevokeAccess:
		reader := args[0].(common.Address)
		if !commit {
			return nil, nil, nil
		}
		granted := method.Name == ledger.MethodGrantAccess
		b.setAccess(from, reader, granted)
		event := ledger.EventAccessRevoked
		if granted {
			event = ledger.EventAccessGranted
		}
		return nil, []types.Log{b.accessLog(event, from, reader)}, nil

	case ledger.MethodAddRecord:
		if !b.doctors[from] {
			return nil, nil, revert("Only registered doctors can add records")
		}
		if !commit {
			return nil, nil, nil
		}
		patient := args[0].(common.Address)
		entry := ledger.IndexEntry{
			DataHash:   args[1].(string),
			RecordType: args[2].(string),
			Location:   args[3].(string),
			Doctor:     from,
			Timestamp:  new(big.Int).SetUint64(b.blockTimes[b.block]),
		}
		b.records[patient] = append(b.records[patient], entry)
		lg, err := b.recordAddedLog(patient, from, entry)
		if err != nil {
			return nil, nil, err
		}
		return nil, []types.Log{lg}, nil
	}

	return nil, nil, revert("")
}

func (b *Backend) authored(patient, writer common.Address) bool {
	for _, r := range b.records[patient] {
		if r.Doctor == writer {
			return true
		}
	}
	return false
}

func (b *Backend) accessLog(event string, patient, reader common.Address) types.Log {
	return types.Log{
		Address: b.address,
		Topics: []common.Hash{
			b.abi.Events[event].ID,
			common.BytesToHash(patient.Bytes()),
			common.BytesToHash(reader.Bytes()),
		},
	}
}

func (b *Backend) recordAddedLog(patient, doctor common.Address, entry ledger.IndexEntry) (types.Log, error) {
	event := b.abi.Events[ledger.EventRecordAdded]
	data, err := event.Inputs.NonIndexed().Pack(entry.RecordType, entry.Timestamp)
	if err != nil {
		return types.Log{}, err
	}
	return types.Log{
		Address: b.address,
		Topics: []common.Hash{
			event.ID,
			common.BytesToHash(patient.Bytes()),
			common.BytesToHash(doctor.Bytes()),
		},
		Data: data,
	}, nil
}

// RevertError mirrors the JSON-RPC error a node returns for a reverted call
type RevertError struct {
	Reason string
	data   string
}

func revert(reason string) *RevertError {
	stringType, _ := abi.NewType("string", "", nil)
	packed, _ := abi.Arguments{{Type: stringType}}.Pack(reason)
	return &RevertError{
		Reason: reason,
		data:   hexutil.Encode(append(append([]byte{}, errorSelector...), packed...)),
	}
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return "execution reverted"
	}
	return "execution reverted: " + e.Reason
}

// ErrorCode implements rpc.Error
func (e *RevertError) ErrorCode() int { return 3 }

// ErrorData implements rpc.DataError
func (e *RevertError) ErrorData() interface{} { return e.data }
