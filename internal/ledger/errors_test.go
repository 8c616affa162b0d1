package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/emr-ledger/pkg/types"
	"github.com/medrex/emr-ledger/pkg/wallet"
)

type dataError struct {
	msg  string
	data interface{}
}

func (e *dataError) Error() string          { return e.msg }
func (e *dataError) ErrorCode() int         { return 3 }
func (e *dataError) ErrorData() interface{} { return e.data }

type codedError struct{ code int }

func (e *codedError) Error() string  { return "request failed" }
func (e *codedError) ErrorCode() int { return e.code }

func revertData(t *testing.T, reason string) string {
	t.Helper()
	stringType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: stringType}}.Pack(reason)
	require.NoError(t, err)
	selector := crypto.Keccak256([]byte("Error(string)"))[:4]
	return hexutil.Encode(append(selector, packed...))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantType types.ErrorType
		wantCode string
	}{
		{
			name:     "access denied revert data",
			err:      &dataError{msg: "execution reverted", data: revertData(t, "Access denied")},
			wantType: types.ErrorTypeLedgerRejected,
			wantCode: types.ErrCodeAccessDenied,
		},
		{
			name:     "only registered doctors",
			err:      &dataError{msg: "execution reverted", data: revertData(t, "Only registered doctors can add records")},
			wantType: types.ErrorTypeLedgerRejected,
			wantCode: types.ErrCodeNotAuthorized,
		},
		{
			name:     "reason only in message",
			err:      errors.New("execution reverted: Only admin"),
			wantType: types.ErrorTypeLedgerRejected,
			wantCode: types.ErrCodeNotAuthorized,
		},
		{
			name:     "not found",
			err:      errors.New("execution reverted: Record not found"),
			wantType: types.ErrorTypeLedgerRejected,
			wantCode: types.ErrCodeNotFound,
		},
		{
			name:     "bare revert",
			err:      errors.New("execution reverted"),
			wantType: types.ErrorTypeLedgerRejected,
			wantCode: types.ErrCodeReverted,
		},
		{
			name:     "declined signature",
			err:      fmt.Errorf("sign: %w", wallet.ErrSignatureDeclined),
			wantType: types.ErrorTypeUserCancelled,
			wantCode: types.ErrCodeSignatureDenied,
		},
		{
			name:     "eip-1193 rejection code",
			err:      &codedError{code: userRejectedCode},
			wantType: types.ErrorTypeUserCancelled,
			wantCode: types.ErrCodeSignatureDenied,
		},
		{
			name:     "user denied message",
			err:      errors.New("MetaMask Tx Signature: User denied transaction signature."),
			wantType: types.ErrorTypeUserCancelled,
			wantCode: types.ErrCodeSignatureDenied,
		},
		{
			name:     "transport failure",
			err:      errors.New("dial tcp 127.0.0.1:8545: connect: connection refused"),
			wantType: types.ErrorTypeInternal,
			wantCode: types.ErrCodeLedgerUnreachable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify("testMethod", tt.err)
			var recordErr *types.RecordError
			require.True(t, errors.As(got, &recordErr))
			assert.Equal(t, tt.wantType, recordErr.Type)
			assert.Equal(t, tt.wantCode, recordErr.Code)
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestClassify_PassThrough(t *testing.T) {
	assert.Nil(t, classify("m", nil))

	wrapped := fmt.Errorf("waiting: %w", context.Canceled)
	assert.Same(t, wrapped, classify("m", wrapped))

	existing := types.NewWalletUnavailableError("no wallet", nil)
	assert.Same(t, existing, classify("m", existing))
}

func TestRevertReason_NonRevert(t *testing.T) {
	_, ok := revertReason(errors.New("timeout"))
	assert.False(t, ok)

	reason, ok := revertReason(&dataError{msg: "execution reverted", data: revertData(t, "Access denied")})
	assert.True(t, ok)
	assert.Equal(t, "Access denied", reason)
}

func TestContractABI(t *testing.T) {
	parsed, err := ContractABI()
	require.NoError(t, err)

	for _, name := range []string{
		MethodAdmin, MethodRegisteredDoctors, MethodRegisterDoctor, MethodGrantAccess,
		MethodRevokeAccess, MethodAddRecord, MethodGetRecords, MethodCheckAccess,
	} {
		_, ok := parsed.Methods[name]
		assert.True(t, ok, name)
	}
	for _, name := range []string{EventAccessGranted, EventAccessRevoked, EventRecordAdded} {
		_, ok := parsed.Events[name]
		assert.True(t, ok, name)
	}

	assert.Len(t, parsed.Methods[MethodAddRecord].Inputs, 4)
	out := parsed.Methods[MethodGetRecords].Outputs[0].Type
	assert.Equal(t, abi.SliceTy, out.T)
	assert.Equal(t, abi.TupleTy, out.Elem.T)
}
