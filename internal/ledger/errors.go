package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/medrex/emr-ledger/pkg/types"
	"github.com/medrex/emr-ledger/pkg/wallet"
)

// EIP-1193 "user rejected request"
const userRejectedCode = 4001

// classify converts a node or signer error into the record error taxonomy.
// Context errors pass through untouched so callers can tell a stopped wait
// from a rejection.
func classify(method string, err error) error {
	if err == nil {
		return nil
	}

	var recordErr *types.RecordError
	if errors.As(err, &recordErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	if isUserRejection(err) {
		return types.NewUserCancelledError(fmt.Sprintf("%s was declined by the wallet holder", method), err)
	}

	if reason, ok := revertReason(err); ok {
		return rejection(method, reason, err)
	}

	return types.NewLedgerUnreachableError(fmt.Sprintf("%s failed", method), err)
}

func isUserRejection(err error) bool {
	if errors.Is(err, wallet.ErrSignatureDeclined) {
		return true
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == userRejectedCode {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "user rejected") || strings.Contains(msg, "user denied")
}

// revertReason extracts the Error(string) reason from a reverted call. The
// second result is false when err is not a revert at all.
func revertReason(err error) (string, bool) {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if hexData, ok := dataErr.ErrorData().(string); ok {
			if data, decodeErr := hexutil.Decode(hexData); decodeErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return reason, true
				}
				return "", true
			}
		}
	}

	msg := err.Error()
	const marker = "execution reverted"
	if i := strings.Index(msg, marker); i >= 0 {
		reason := strings.TrimPrefix(msg[i+len(marker):], ":")
		return strings.TrimSpace(reason), true
	}

	return "", false
}

// rejection maps a revert reason onto a LedgerRejected sub-kind
func rejection(method, reason string, cause error) *types.RecordError {
	lower := strings.ToLower(reason)

	code := types.ErrCodeReverted
	switch {
	case strings.Contains(lower, "access denied"), strings.Contains(lower, "no access"):
		code = types.ErrCodeAccessDenied
	case strings.HasPrefix(lower, "only "),
		strings.Contains(lower, "not registered"),
		strings.Contains(lower, "not authorized"),
		strings.Contains(lower, "unauthorized"):
		code = types.ErrCodeNotAuthorized
	case strings.Contains(lower, "not found"), strings.Contains(lower, "does not exist"):
		code = types.ErrCodeNotFound
	}

	message := reason
	if message == "" {
		message = fmt.Sprintf("%s reverted", method)
	}

	return types.NewLedgerRejectedError(code, message, cause)
}
