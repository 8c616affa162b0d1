package ledger

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/medrex/emr-ledger/pkg/types"
)

// AccessHistory returns the grant and revoke events emitted for patient,
// oldest first
func (c *Client) AccessHistory(ctx context.Context, patient common.Address) ([]types.AccessEvent, error) {
	granted := c.abi.Events[EventAccessGranted]
	revoked := c.abi.Events[EventAccessRevoked]

	patientTopics, err := abi.MakeTopics([]interface{}{patient})
	if err != nil {
		return nil, types.NewInternalError("failed to build topic filter", err)
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(c.opts.HistoryFromBlock),
		Addresses: []common.Address{c.address},
		Topics:    [][]common.Hash{{granted.ID, revoked.ID}, patientTopics[0]},
	}

	logs, err := c.backend.FilterLogs(ctx, query)
	if err != nil {
		return nil, classify("filterLogs", err)
	}

	blockTimes := make(map[uint64]time.Time)
	events := make([]types.AccessEvent, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed || len(lg.Topics) < 3 {
			continue
		}

		event := types.AccessEvent{
			Patient: common.BytesToAddress(lg.Topics[1].Bytes()),
			Reader:  common.BytesToAddress(lg.Topics[2].Bytes()),
			TxHash:  lg.TxHash.Hex(),
		}
		switch lg.Topics[0] {
		case granted.ID:
			event.Granted = true
			event.Action = "grant"
		case revoked.ID:
			event.Action = "revoke"
		default:
			continue
		}

		ts, ok := blockTimes[lg.BlockNumber]
		if !ok {
			header, err := c.backend.HeaderByNumber(ctx, new(big.Int).SetUint64(lg.BlockNumber))
			if err != nil {
				return nil, classify("headerByNumber", err)
			}
			ts = time.Unix(int64(header.Time), 0).UTC()
			blockTimes[lg.BlockNumber] = ts
		}
		event.Timestamp = ts

		events = append(events, event)
	}

	return events, nil
}
