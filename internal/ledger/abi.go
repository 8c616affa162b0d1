package ledger

import (
	_ "embed"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

//go:embed contract.abi.json
var contractABIJSON string

// Contract methods
const (
	MethodAdmin             = "admin"
	MethodRegisteredDoctors = "registeredDoctors"
	MethodRegisterDoctor    = "registerDoctor"
	MethodGrantAccess       = "grantAccess"
	MethodRevokeAccess      = "revokeAccess"
	MethodAddRecord         = "addRecord"
	MethodGetRecords        = "getRecords"
	MethodCheckAccess       = "checkAccess"
)

// Contract events
const (
	EventAccessGranted = "AccessGranted"
	EventAccessRevoked = "AccessRevoked"
	EventRecordAdded   = "RecordAdded"
)

var (
	parsedABI abi.ABI
	parseErr  error
	parseOnce sync.Once
)

// ContractABI returns the parsed record index contract ABI
func ContractABI() (abi.ABI, error) {
	parseOnce.Do(func() {
		parsedABI, parseErr = abi.JSON(strings.NewReader(contractABIJSON))
		if parseErr != nil {
			parseErr = fmt.Errorf("failed to parse contract ABI: %w", parseErr)
		}
	})
	return parsedABI, parseErr
}

// IndexEntry mirrors the contract's Record tuple as returned by getRecords
type IndexEntry struct {
	DataHash   string
	RecordType string
	Location   string
	Doctor     common.Address
	Timestamp  *big.Int
}
