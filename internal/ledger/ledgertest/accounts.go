package ledgertest

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/medrex/emr-ledger/pkg/wallet"
)

// ChainID is the chain the simulated contract runs on
var ChainID = big.NewInt(1337)

// NewWallet generates a fresh identity. The simulated chain charges no gas.
func NewWallet(tb testing.TB) *wallet.Wallet {
	tb.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		tb.Fatalf("generate key: %v", err)
	}
	return wallet.New(key, ChainID)
}

// Network bundles a simulated contract with its administrator wallet
type Network struct {
	*Backend
	Admin *wallet.Wallet
}

// NewNetwork deploys a simulated contract administered by a fresh wallet
func NewNetwork(tb testing.TB) *Network {
	tb.Helper()
	admin := NewWallet(tb)
	return &Network{
		Backend: NewBackend(admin.Address(), ChainID),
		Admin:   admin,
	}
}
