// Package wallet supplies the active ledger identity and signs
// state-changing contract calls on its behalf.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/medrex/emr-ledger/pkg/config"
	rtypes "github.com/medrex/emr-ledger/pkg/types"
)

// Signer is the identity provider used by the ledger client.
type Signer interface {
	Address() common.Address
	TransactOpts(ctx context.Context) (*bind.TransactOpts, error)
}

// ErrSignatureDeclined is returned by signers whose holder refused a request.
var ErrSignatureDeclined = errors.New("user rejected the signature request")

// Wallet is a Signer backed by a local secp256k1 key
type Wallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
}

// New wraps an already loaded key
func New(key *ecdsa.PrivateKey, chainID *big.Int) *Wallet {
	return &Wallet{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: new(big.Int).Set(chainID),
	}
}

// FromConfig loads the wallet described by cfg. A keystore file takes
// precedence over a raw hex key. With neither configured the wallet is
// unavailable.
func FromConfig(cfg config.WalletConfig, chainID int64) (*Wallet, error) {
	id := big.NewInt(chainID)
	switch {
	case cfg.KeystoreFile != "":
		return FromKeystore(cfg.KeystoreFile, cfg.Passphrase, id)
	case cfg.PrivateKey != "":
		return FromHex(cfg.PrivateKey, id)
	default:
		return nil, rtypes.NewWalletUnavailableError("no wallet configured", nil)
	}
}

// FromKeystore decrypts a Web3 secret storage JSON file
func FromKeystore(path, passphrase string, chainID *big.Int) (*Wallet, error) {
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, rtypes.NewWalletUnavailableError("failed to read keystore file", err)
	}

	key, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, rtypes.NewWalletUnavailableError("failed to decrypt keystore file", err)
	}

	return New(key.PrivateKey, chainID), nil
}

// FromHex parses a hex encoded private key, with or without 0x prefix
func FromHex(hexKey string, chainID *big.Int) (*Wallet, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, rtypes.NewWalletUnavailableError("invalid private key", err)
	}
	return New(key, chainID), nil
}

// Address returns the wallet's identity
func (w *Wallet) Address() common.Address {
	return w.address
}

// ChainID returns the chain the wallet signs for
func (w *Wallet) ChainID() *big.Int {
	return new(big.Int).Set(w.chainID)
}

// TransactOpts returns fresh signing options bound to ctx
func (w *Wallet) TransactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(w.key, w.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	opts.Context = ctx
	return opts, nil
}

// Confirming wraps a signer so its holder approves every transaction before
// it is signed. A nil Confirm declines every request.
type Confirming struct {
	Signer
	Confirm func(tx *types.Transaction) bool
}

// TransactOpts returns options whose signer fails with ErrSignatureDeclined
// unless Confirm approves the transaction
func (c Confirming) TransactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	opts, err := c.Signer.TransactOpts(ctx)
	if err != nil {
		return nil, err
	}
	sign := opts.Signer
	opts.Signer = func(from common.Address, tx *types.Transaction) (*types.Transaction, error) {
		if c.Confirm == nil || !c.Confirm(tx) {
			return nil, ErrSignatureDeclined
		}
		return sign(from, tx)
	}
	return opts, nil
}
