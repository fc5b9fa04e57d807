package client

import (
	"crypto/ecdsa"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// FastScryptParams is for use in tests, where we don't want to wear out our
// CPU with expensive key derivations
var FastScryptParams = struct{ N, P int }{N: 2, P: 1}

// Signer signs transactions for a single sending account.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// PrivateKeySigner signs with an in-memory private key.
type PrivateKeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

var _ Signer = (*PrivateKeySigner)(nil)

func NewPrivateKeySigner(key *ecdsa.PrivateKey) *PrivateKeySigner {
	return &PrivateKeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// NewPrivateKeySignerFromHex parses a hex encoded secp256k1 key, with or
// without a 0x prefix.
func NewPrivateKeySignerFromHex(hexKey string) (*PrivateKeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "invalid private key")
	}
	return NewPrivateKeySigner(key), nil
}

func (s *PrivateKeySigner) Address() common.Address {
	return s.address
}

func (s *PrivateKeySigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
	return signed, errors.Wrap(err, "signTx failed")
}

// KeyStoreSigner signs with an unlocked account from a geth keystore.
type KeyStoreSigner struct {
	ks      *keystore.KeyStore
	account accounts.Account
}

var _ Signer = (*KeyStoreSigner)(nil)

// NewKeyStoreSigner opens the keystore in dir and unlocks address with
// passphrase.
func NewKeyStoreSigner(dir string, address common.Address, passphrase string) (*KeyStoreSigner, error) {
	ks := keystore.NewKeyStore(dir, keystore.StandardScryptN, keystore.StandardScryptP)
	return newKeyStoreSigner(ks, address, passphrase)
}

func newKeyStoreSigner(ks *keystore.KeyStore, address common.Address, passphrase string) (*KeyStoreSigner, error) {
	account, err := ks.Find(accounts.Account{Address: address})
	if err != nil {
		return nil, errors.Wrapf(err, "account %s not found in keystore", address.Hex())
	}
	if err := ks.Unlock(account, passphrase); err != nil {
		return nil, errors.Wrapf(err, "could not unlock account %s", address.Hex())
	}
	return &KeyStoreSigner{ks: ks, account: account}, nil
}

func (s *KeyStoreSigner) Address() common.Address {
	return s.account.Address
}

func (s *KeyStoreSigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := s.ks.SignTx(s.account, tx, chainID)
	return signed, errors.Wrap(err, "signTx failed")
}
