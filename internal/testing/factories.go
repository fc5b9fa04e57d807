package testing

import (
	"crypto/ecdsa"
	"crypto/rand"
	"math/big"
	mathRand "math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/celer-network/txservice/client"
	"github.com/celer-network/txservice/store/models"
	"github.com/google/uuid"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

const (
	Password = "password"
)

func NewRandomInt64() int64 {
	id := mathRand.Int63()
	return id
}

// NewHash return random Keccak256
func NewHash() common.Hash {
	return common.BytesToHash(randomBytes(32))
}

// NewAddress return a random new address
func NewAddress() common.Address {
	return common.BytesToAddress(randomBytes(20))
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	rand.Read(b)
	return b
}

// NewIntent returns an intent sending 142 wei with a small payload to a
// random address.
func NewIntent(chainID uint64) models.Intent {
	return models.Intent{
		ChainID:  chainID,
		To:       NewAddress(),
		Data:     []byte{1, 2, 3},
		Value:    big.NewInt(142),
		GasLimit: 242000,
	}
}

// NewSubmittedTx returns a transaction as the broadcaster leaves it after a
// successful broadcast.
func NewSubmittedTx(t testing.TB, chainID uint64, from common.Address, nonce uint64) *models.Tx {
	t.Helper()

	hash := NewHash()
	return &models.Tx{
		ID:            uuid.New(),
		ChainID:       chainID,
		From:          from,
		To:            NewAddress(),
		Data:          []byte{1, 2, 3},
		Value:         big.NewInt(142),
		GasLimit:      242000,
		Nonce:         nonce,
		GasPrice:      big.NewInt(2000000000),
		Hash:          hash,
		AttemptHashes: []common.Hash{hash},
		Endpoint:      "http://localhost:8545",
		State:         models.TxStateSubmitted,
		Attempts:      1,
		CreatedAt:     time.Now().Add(-time.Minute).Truncate(time.Millisecond),
		BroadcastAt:   time.Now().Truncate(time.Millisecond),
	}
}

// NewSigner returns a signer over a freshly generated key.
func NewSigner(t testing.TB) *client.PrivateKeySigner {
	t.Helper()

	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	require.NoError(t, err)
	return client.NewPrivateKeySigner(key)
}

// MustGenerateKeyStoreAccount writes a randomly generated key, encrypted with
// Password using cheap scrypt parameters, into dir and returns its address.
func MustGenerateKeyStoreAccount(t testing.TB, dir string) common.Address {
	t.Helper()

	privateKeyECDSA, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	require.NoError(t, err)
	k := &keystore.Key{
		Id:         uuid.New(),
		Address:    crypto.PubkeyToAddress(privateKeyECDSA.PublicKey),
		PrivateKey: privateKeyECDSA,
	}
	keyJSONBytes, err := keystore.EncryptKey(k, Password, client.FastScryptParams.N, client.FastScryptParams.P)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, k.Address.Hex()+".json"), keyJSONBytes, 0600))
	return k.Address
}
