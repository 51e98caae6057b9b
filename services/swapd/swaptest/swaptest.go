// Package swaptest wires an in-memory ledger, a service signer and an
// in-memory store for package tests.
package swaptest

import (
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"ledgerswap/crypto"
	"ledgerswap/services/swapd/ledger"
	"ledgerswap/services/swapd/settlement"
	"ledgerswap/services/swapd/signer"
	"ledgerswap/services/swapd/storage"
)

// Unit is one logical unit at nine decimals.
const Unit = 1_000_000_000

// FastSettlement keeps retries and confirmation waits short.
func FastSettlement() settlement.Config {
	return settlement.Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		PollInterval:   2 * time.Millisecond,
		ConfirmTimeout: 200 * time.Millisecond,
	}
}

// Env is a complete settlement backend.
type Env struct {
	Ledger    *ledger.Memory
	Sequencer *signer.Sequencer
	Submitter *settlement.Submitter
	Store     *storage.Storage
	Service   crypto.Address
}

// New builds an Env whose store lives in a database private to t.
func New(t testing.TB) *Env {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	local, err := signer.NewLocalSigner(key)
	require.NoError(t, err)

	mem := ledger.NewMemory()
	journal := signer.NewMemoryJournal()
	t.Cleanup(func() { _ = journal.Close() })
	seq, err := signer.NewSequencer(local, mem, journal)
	require.NoError(t, err)
	sub, err := settlement.New(mem, seq, settlement.WithConfig(FastSettlement()))
	require.NoError(t, err)

	store, err := storage.Open(storage.MemoryDSN(t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return &Env{Ledger: mem, Sequencer: seq, Submitter: sub, Store: store, Service: local.Address()}
}

// NewOwner returns a fresh owner address.
func NewOwner(t testing.TB) crypto.Address {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return key.PubKey().Address()
}

// Holding returns the holding address of owner for the asset at assetAddress.
func Holding(t testing.TB, owner crypto.Address, assetAddress string) string {
	t.Helper()
	asset, err := crypto.DecodeAddress(assetAddress)
	require.NoError(t, err)
	return crypto.HoldingAddress(owner, asset).String()
}

// Deposit credits units of the asset to owner and approves the service as
// delegate on the holding account, the way a requester prepares a swap.
func (e *Env) Deposit(t testing.TB, owner crypto.Address, assetAddress string, units uint64) string {
	t.Helper()
	asset, err := crypto.DecodeAddress(assetAddress)
	require.NoError(t, err)
	address, err := e.Ledger.Fund(owner, asset, uint256.NewInt(units))
	require.NoError(t, err)
	require.NoError(t, e.Ledger.Approve(address, e.Service.String()))
	return address
}
