package signer

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"ledgerswap/crypto"
	"ledgerswap/services/swapd/ledger"
	"ledgerswap/services/swapd/secrets"
)

func newTestSigner(t *testing.T) *LocalSigner {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	s, err := NewLocalSigner(key)
	require.NoError(t, err)
	return s
}

func TestLoadLocalFromEnvSecret(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	t.Setenv("SWAPD_TEST_SIGNER", hex.EncodeToString(key.Bytes()))
	mgr, err := secrets.NewManager(secrets.Config{EnvPrefix: "SWAPD_"})
	require.NoError(t, err)

	s, err := LoadLocal(context.Background(), mgr, KeyRef{Secret: "TEST_SIGNER"})
	require.NoError(t, err)
	require.True(t, s.Address().Equal(key.PubKey().Address()))
	require.NotContains(t, s.String(), hex.EncodeToString(key.Bytes()))
}

func TestLoadLocalFromKeystoreSecret(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	doc, err := crypto.EncryptKeystore(key, "vault-pass", keystore.LightScryptN, keystore.LightScryptP)
	require.NoError(t, err)
	t.Setenv("SWAPD_TEST_KEYSTORE", string(doc))
	t.Setenv("SWAPD_TEST_KEYSTORE_PASS", "vault-pass")
	mgr, err := secrets.NewManager(secrets.Config{EnvPrefix: "SWAPD_"})
	require.NoError(t, err)

	s, err := LoadLocal(context.Background(), mgr, KeyRef{Keystore: "TEST_KEYSTORE", Passphrase: "TEST_KEYSTORE_PASS"})
	require.NoError(t, err)
	require.True(t, s.Address().Equal(key.PubKey().Address()))

	t.Setenv("SWAPD_TEST_KEYSTORE_PASS", "wrong")
	_, err = LoadLocal(context.Background(), mgr, KeyRef{Keystore: "TEST_KEYSTORE", Passphrase: "TEST_KEYSTORE_PASS"})
	require.Error(t, err)
}

func TestLoadLocalDoesNotEchoMaterial(t *testing.T) {
	t.Setenv("SWAPD_BAD_SIGNER", "not-a-key-zz")
	mgr, err := secrets.NewManager(secrets.Config{EnvPrefix: "SWAPD_"})
	require.NoError(t, err)

	_, err = LoadLocal(context.Background(), mgr, KeyRef{Secret: "BAD_SIGNER"})
	require.Error(t, err)
	require.NotContains(t, err.Error(), "not-a-key-zz")

	_, err = LoadLocal(context.Background(), mgr, KeyRef{Secret: "ABSENT"})
	require.ErrorIs(t, err, secrets.ErrNotFound)

	if _, err := LoadLocal(context.Background(), mgr, KeyRef{}); err == nil {
		t.Fatalf("expected empty key reference to fail")
	}
}

func TestJournalTracksLastSequence(t *testing.T) {
	j, err := OpenLevelJournal(filepath.Join(t.TempDir(), "journal"))
	require.NoError(t, err)
	defer j.Close()

	_, ok, err := j.Last("own1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, j.Record("own1", 4, "0xa"))
	require.NoError(t, j.Record("own1", 2, "0xb"))
	last, ok, err := j.Last("own1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(4), last)

	spent, err := j.Spent("own1", 0, 10)
	require.NoError(t, err)
	require.Equal(t, map[uint64]string{2: "0xb", 4: "0xa"}, spent)

	spent, err = j.Spent("own1", 3, 4)
	require.NoError(t, err)
	require.Equal(t, map[uint64]string{4: "0xa"}, spent)
}

func issueTx(asset crypto.Address, name string, authority string) ledger.Transaction {
	return ledger.Transaction{Operations: []ledger.Operation{ledger.IssueAsset(asset.String(), name, 9, authority)}}
}

func TestSequencerAssignsConsecutiveSequences(t *testing.T) {
	s := newTestSigner(t)
	mem := ledger.NewMemory()
	journal := NewMemoryJournal()
	seq, err := NewSequencer(s, mem, journal)
	require.NoError(t, err)

	ctx := context.Background()
	authority := s.Address().String()
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := "ASSET" + string(rune('A'+i))
			tx := issueTx(crypto.AssetAddress(s.Address(), name), name, authority)
			_, _, err := seq.Submit(ctx, tx, mem.Submit)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	next, err := mem.NextSequence(ctx, authority)
	require.NoError(t, err)
	require.Equal(t, uint64(8), next)
	last, ok, err := journal.Last(authority)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(7), last)
}

func TestSequencerRejectionKeepsSequence(t *testing.T) {
	s := newTestSigner(t)
	mem := ledger.NewMemory()
	seq, err := NewSequencer(s, mem, nil)
	require.NoError(t, err)
	ctx := context.Background()
	authority := s.Address().String()

	// minting an unknown asset is rejected
	bad := ledger.Transaction{Operations: []ledger.Operation{ledger.Mint("ast1x", "hld1x", authority, uint256.NewInt(1))}}
	signed, _, err := seq.Submit(ctx, bad, mem.Submit)
	require.Error(t, err)
	require.Equal(t, uint64(0), signed.Sequence)

	good := issueTx(crypto.AssetAddress(s.Address(), "GOLD"), "GOLD", authority)
	signed, id, err := seq.Submit(ctx, good, mem.Submit)
	require.NoError(t, err)
	require.Equal(t, uint64(0), signed.Sequence)
	require.NotEmpty(t, id)
}

func TestSequencerResyncsAfterAmbiguousFailure(t *testing.T) {
	s := newTestSigner(t)
	mem := ledger.NewMemory()
	seq, err := NewSequencer(s, mem, nil)
	require.NoError(t, err)
	ctx := context.Background()
	authority := s.Address().String()

	// the ledger accepts the transaction but the response is lost
	lost := func(ctx context.Context, tx ledger.SignedTransaction) (string, error) {
		if _, err := mem.Submit(ctx, tx); err != nil {
			return "", err
		}
		return "", ledger.ErrUnavailable
	}
	_, _, err = seq.Submit(ctx, issueTx(crypto.AssetAddress(s.Address(), "ONE"), "ONE", authority), lost)
	require.True(t, errors.Is(err, ledger.ErrUnavailable))

	signed, _, err := seq.Submit(ctx, issueTx(crypto.AssetAddress(s.Address(), "TWO"), "TWO", authority), mem.Submit)
	require.NoError(t, err)
	require.Equal(t, uint64(1), signed.Sequence)
}

func TestSequencerJournalAheadOfLedger(t *testing.T) {
	s := newTestSigner(t)
	mem := ledger.NewMemory()
	journal := NewMemoryJournal()
	authority := s.Address().String()
	require.NoError(t, journal.Record(authority, 2, "0xold"))

	var logs bytes.Buffer
	seq, err := NewSequencer(s, mem, journal)
	require.NoError(t, err)
	seq.WithLogger(slog.New(slog.NewTextHandler(&logs, nil)))
	ctx := context.Background()

	// the journal wins first, the ledger then reports the gap
	signed, _, err := seq.Submit(ctx, issueTx(crypto.AssetAddress(s.Address(), "ONE"), "ONE", authority), mem.Submit)
	require.True(t, ledger.IsCode(err, ledger.CodeBadSequence))
	require.Equal(t, uint64(3), signed.Sequence)
	require.Contains(t, logs.String(), "sequence journal ahead of ledger")
	require.Contains(t, logs.String(), "0xold")

	logs.Reset()
	signed, _, err = seq.Submit(ctx, issueTx(crypto.AssetAddress(s.Address(), "ONE"), "ONE", authority), mem.Submit)
	require.NoError(t, err)
	require.Equal(t, uint64(0), signed.Sequence)
	require.Contains(t, logs.String(), "reusing journaled sequences")
	require.Contains(t, logs.String(), "0xold")
}

func TestHSMSignerProbeAndSign(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sign" {
			http.NotFound(w, r)
			return
		}
		var req signRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.KeyLabel != "swap-authority" {
			http.Error(w, "unknown key", http.StatusNotFound)
			return
		}
		digest, err := hex.DecodeString(req.Digest)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sig, err := key.Sign(digest)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(signResponse{Signature: "0x" + hex.EncodeToString(sig)})
	}))
	defer srv.Close()

	cfg := HSMConfig{BaseURL: srv.URL, KeyLabel: "swap-authority", SignPath: "/v1/sign"}
	hsm, err := newHSMSigner(context.Background(), cfg, http.DefaultTransport)
	require.NoError(t, err)
	require.True(t, hsm.Address().Equal(key.PubKey().Address()))

	digest := crypto.Keccak256([]byte("payload"))
	sig, err := hsm.Sign(context.Background(), digest)
	require.NoError(t, err)
	recovered, err := crypto.RecoverSigner(digest, sig)
	require.NoError(t, err)
	require.True(t, recovered.Equal(hsm.Address()))

	cfg.Address = newTestSigner(t).Address().String()
	_, err = newHSMSigner(context.Background(), cfg, http.DefaultTransport)
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "expected"))

	cfg.KeyLabel = "other"
	cfg.Address = ""
	_, err = newHSMSigner(context.Background(), cfg, http.DefaultTransport)
	require.Error(t, err)
}
