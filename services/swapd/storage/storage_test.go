package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestRecordSnapshotAndLatest(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	rate := decimal.RequireFromString("1.23")
	if err := store.RecordSample(ctx, "DEVSOL", "GOLD", "now", rate, time.Unix(1700000000, 0), time.Unix(1700000100, 0)); err != nil {
		t.Fatalf("record sample: %v", err)
	}
	if err := store.RecordSnapshot(ctx, "DEVSOL", "GOLD", "1.23", []string{"now"}, "proof", time.Unix(1700000100, 0)); err != nil {
		t.Fatalf("record snapshot: %v", err)
	}
	snap, err := store.LatestSnapshot(ctx, "devsol", "gold")
	if err != nil {
		t.Fatalf("latest snapshot: %v", err)
	}
	if snap.MedianRate != "1.23" {
		t.Fatalf("unexpected median: %s", snap.MedianRate)
	}
	if len(snap.Feeders) != 1 || snap.Feeders[0] != "now" {
		t.Fatalf("unexpected feeders: %+v", snap.Feeders)
	}
	if _, err := store.LatestSnapshot(ctx, "GOLD", "DEVSOL"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClaimAssetOnlyOnce(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := store.ClaimAsset(ctx, Asset{Name: "GOLD", DecimalScale: 9, ClaimToken: uuid.NewString()})
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if won {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())

	asset, err := store.GetAsset(ctx, "GOLD")
	require.NoError(t, err)
	require.Equal(t, AssetPending, asset.Status)

	ok, err := store.ActivateAsset(ctx, "GOLD", "wrong-token", "ast1", "0x1")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = store.ActivateAsset(ctx, "GOLD", asset.ClaimToken, "ast1", "0x1")
	require.NoError(t, err)
	require.True(t, ok)

	asset, err = store.GetAsset(ctx, "GOLD")
	require.NoError(t, err)
	require.Equal(t, AssetActive, asset.Status)
	require.Equal(t, "ast1", asset.LedgerAddress)

	// active rows cannot be released or taken over
	require.NoError(t, store.ReleaseClaim(ctx, "GOLD", asset.ClaimToken))
	ok, err = store.TakeoverClaim(ctx, "GOLD", asset.ClaimToken, uuid.NewString(), time.Now())
	require.NoError(t, err)
	require.False(t, ok)
	_, err = store.GetAsset(ctx, "GOLD")
	require.NoError(t, err)

	active, err := store.ListAssets(ctx, AssetActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func TestTakeoverAndReleaseClaim(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	stale := uuid.NewString()
	won, err := store.ClaimAsset(ctx, Asset{Name: "SILVER", DecimalScale: 6, ClaimToken: stale})
	require.NoError(t, err)
	require.True(t, won)

	fresh := uuid.NewString()
	ok, err := store.TakeoverClaim(ctx, "SILVER", stale, fresh, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.TakeoverClaim(ctx, "SILVER", stale, uuid.NewString(), time.Now())
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.ReleaseClaim(ctx, "SILVER", fresh))
	_, err = store.GetAsset(ctx, "SILVER")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestHoldingAccountCreateIfAbsent(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, store.SaveHoldingAccount(ctx, HoldingAccount{Owner: "own1", Asset: "ast1", Address: "hld1"}))
	require.NoError(t, store.SaveHoldingAccount(ctx, HoldingAccount{Owner: "own1", Asset: "ast1", Address: "hld-other"}))

	acct, err := store.GetHoldingAccount(ctx, "own1", "ast1")
	require.NoError(t, err)
	require.Equal(t, "hld1", acct.Address)

	_, err = store.GetHoldingAccount(ctx, "own2", "ast1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSettlementLifecycle(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	rec := &Settlement{Ref: uuid.NewString(), Direction: "native-to-asset", Requester: "own1", Status: "Pending", Plan: "{}"}
	require.NoError(t, store.CreateSettlement(ctx, rec))

	pending, err := store.ListSettlements(ctx, "Pending", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, store.UpdateSettlementOutcome(ctx, rec.Ref, "Confirmed", "", `{"status":"Confirmed"}`))
	loaded, err := store.GetSettlement(ctx, rec.Ref)
	require.NoError(t, err)
	require.Equal(t, "Confirmed", loaded.Status)

	err = store.UpdateSettlementOutcome(ctx, uuid.NewString(), "Confirmed", "", "{}")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSettlementLease(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	rec := &Settlement{Ref: uuid.NewString(), Direction: "native-to-asset", Status: "Pending", Plan: "{}"}
	require.NoError(t, store.CreateSettlement(ctx, rec))
	now := time.Now()

	ok, err := store.AcquireSettlementLease(ctx, rec.Ref, "a", now, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.AcquireSettlementLease(ctx, rec.Ref, "b", now.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "live lease must exclude other owners")
	ok, err = store.AcquireSettlementLease(ctx, rec.Ref, "a", now.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "a live lease is not reentrant")

	ok, err = store.AcquireSettlementLease(ctx, rec.Ref, "b", now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "expired lease can be taken")

	require.NoError(t, store.ReleaseSettlementLease(ctx, rec.Ref, "a"))
	ok, err = store.AcquireSettlementLease(ctx, rec.Ref, "a", now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "release by a stale owner must not free the lease")

	require.NoError(t, store.ReleaseSettlementLease(ctx, rec.Ref, "b"))
	ok, err = store.AcquireSettlementLease(ctx, rec.Ref, "a", now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.AcquireSettlementLease(ctx, uuid.NewString(), "a", now, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIdempotencyKeys(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	_, claimed, err := store.ClaimIdempotencyKey(ctx, "k1", "POST", "/swap/native-to-asset", "h1")
	require.NoError(t, err)
	require.True(t, claimed)

	rec, claimed, err := store.ClaimIdempotencyKey(ctx, "k1", "POST", "/swap/native-to-asset", "h1")
	require.NoError(t, err)
	require.False(t, claimed)
	require.Equal(t, IdempotencyInFlight, rec.State)

	require.NoError(t, store.CompleteIdempotencyKey(ctx, "k1", 200, `{"ok":true}`))
	rec, _, err = store.ClaimIdempotencyKey(ctx, "k1", "POST", "/swap/native-to-asset", "h1")
	require.NoError(t, err)
	require.Equal(t, IdempotencyCompleted, rec.State)
	require.Equal(t, `{"ok":true}`, rec.Response)
	require.Equal(t, "h1", rec.BodyHash)

	_, _, err = store.ClaimIdempotencyKey(ctx, "k2", "POST", "/x", "")
	require.NoError(t, err)
	require.NoError(t, store.ReleaseIdempotencyKey(ctx, "k2"))
	_, claimed, err = store.ClaimIdempotencyKey(ctx, "k2", "POST", "/x", "")
	require.NoError(t, err)
	require.True(t, claimed)
}

func TestWithRetry(t *testing.T) {
	ctx := context.Background()
	policy := RetryPolicy{Attempts: 3, InitialInterval: time.Millisecond}

	calls := 0
	err := WithRetry(ctx, policy, func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("%w: flaky", ErrUnavailable)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)

	calls = 0
	err = WithRetry(ctx, policy, func() error {
		calls++
		return ErrNotFound
	})
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, 1, calls)

	calls = 0
	err = WithRetry(ctx, policy, func() error {
		calls++
		return fmt.Errorf("%w: down", ErrUnavailable)
	})
	require.ErrorIs(t, err, ErrUnavailable)
	require.Equal(t, 3, calls)
}

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open("  "); !errors.Is(err, ErrPathRequired) {
		t.Fatalf("expected ErrPathRequired, got %v", err)
	}
	require.True(t, IsPostgres("postgres://user@localhost/swapd"))
	require.False(t, IsPostgres(MemoryDSN("x")))
}

func openTestDB(t *testing.T) *Storage {
	t.Helper()
	store, err := Open(MemoryDSN(t.Name()))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}
