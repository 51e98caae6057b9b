// Package registry guarantees that every named asset is issued on the ledger
// exactly once, no matter how many requests race for it.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"ledgerswap/crypto"
	"ledgerswap/observability"
	"ledgerswap/services/swapd/ledger"
	"ledgerswap/services/swapd/plan"
	"ledgerswap/services/swapd/rates"
	"ledgerswap/services/swapd/storage"
	"ledgerswap/services/swapd/swaperr"
)

// Asset is an issued asset.
type Asset struct {
	Name          string
	LedgerAddress string
	Decimals      uint8
	CreatedAt     time.Time
}

// Ref pins the asset for a settlement plan.
func (a Asset) Ref() plan.AssetRef {
	return plan.AssetRef{Name: a.Name, Address: a.LedgerAddress, Decimals: a.Decimals}
}

// Store is the persistence the registry needs.
type Store interface {
	GetAsset(ctx context.Context, name string) (storage.Asset, error)
	ClaimAsset(ctx context.Context, asset storage.Asset) (bool, error)
	TakeoverClaim(ctx context.Context, name, staleToken, token string, now time.Time) (bool, error)
	ActivateAsset(ctx context.Context, name, token, ledgerAddress, issueTx string) (bool, error)
	ReleaseClaim(ctx context.Context, name, token string) error
	SaveHoldingAccount(ctx context.Context, acct storage.HoldingAccount) error
}

// Executor submits a single ledger transaction and waits for it to confirm.
type Executor interface {
	Execute(ctx context.Context, memo string, ops ...ledger.Operation) (string, error)
	Authority() string
}

// Config tunes issuance.
type Config struct {
	DefaultDecimals uint8
	// ClaimTTL is how long a pending claim is honoured before another caller
	// may take it over.
	ClaimTTL     time.Duration
	IssueTimeout time.Duration
	PollInterval time.Duration
	StoreRetry   storage.RetryPolicy
}

func (c *Config) applyDefaults() {
	if c.DefaultDecimals == 0 {
		c.DefaultDecimals = 9
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 2 * time.Minute
	}
	if c.IssueTimeout <= 0 {
		c.IssueTimeout = time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
}

// Registry resolves asset names to issued assets.
type Registry struct {
	store     Store
	exec      Executor
	authority crypto.Address
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]Asset
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides the clock used to age claims.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// New constructs a Registry issuing under the executor's authority.
func New(store Store, exec Executor, cfg Config, opts ...Option) (*Registry, error) {
	if store == nil {
		return nil, errors.New("registry: store required")
	}
	if exec == nil {
		return nil, errors.New("registry: executor required")
	}
	authority, err := crypto.DecodeOwner(exec.Authority())
	if err != nil {
		return nil, fmt.Errorf("registry: authority: %w", err)
	}
	cfg.applyDefaults()
	r := &Registry{
		store:     store,
		exec:      exec,
		authority: authority,
		cfg:       cfg,
		logger:    slog.Default(),
		now:       time.Now,
		cache:     make(map[string]Asset),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Lookup returns an already issued asset. It never issues.
func (r *Registry) Lookup(ctx context.Context, name string) (Asset, error) {
	name = rates.NormalizeName(name)
	if name == "" {
		return Asset{}, swaperr.Newf(swaperr.InvalidRequest, "asset name required")
	}
	if asset, ok := r.cached(name); ok {
		return asset, nil
	}
	rec, found, err := r.load(ctx, name)
	if err != nil {
		return Asset{}, err
	}
	if !found || rec.Status != storage.AssetActive {
		return Asset{}, swaperr.Newf(swaperr.AssetNotFound, "asset %s is not registered", name)
	}
	return r.remember(rec), nil
}

// ResolveOrCreate returns the asset called name, issuing it with the default
// decimal scale and initialSupply minted to the service's holding when it
// does not exist yet.
func (r *Registry) ResolveOrCreate(ctx context.Context, name string, initialSupply decimal.Decimal) (Asset, error) {
	return r.resolve(ctx, name, r.cfg.DefaultDecimals, initialSupply)
}

// EnsureNative registers the native asset at boot with the service as its
// mint authority.
func (r *Registry) EnsureNative(ctx context.Context, name string, decimals uint8) (Asset, error) {
	return r.resolve(ctx, name, decimals, decimal.Zero)
}

func (r *Registry) resolve(ctx context.Context, name string, decimals uint8, supply decimal.Decimal) (Asset, error) {
	name = rates.NormalizeName(name)
	if name == "" {
		return Asset{}, swaperr.Newf(swaperr.InvalidRequest, "asset name required")
	}
	if supply.IsNegative() {
		return Asset{}, swaperr.Newf(swaperr.InvalidRequest, "initial supply must not be negative")
	}
	if asset, ok := r.cached(name); ok {
		return asset, nil
	}

	// The issuance runs detached from any single caller so that a caller
	// giving up does not abandon a claim others are waiting on.
	ch := r.group.DoChan(name, func() (any, error) {
		issueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.IssueTimeout)
		defer cancel()
		return r.resolveOnce(issueCtx, name, decimals, supply)
	})
	select {
	case <-ctx.Done():
		return Asset{}, swaperr.New(swaperr.Canceled, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Asset{}, res.Err
		}
		return res.Val.(Asset), nil
	}
}

func (r *Registry) cached(name string) (Asset, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	asset, ok := r.cache[name]
	return asset, ok
}

// remember caches an active record. Active rows never change.
func (r *Registry) remember(rec storage.Asset) Asset {
	asset := Asset{Name: rec.Name, LedgerAddress: rec.LedgerAddress, Decimals: rec.DecimalScale, CreatedAt: rec.CreatedAt}
	r.mu.Lock()
	r.cache[rec.Name] = asset
	r.mu.Unlock()
	return asset
}

var errClaimLost = errors.New("registry: claim taken over")

func (r *Registry) resolveOnce(ctx context.Context, name string, decimals uint8, supply decimal.Decimal) (Asset, error) {
	wait := backoff.NewExponentialBackOff()
	wait.InitialInterval = r.cfg.PollInterval
	wait.MaxInterval = 10 * r.cfg.PollInterval
	wait.MaxElapsedTime = 0

	for {
		rec, found, err := r.load(ctx, name)
		if err != nil {
			return Asset{}, err
		}
		switch {
		case found && rec.Status == storage.AssetActive:
			return r.remember(rec), nil
		case !found:
			token := uuid.NewString()
			claim := storage.Asset{
				Name:          name,
				DecimalScale:  decimals,
				ClaimToken:    token,
				ClaimedAt:     r.now().UTC(),
				InitialSupply: supply.String(),
			}
			var won bool
			err := r.retry(ctx, func() error {
				var err error
				won, err = r.store.ClaimAsset(ctx, claim)
				return err
			})
			if err != nil {
				return Asset{}, err
			}
			if won {
				if err := r.issue(ctx, name, token, decimals, supply); err != nil && !errors.Is(err, errClaimLost) {
					return Asset{}, err
				}
			}
			continue
		case r.now().Sub(rec.ClaimedAt) > r.cfg.ClaimTTL:
			token := uuid.NewString()
			var won bool
			err := r.retry(ctx, func() error {
				var err error
				won, err = r.store.TakeoverClaim(ctx, name, rec.ClaimToken, token, r.now())
				return err
			})
			if err != nil {
				return Asset{}, err
			}
			if won {
				r.logger.Warn("took over stale asset claim", "asset", name, "claimed_at", rec.ClaimedAt)
				prior, _ := decimal.NewFromString(rec.InitialSupply)
				if err := r.issue(ctx, name, token, rec.DecimalScale, prior); err != nil && !errors.Is(err, errClaimLost) {
					return Asset{}, err
				}
			}
			continue
		}

		select {
		case <-ctx.Done():
			return Asset{}, swaperr.New(swaperr.Canceled, ctx.Err())
		case <-time.After(wait.NextBackOff()):
		}
	}
}

// issue creates the asset on the ledger under a held claim and activates the
// row. The treasury holding and the initial supply go in the same
// transaction as the issuance.
func (r *Registry) issue(ctx context.Context, name, token string, decimals uint8, supply decimal.Decimal) error {
	metrics := observability.SwapSettlement()
	assetAddr := crypto.AssetAddress(r.authority, name)
	treasury := crypto.HoldingAddress(r.authority, assetAddr)
	auth := r.authority.String()

	ops := []ledger.Operation{ledger.IssueAsset(assetAddr.String(), name, decimals, auth)}
	if supply.IsPositive() {
		units, err := plan.Scale(supply, decimals)
		if err != nil {
			r.release(ctx, name, token)
			return err
		}
		ops = append(ops,
			ledger.CreateAccount(assetAddr.String(), auth, treasury.String(), auth),
			ledger.Mint(assetAddr.String(), treasury.String(), auth, units),
		)
	}

	result := "issued"
	txID, err := r.exec.Execute(ctx, "issue:"+name, ops...)
	switch {
	case err == nil:
	case ledger.IsCode(err, ledger.CodeAssetExists):
		// an earlier holder of the claim got the issuance through
		result = "adopted"
		txID = ""
		r.logger.Info("adopting asset already on ledger", "asset", name, "address", assetAddr.String())
	case swaperr.Is(err, swaperr.LedgerRejected):
		metrics.RecordIssuance("rejected")
		r.release(ctx, name, token)
		return &swaperr.Error{Kind: swaperr.LedgerIssuanceFailed, Leg: swaperr.NoLeg, Detail: name, Err: err}
	default:
		// the outcome is unknown, so the claim stays until it goes stale
		metrics.RecordIssuance("unknown")
		return err
	}

	var activated bool
	err = r.retry(ctx, func() error {
		var err error
		activated, err = r.store.ActivateAsset(ctx, name, token, assetAddr.String(), txID)
		return err
	})
	if err != nil {
		return err
	}
	if !activated {
		return errClaimLost
	}
	metrics.RecordIssuance(result)
	if len(ops) > 1 && result == "issued" {
		acct := storage.HoldingAccount{Owner: auth, Asset: assetAddr.String(), Address: treasury.String(), CreateTx: txID}
		if err := r.retry(ctx, func() error { return r.store.SaveHoldingAccount(ctx, acct) }); err != nil {
			r.logger.Warn("record treasury holding failed", "asset", name, "error", err)
		}
	}
	r.logger.Info("asset registered", "asset", name, "address", assetAddr.String(), "tx", txID, "result", result)
	return nil
}

func (r *Registry) release(ctx context.Context, name, token string) {
	ctx = context.WithoutCancel(ctx)
	if err := r.retry(ctx, func() error { return r.store.ReleaseClaim(ctx, name, token) }); err != nil {
		r.logger.Warn("release asset claim failed", "asset", name, "error", err)
	}
}

func (r *Registry) load(ctx context.Context, name string) (storage.Asset, bool, error) {
	var rec storage.Asset
	err := r.retry(ctx, func() error {
		var err error
		rec, err = r.store.GetAsset(ctx, name)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Asset{}, false, nil
	}
	if err != nil {
		return storage.Asset{}, false, err
	}
	return rec, true, nil
}

// retry runs fn under the store retry policy and maps what is left to the
// caller-facing taxonomy.
func (r *Registry) retry(ctx context.Context, fn func() error) error {
	err := storage.WithRetry(ctx, r.cfg.StoreRetry, fn)
	switch {
	case err == nil, errors.Is(err, storage.ErrNotFound):
		return err
	case errors.Is(err, storage.ErrUnavailable):
		return swaperr.New(swaperr.StoreUnavailable, err)
	case ctx.Err() != nil:
		return swaperr.New(swaperr.Canceled, err)
	default:
		return swaperr.New(swaperr.Internal, err)
	}
}
