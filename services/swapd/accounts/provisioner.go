// Package accounts opens holding accounts on demand.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"ledgerswap/crypto"
	"ledgerswap/observability"
	"ledgerswap/services/swapd/ledger"
	"ledgerswap/services/swapd/storage"
	"ledgerswap/services/swapd/swaperr"
)

// Account is an open (owner, asset) holding account.
type Account struct {
	Owner   string
	Asset   string
	Address string
}

// Store records opened accounts.
type Store interface {
	GetHoldingAccount(ctx context.Context, owner, asset string) (storage.HoldingAccount, error)
	SaveHoldingAccount(ctx context.Context, acct storage.HoldingAccount) error
}

// Executor submits a single ledger transaction and waits for it to confirm.
type Executor interface {
	Execute(ctx context.Context, memo string, ops ...ledger.Operation) (string, error)
	Authority() string
}

// AccountChecker asks the ledger whether an account is open.
type AccountChecker interface {
	AccountExists(ctx context.Context, address string) (bool, error)
}

// Provisioner resolves holding accounts, opening them when missing.
type Provisioner struct {
	ledger  AccountChecker
	exec    Executor
	store   Store
	retry   storage.RetryPolicy
	timeout time.Duration
	logger  *slog.Logger

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]Account
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithRetryPolicy overrides how store failures are retried.
func WithRetryPolicy(policy storage.RetryPolicy) Option {
	return func(p *Provisioner) { p.retry = policy }
}

// WithTimeout bounds a single provisioning run.
func WithTimeout(d time.Duration) Option {
	return func(p *Provisioner) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provisioner) {
		if l != nil {
			p.logger = l
		}
	}
}

// New constructs a Provisioner.
func New(checker AccountChecker, exec Executor, store Store, opts ...Option) (*Provisioner, error) {
	if checker == nil || exec == nil || store == nil {
		return nil, errors.New("accounts: ledger, executor and store are required")
	}
	p := &Provisioner{
		ledger:  checker,
		exec:    exec,
		store:   store,
		timeout: time.Minute,
		logger:  slog.Default(),
		cache:   make(map[string]Account),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Ensure returns the holding account of owner for asset, opening it on the
// ledger first when needed. Repeated calls for the same pair return the same
// address and open the account at most once.
func (p *Provisioner) Ensure(ctx context.Context, owner, asset string) (Account, error) {
	ownerAddr, err := crypto.DecodeOwner(owner)
	if err != nil {
		return Account{}, swaperr.New(swaperr.InvalidRequest, fmt.Errorf("owner %q: %w", owner, err))
	}
	assetAddr, err := crypto.DecodeAddress(asset)
	if err != nil || assetAddr.Prefix() != crypto.AssetPrefix {
		return Account{}, swaperr.Newf(swaperr.InvalidRequest, "asset %q is not an asset address", asset)
	}
	acct := Account{
		Owner:   ownerAddr.String(),
		Asset:   assetAddr.String(),
		Address: crypto.HoldingAddress(ownerAddr, assetAddr).String(),
	}
	key := acct.Owner + "|" + acct.Asset
	if p.cached(key) {
		observability.SwapSettlement().RecordAccount("cache")
		return acct, nil
	}

	ch := p.group.DoChan(key, func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		defer cancel()
		return nil, p.provision(runCtx, acct)
	})
	select {
	case <-ctx.Done():
		return Account{}, swaperr.New(swaperr.Canceled, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Account{}, res.Err
		}
	}
	p.mu.Lock()
	p.cache[key] = acct
	p.mu.Unlock()
	return acct, nil
}

func (p *Provisioner) cached(key string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.cache[key]
	return ok
}

func (p *Provisioner) provision(ctx context.Context, acct Account) error {
	metrics := observability.SwapSettlement()
	err := p.withRetry(ctx, func() error {
		_, err := p.store.GetHoldingAccount(ctx, acct.Owner, acct.Asset)
		return err
	})
	if err == nil {
		metrics.RecordAccount("store")
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	source := "ledger"
	var txID string
	exists, err := p.ledger.AccountExists(ctx, acct.Address)
	if err != nil {
		return swaperr.New(swaperr.LedgerUnavailable, err)
	}
	if !exists {
		source = "created"
		txID, err = p.exec.Execute(ctx, "open:"+acct.Address,
			ledger.CreateAccount(acct.Asset, acct.Owner, acct.Address, p.exec.Authority()))
		switch {
		case err == nil:
		case ledger.IsCode(err, ledger.CodeAccountExists):
			source = "ledger"
		default:
			return err
		}
	}

	rec := storage.HoldingAccount{Owner: acct.Owner, Asset: acct.Asset, Address: acct.Address, CreateTx: txID}
	if err := p.withRetry(ctx, func() error { return p.store.SaveHoldingAccount(ctx, rec) }); err != nil {
		return err
	}
	metrics.RecordAccount(source)
	p.logger.Debug("holding account ready", "address", acct.Address, "source", source, "tx", txID)
	return nil
}

func (p *Provisioner) withRetry(ctx context.Context, fn func() error) error {
	err := storage.WithRetry(ctx, p.retry, fn)
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
