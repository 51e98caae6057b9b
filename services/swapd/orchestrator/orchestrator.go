// Package orchestrator runs a swap end to end: quote, issue, provision,
// plan, settle and record.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"ledgerswap/crypto"
	"ledgerswap/observability"
	"ledgerswap/services/swapd/accounts"
	"ledgerswap/services/swapd/plan"
	"ledgerswap/services/swapd/rates"
	"ledgerswap/services/swapd/registry"
	"ledgerswap/services/swapd/settlement"
	"ledgerswap/services/swapd/storage"
	"ledgerswap/services/swapd/swaperr"
)

// Direction describes one kind of swap as data: which side is native and
// how the requester gets paid.
type Direction struct {
	Name plan.Direction
	// NativeSource is true when the requester pays in the native asset.
	NativeSource bool
	Credit       plan.CreditKind
}

var (
	// NativeToAsset debits native units and pays out of the treasury's
	// holding of the target asset, issuing the asset on first use.
	NativeToAsset = Direction{Name: plan.NativeToAsset, NativeSource: true, Credit: plan.CreditTransfer}
	// AssetToNative debits an existing asset and mints native units.
	AssetToNative = Direction{Name: plan.AssetToNative, NativeSource: false, Credit: plan.CreditMint}
)

// DirectionByName returns the direction called name.
func DirectionByName(name plan.Direction) (Direction, bool) {
	switch name {
	case NativeToAsset.Name:
		return NativeToAsset, true
	case AssetToNative.Name:
		return AssetToNative, true
	}
	return Direction{}, false
}

// Request is a swap request. Asset names the non-native side; Amount is in
// the source asset's logical units. A nil RateTable falls back to the feed.
type Request struct {
	Direction    Direction
	RequesterKey string
	Asset        string
	Amount       decimal.Decimal
	RateTable    rates.Table
}

// Result describes a settlement as far as it got.
type Result struct {
	Ref       string
	Direction plan.Direction
	Requester string
	Quote     rates.Quote
	Plan      plan.Plan
	Outcome   settlement.Outcome
	CreatedAt time.Time
}

// Assets is the registry surface the orchestrator needs.
type Assets interface {
	ResolveOrCreate(ctx context.Context, name string, initialSupply decimal.Decimal) (registry.Asset, error)
	Lookup(ctx context.Context, name string) (registry.Asset, error)
}

// Accounts opens holding accounts.
type Accounts interface {
	Ensure(ctx context.Context, owner, asset string) (accounts.Account, error)
}

// Settler submits plans.
type Settler interface {
	Submit(ctx context.Context, p plan.Plan) settlement.Outcome
	Resume(ctx context.Context, p plan.Plan, prior settlement.Outcome) settlement.Outcome
	Authority() string
}

// Store persists settlement records.
type Store interface {
	CreateSettlement(ctx context.Context, rec *storage.Settlement) error
	UpdateSettlementOutcome(ctx context.Context, ref, status, errorKind, outcome string) error
	GetSettlement(ctx context.Context, ref string) (storage.Settlement, error)
	AcquireSettlementLease(ctx context.Context, ref, owner string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseSettlementLease(ctx context.Context, ref, owner string) error
}

// Config carries the service-wide swap settings.
type Config struct {
	NativeAsset string
	// InitialSupply is minted to the treasury when a target asset is issued.
	InitialSupply decimal.Decimal
	StoreRetry    storage.RetryPolicy
	// ResumeLease bounds how long one instance may hold a settlement while
	// submitting its legs. It must outlast a full submission.
	ResumeLease time.Duration
}

// Orchestrator wires the settlement engine together.
type Orchestrator struct {
	cfg      Config
	resolver *rates.Resolver
	assets   Assets
	accounts Accounts
	settler  Settler
	store    Store
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	// leaseOwner identifies this instance in settlement leases.
	leaseOwner string
	resumes    singleflight.Group
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the clock stamped on plans.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New constructs an Orchestrator.
func New(cfg Config, resolver *rates.Resolver, assets Assets, accts Accounts, settler Settler, store Store, opts ...Option) (*Orchestrator, error) {
	if resolver == nil || assets == nil || accts == nil || settler == nil || store == nil {
		return nil, errors.New("orchestrator: resolver, assets, accounts, settler and store are required")
	}
	cfg.NativeAsset = rates.NormalizeName(cfg.NativeAsset)
	if cfg.NativeAsset == "" {
		return nil, errors.New("orchestrator: native asset name required")
	}
	if cfg.ResumeLease <= 0 {
		cfg.ResumeLease = 5 * time.Minute
	}
	o := &Orchestrator{
		cfg:      cfg,
		resolver: resolver,
		assets:   assets,
		accounts: accts,
		settler:  settler,
		store:    store,
		logger:   slog.Default(),
		tracer:   otel.Tracer("ledgerswap/swapd/orchestrator"),
		now:      time.Now,

		leaseOwner: uuid.NewString(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

// Swap settles req. Errors raised before the plan is submitted mean nothing
// happened on the ledger. Once submitted, the Result is always populated and
// the returned error is the outcome's error for Failed settlements only;
// Pending and PartiallyConfirmed outcomes carry their error in the Outcome.
func (o *Orchestrator) Swap(ctx context.Context, req Request) (Result, error) {
	start := o.now()
	ctx, span := o.tracer.Start(ctx, "swap."+string(req.Direction.Name))
	defer span.End()

	res, err := o.swap(ctx, req, span)
	status := string(res.Outcome.Status)
	if err != nil {
		status = string(swaperr.KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, status)
	}
	observability.SwapSettlement().ObserveSwap(string(req.Direction.Name), status, o.now().Sub(start))
	return res, err
}

func (o *Orchestrator) swap(ctx context.Context, req Request, span trace.Span) (Result, error) {
	requester, err := crypto.DecodeOwner(req.RequesterKey)
	if err != nil {
		return Result{}, swaperr.New(swaperr.InvalidRequest, fmt.Errorf("requester key: %w", err))
	}
	if req.Direction.Name == "" {
		return Result{}, swaperr.Newf(swaperr.InvalidRequest, "swap direction required")
	}
	assetName := rates.NormalizeName(req.Asset)
	if assetName == "" {
		return Result{}, swaperr.Newf(swaperr.InvalidRequest, "asset name required")
	}
	if assetName == o.cfg.NativeAsset {
		return Result{}, swaperr.Newf(swaperr.InvalidRequest, "cannot swap %s for itself", assetName)
	}
	table, err := req.RateTable.Normalize()
	if err != nil {
		return Result{}, err
	}

	sourceName, targetName := o.cfg.NativeAsset, assetName
	if !req.Direction.NativeSource {
		sourceName, targetName = assetName, o.cfg.NativeAsset
	}
	span.SetAttributes(
		attribute.String("swap.source", sourceName),
		attribute.String("swap.target", targetName),
		attribute.String("swap.amount", req.Amount.String()),
	)

	// Rate errors fail fast, before any store or ledger work.
	quote, err := o.resolver.Resolve(ctx, table, sourceName, targetName, req.Amount)
	if err != nil {
		return Result{}, err
	}

	source, target, err := o.resolveAssets(ctx, req.Direction, sourceName, targetName)
	if err != nil {
		return Result{}, err
	}

	authority := o.settler.Authority()
	var accts plan.Accounts
	g, gctx := errgroup.WithContext(ctx)
	ensure := func(owner, asset string, dst *string) {
		g.Go(func() error {
			acct, err := o.accounts.Ensure(gctx, owner, asset)
			if err != nil {
				return err
			}
			*dst = acct.Address
			return nil
		})
	}
	ensure(requester.String(), source.LedgerAddress, &accts.RequesterSource)
	ensure(authority, source.LedgerAddress, &accts.TreasurySource)
	ensure(requester.String(), target.LedgerAddress, &accts.RequesterTarget)
	if req.Direction.Credit == plan.CreditTransfer {
		ensure(authority, target.LedgerAddress, &accts.TreasuryTarget)
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	p, err := plan.Build(plan.Input{
		Direction:    req.Direction.Name,
		Credit:       req.Direction.Credit,
		Requester:    requester.String(),
		Authority:    authority,
		Source:       source.Ref(),
		Target:       target.Ref(),
		Accounts:     accts,
		SourceAmount: quote.SourceAmount,
		TargetAmount: quote.TargetAmount,
		Rate:         quote.Rate,
		Now:          o.now(),
	})
	if err != nil {
		return Result{}, err
	}
	span.SetAttributes(attribute.String("swap.ref", p.Ref))

	if err := o.record(ctx, p, quote); err != nil {
		return Result{}, err
	}

	out := o.settler.Submit(ctx, p)
	// the outcome must be recorded even when the caller has gone away
	o.persist(context.WithoutCancel(ctx), out)
	o.releaseLease(context.WithoutCancel(ctx), p.Ref)
	o.logger.Info("swap settled",
		"ref", p.Ref,
		"direction", string(p.Direction),
		"requester", p.Requester,
		"status", string(out.Status),
		"error_kind", string(out.ErrorKind()))

	res := Result{
		Ref:       p.Ref,
		Direction: p.Direction,
		Requester: p.Requester,
		Quote:     quote,
		Plan:      p,
		Outcome:   out,
		CreatedAt: p.CreatedAt,
	}
	if out.Status == settlement.Failed {
		return res, out.Err
	}
	return res, nil
}

func (o *Orchestrator) resolveAssets(ctx context.Context, dir Direction, sourceName, targetName string) (registry.Asset, registry.Asset, error) {
	if dir.NativeSource {
		source, err := o.assets.Lookup(ctx, sourceName)
		if err != nil {
			return registry.Asset{}, registry.Asset{}, err
		}
		target, err := o.assets.ResolveOrCreate(ctx, targetName, o.cfg.InitialSupply)
		return source, target, err
	}
	source, err := o.assets.Lookup(ctx, sourceName)
	if err != nil {
		return registry.Asset{}, registry.Asset{}, err
	}
	target, err := o.assets.Lookup(ctx, targetName)
	return source, target, err
}

func (o *Orchestrator) record(ctx context.Context, p plan.Plan, quote rates.Quote) error {
	planJSON, err := json.Marshal(p)
	if err != nil {
		return swaperr.New(swaperr.Internal, err)
	}
	fingerprint, err := p.Fingerprint()
	if err != nil {
		return swaperr.New(swaperr.Internal, err)
	}
	rec := &storage.Settlement{
		Ref:          p.Ref,
		Direction:    string(p.Direction),
		Requester:    p.Requester,
		SourceAsset:  p.Source.Name,
		TargetAsset:  p.Target.Name,
		SourceAmount: quote.SourceAmount.String(),
		TargetAmount: quote.TargetAmount.String(),
		Rate:         quote.Rate.String(),
		Fingerprint:  fingerprint,
		Plan:         string(planJSON),
		Status:       string(settlement.Pending),
		// held until the first submission is recorded
		LeaseOwner: o.leaseOwner,
		LeaseUntil: o.now().UTC().Add(o.cfg.ResumeLease),
	}
	err = storage.WithRetry(ctx, o.cfg.StoreRetry, func() error { return o.store.CreateSettlement(ctx, rec) })
	return storeErr(ctx, err)
}

func (o *Orchestrator) persist(ctx context.Context, out settlement.Outcome) {
	payload, err := json.Marshal(out)
	if err != nil {
		o.logger.Error("encode outcome failed", "ref", out.Ref, "error", err)
		return
	}
	err = storage.WithRetry(ctx, o.cfg.StoreRetry, func() error {
		return o.store.UpdateSettlementOutcome(ctx, out.Ref, string(out.Status), string(out.ErrorKind()), string(payload))
	})
	if err != nil {
		o.logger.Error("record outcome failed", "ref", out.Ref, "status", string(out.Status), "error", err)
	}
}

// Get loads a recorded settlement.
func (o *Orchestrator) Get(ctx context.Context, ref string) (Result, error) {
	var rec storage.Settlement
	err := storage.WithRetry(ctx, o.cfg.StoreRetry, func() error {
		var err error
		rec, err = o.store.GetSettlement(ctx, ref)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return Result{}, swaperr.Newf(swaperr.InvalidRequest, "settlement %s not found", ref)
	}
	if err != nil {
		return Result{}, storeErr(ctx, err)
	}
	return decodeRecord(rec)
}

// Reconcile resumes a Pending settlement. Final settlements are returned as
// recorded. Concurrent calls for one ref share a single resume, and a
// settlement held by another instance is returned as recorded.
func (o *Orchestrator) Reconcile(ctx context.Context, ref string) (Result, error) {
	res, err := o.Get(ctx, ref)
	if err != nil {
		return Result{}, err
	}
	if res.Outcome.Final() {
		return res, nil
	}
	// the shared resume outlives any one caller
	ch := o.resumes.DoChan(ref, func() (any, error) {
		return o.resume(context.WithoutCancel(ctx), ref)
	})
	select {
	case <-ctx.Done():
		return Result{}, swaperr.New(swaperr.Canceled, ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return Result{}, r.Err
		}
		return r.Val.(Result), nil
	}
}

func (o *Orchestrator) resume(ctx context.Context, ref string) (Result, error) {
	ctx, span := o.tracer.Start(ctx, "swap.reconcile", trace.WithAttributes(attribute.String("swap.ref", ref)))
	defer span.End()

	var held bool
	err := storage.WithRetry(ctx, o.cfg.StoreRetry, func() error {
		var err error
		held, err = o.store.AcquireSettlementLease(ctx, ref, o.leaseOwner, o.now(), o.cfg.ResumeLease)
		return err
	})
	if err != nil {
		return Result{}, storeErr(ctx, err)
	}
	if !held {
		o.logger.Info("settlement is being settled elsewhere", "ref", ref)
		return o.Get(ctx, ref)
	}
	defer o.releaseLease(ctx, ref)

	// reload under the lease; the previous holder may have finished
	res, err := o.Get(ctx, ref)
	if err != nil {
		return Result{}, err
	}
	if res.Outcome.Final() {
		return res, nil
	}
	if len(res.Outcome.Legs) == 0 {
		// Without recorded legs a resume would sign a second debit.
		o.logger.Warn("settlement has no recorded legs, needs manual review", "ref", ref)
		return res, nil
	}

	out := o.settler.Resume(ctx, res.Plan, res.Outcome)
	o.persist(ctx, out)
	o.logger.Info("settlement reconciled", "ref", ref, "status", string(out.Status), "error_kind", string(out.ErrorKind()))
	res.Outcome = out
	return res, nil
}

func (o *Orchestrator) releaseLease(ctx context.Context, ref string) {
	if err := o.store.ReleaseSettlementLease(ctx, ref, o.leaseOwner); err != nil {
		o.logger.Warn("release settlement lease failed", "ref", ref, "error", err)
	}
}

func decodeRecord(rec storage.Settlement) (Result, error) {
	var p plan.Plan
	if err := json.Unmarshal([]byte(rec.Plan), &p); err != nil {
		return Result{}, swaperr.New(swaperr.Internal, fmt.Errorf("decode plan %s: %w", rec.Ref, err))
	}
	out := settlement.Outcome{Ref: rec.Ref, Status: settlement.Status(rec.Status)}
	if rec.Outcome != "" {
		if err := json.Unmarshal([]byte(rec.Outcome), &out); err != nil {
			return Result{}, swaperr.New(swaperr.Internal, fmt.Errorf("decode outcome %s: %w", rec.Ref, err))
		}
	}
	if len(out.Legs) == 0 {
		// recorded before submission finished; nothing is known about the legs
		out.Status = settlement.Pending
	}
	return Result{
		Ref:       rec.Ref,
		Direction: p.Direction,
		Requester: p.Requester,
		Quote: rates.Quote{
			Pair:         rates.PairKey(p.Source.Name, p.Target.Name),
			Rate:         p.Rate,
			SourceAmount: p.SourceAmount,
			TargetAmount: p.TargetAmount,
		},
		Plan:      p,
		Outcome:   out,
		CreatedAt: rec.CreatedAt,
	}, nil
}

func storeErr(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrUnavailable):
		return swaperr.New(swaperr.StoreUnavailable, err)
	case ctx.Err() != nil:
		return swaperr.New(swaperr.Canceled, err)
	default:
		return swaperr.New(swaperr.Internal, err)
	}
}
