package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Storage wraps the swapd persistence layer.
type Storage struct {
	db *gorm.DB
}

var (
	// ErrPathRequired is returned when the backing store DSN is missing.
	ErrPathRequired = errors.New("swapd storage dsn must be configured")
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrUnavailable wraps every other database failure. Callers treat it as
	// transient.
	ErrUnavailable = errors.New("storage: unavailable")
)

// Open connects to PostgreSQL or SQLite depending on dsn and migrates the
// schema.
func Open(dsn string) (*Storage, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	var (
		db  *gorm.DB
		err error
	)
	if IsPostgres(trimmed) {
		db, err = gorm.Open(postgres.Open(trimmed), cfg)
	} else {
		db, err = gorm.Open(sqlite.Open(trimmed), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if !IsPostgres(trimmed) {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		// sqlite serialises writers; one connection avoids lock errors
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db)
}

// New wraps an existing gorm handle and migrates the schema.
func New(db *gorm.DB) (*Storage, error) {
	if db == nil {
		return nil, errors.New("storage: db required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks connectivity.
func (s *Storage) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return wrap("ping", err)
	}
	return wrap("ping", sqlDB.PingContext(ctx))
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("storage: %s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// RetryPolicy bounds retries of transient store failures.
type RetryPolicy struct {
	Attempts        uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is used when callers pass a zero policy.
var DefaultRetryPolicy = RetryPolicy{Attempts: 4, InitialInterval: 50 * time.Millisecond, MaxInterval: time.Second}

// WithRetry runs fn until it succeeds, fails with anything other than
// ErrUnavailable, or the policy is exhausted.
func WithRetry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	if policy.Attempts == 0 {
		policy = DefaultRetryPolicy
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = policy.InitialInterval
	if policy.MaxInterval > 0 {
		eb.MaxInterval = policy.MaxInterval
	}
	eb.MaxElapsedTime = 0
	var b backoff.BackOff = backoff.WithMaxRetries(eb, policy.Attempts-1)
	b = backoff.WithContext(b, ctx)
	return backoff.Retry(func() error {
		err := fn()
		if err == nil || errors.Is(err, ErrUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}, b)
}

// GetAsset loads the issuance record for name.
func (s *Storage) GetAsset(ctx context.Context, name string) (Asset, error) {
	var asset Asset
	err := s.db.WithContext(ctx).First(&asset, "name = ?", name).Error
	return asset, wrap("get asset", err)
}

// ClaimAsset inserts a pending row for the name. It reports false when a row
// already exists.
func (s *Storage) ClaimAsset(ctx context.Context, asset Asset) (bool, error) {
	asset.Status = AssetPending
	if asset.ClaimedAt.IsZero() {
		asset.ClaimedAt = time.Now().UTC()
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&asset)
	if res.Error != nil {
		return false, wrap("claim asset", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// TakeoverClaim replaces a stale claim token. Only one caller holding the
// stale token can win.
func (s *Storage) TakeoverClaim(ctx context.Context, name, staleToken, token string, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Asset{}).
		Where("name = ? AND status = ? AND claim_token = ?", name, AssetPending, staleToken).
		Updates(map[string]any{"claim_token": token, "claimed_at": now.UTC()})
	if res.Error != nil {
		return false, wrap("takeover claim", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ActivateAsset marks a claimed row active. It reports false when the claim
// token no longer matches.
func (s *Storage) ActivateAsset(ctx context.Context, name, token, ledgerAddress, issueTx string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Asset{}).
		Where("name = ? AND status = ? AND claim_token = ?", name, AssetPending, token).
		Updates(map[string]any{
			"status":         AssetActive,
			"ledger_address": ledgerAddress,
			"issue_tx":       issueTx,
		})
	if res.Error != nil {
		return false, wrap("activate asset", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ReleaseClaim drops a pending claim so another caller may retry issuance.
func (s *Storage) ReleaseClaim(ctx context.Context, name, token string) error {
	err := s.db.WithContext(ctx).
		Where("name = ? AND status = ? AND claim_token = ?", name, AssetPending, token).
		Delete(&Asset{}).Error
	return wrap("release claim", err)
}

// ListAssets returns every asset in the given status, or all assets when
// status is empty.
func (s *Storage) ListAssets(ctx context.Context, status AssetStatus) ([]Asset, error) {
	var assets []Asset
	q := s.db.WithContext(ctx).Order("name")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Find(&assets).Error; err != nil {
		return nil, wrap("list assets", err)
	}
	return assets, nil
}

// GetHoldingAccount loads the (owner, asset) holding account.
func (s *Storage) GetHoldingAccount(ctx context.Context, owner, asset string) (HoldingAccount, error) {
	var acct HoldingAccount
	err := s.db.WithContext(ctx).First(&acct, "owner = ? AND asset = ?", owner, asset).Error
	return acct, wrap("get holding account", err)
}

// SaveHoldingAccount inserts the account unless one already exists for the
// (owner, asset) pair.
func (s *Storage) SaveHoldingAccount(ctx context.Context, acct HoldingAccount) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner"}, {Name: "asset"}},
		DoNothing: true,
	}).Create(&acct).Error
	return wrap("save holding account", err)
}

// CreateSettlement persists a new settlement record.
func (s *Storage) CreateSettlement(ctx context.Context, rec *Settlement) error {
	return wrap("create settlement", s.db.WithContext(ctx).Create(rec).Error)
}

// UpdateSettlementOutcome replaces the stored outcome of ref.
func (s *Storage) UpdateSettlementOutcome(ctx context.Context, ref, status, errorKind, outcome string) error {
	res := s.db.WithContext(ctx).Model(&Settlement{}).Where("ref = ?", ref).
		Updates(map[string]any{"status": status, "error_kind": errorKind, "outcome": outcome, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return wrap("update settlement", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSettlement loads the settlement ref.
func (s *Storage) GetSettlement(ctx context.Context, ref string) (Settlement, error) {
	var rec Settlement
	err := s.db.WithContext(ctx).First(&rec, "ref = ?", ref).Error
	return rec, wrap("get settlement", err)
}

// ListSettlements returns settlements in status, oldest first.
func (s *Storage) ListSettlements(ctx context.Context, status string, limit int) ([]Settlement, error) {
	var recs []Settlement
	q := s.db.WithContext(ctx).Where("status = ?", status).Order("created_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, wrap("list settlements", err)
	}
	return recs, nil
}

// AcquireSettlementLease hands ref to owner until now+ttl. It reports false
// while any unexpired lease is held, including one held by owner itself.
func (s *Storage) AcquireSettlementLease(ctx context.Context, ref, owner string, now time.Time, ttl time.Duration) (bool, error) {
	now = now.UTC()
	res := s.db.WithContext(ctx).Model(&Settlement{}).
		Where("ref = ? AND (lease_owner = '' OR lease_owner IS NULL OR lease_until < ?)", ref, now).
		Updates(map[string]any{"lease_owner": owner, "lease_until": now.Add(ttl)})
	if res.Error != nil {
		return false, wrap("acquire settlement lease", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ReleaseSettlementLease drops the lease on ref if owner still holds it.
func (s *Storage) ReleaseSettlementLease(ctx context.Context, ref, owner string) error {
	err := s.db.WithContext(ctx).Model(&Settlement{}).
		Where("ref = ? AND lease_owner = ?", ref, owner).
		Updates(map[string]any{"lease_owner": "", "lease_until": time.Time{}}).Error
	return wrap("release settlement lease", err)
}

// ClaimIdempotencyKey records key as in flight. When the key already exists
// the stored record is returned with claimed=false.
func (s *Storage) ClaimIdempotencyKey(ctx context.Context, key, method, path, bodyHash string) (IdempotencyKey, bool, error) {
	rec := IdempotencyKey{Key: key, Method: method, Path: path, BodyHash: bodyHash, State: IdempotencyInFlight}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
	if res.Error != nil {
		return IdempotencyKey{}, false, wrap("claim idempotency key", res.Error)
	}
	if res.RowsAffected == 1 {
		return rec, true, nil
	}
	var existing IdempotencyKey
	if err := s.db.WithContext(ctx).First(&existing, "key = ?", key).Error; err != nil {
		return IdempotencyKey{}, false, wrap("load idempotency key", err)
	}
	return existing, false, nil
}

// CompleteIdempotencyKey stores the final response for key.
func (s *Storage) CompleteIdempotencyKey(ctx context.Context, key string, status int, response string) error {
	err := s.db.WithContext(ctx).Model(&IdempotencyKey{}).Where("key = ?", key).
		Updates(map[string]any{"state": IdempotencyCompleted, "status": status, "response": response}).Error
	return wrap("complete idempotency key", err)
}

// ReleaseIdempotencyKey forgets an in-flight key so the request can be retried.
func (s *Storage) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	err := s.db.WithContext(ctx).Where("key = ? AND state = ?", key, IdempotencyInFlight).Delete(&IdempotencyKey{}).Error
	return wrap("release idempotency key", err)
}

func pairKey(base, quote string) string {
	return strings.ToUpper(strings.TrimSpace(base)) + "/" + strings.ToUpper(strings.TrimSpace(quote))
}

// RecordSample persists a raw oracle quote.
func (s *Storage) RecordSample(ctx context.Context, base, quote, source string, rate decimal.Decimal, observed, recorded time.Time) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if !rate.IsPositive() {
		return fmt.Errorf("quote missing rate")
	}
	rec := OracleSample{
		Pair:       pairKey(base, quote),
		Source:     strings.ToLower(source),
		Rate:       rate.String(),
		ObservedAt: observed.UTC(),
		RecordedAt: recorded.UTC(),
	}
	return wrap("insert sample", s.db.WithContext(ctx).Create(&rec).Error)
}

// RecordSnapshot stores the aggregated median snapshot.
func (s *Storage) RecordSnapshot(ctx context.Context, base, quote, median string, feeders []string, proofID string, ts time.Time) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	rec := OracleSnapshot{
		Pair:       pairKey(base, quote),
		MedianRate: strings.TrimSpace(median),
		Feeders:    strings.Join(feeders, ","),
		ProofID:    proofID,
		ObservedAt: ts.UTC(),
		RecordedAt: time.Now().UTC(),
	}
	return wrap("insert snapshot", s.db.WithContext(ctx).Create(&rec).Error)
}

// Snapshot captures the latest oracle aggregate.
type Snapshot struct {
	MedianRate string
	Feeders    []string
	ProofID    string
	ObservedAt time.Time
	RecordedAt time.Time
}

// LatestSnapshot returns the most recent aggregated median for the pair.
func (s *Storage) LatestSnapshot(ctx context.Context, base, quote string) (Snapshot, error) {
	result := Snapshot{}
	if s == nil {
		return result, fmt.Errorf("storage not configured")
	}
	var rec OracleSnapshot
	err := s.db.WithContext(ctx).Where("pair = ?", pairKey(base, quote)).Order("id DESC").First(&rec).Error
	if err != nil {
		return result, wrap("query snapshot", err)
	}
	result.MedianRate = rec.MedianRate
	result.ProofID = rec.ProofID
	result.ObservedAt = rec.ObservedAt
	result.RecordedAt = rec.RecordedAt
	if rec.Feeders != "" {
		result.Feeders = strings.Split(rec.Feeders, ",")
	}
	return result, nil
}
