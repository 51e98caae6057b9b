package storage

import (
	"time"

	"gorm.io/gorm"
)

// AssetStatus tracks the issuance claim lifecycle.
type AssetStatus string

const (
	// AssetPending marks a claimed name whose issuance is in flight.
	AssetPending AssetStatus = "pending"
	// AssetActive marks an issued asset. Active rows never change again.
	AssetActive AssetStatus = "active"
)

// Asset is the issuance record of a named asset. At most one row exists per
// name.
type Asset struct {
	Name          string      `gorm:"primaryKey;size:64"`
	LedgerAddress string      `gorm:"size:96"`
	DecimalScale  uint8       `gorm:"not null"`
	Status        AssetStatus `gorm:"size:16;index;not null"`
	ClaimToken    string      `gorm:"size:36"`
	ClaimedAt     time.Time
	IssueTx       string `gorm:"size:80"`
	InitialSupply string `gorm:"size:80"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HoldingAccount records an opened (owner, asset) holding account.
type HoldingAccount struct {
	ID        uint   `gorm:"primaryKey"`
	Owner     string `gorm:"size:96;not null;uniqueIndex:idx_holding_owner_asset"`
	Asset     string `gorm:"size:96;not null;uniqueIndex:idx_holding_owner_asset"`
	Address   string `gorm:"size:96;not null"`
	CreateTx  string `gorm:"size:80"`
	CreatedAt time.Time
}

// Settlement persists a submitted plan and its latest outcome.
type Settlement struct {
	Ref          string `gorm:"primaryKey;size:36"`
	Direction    string `gorm:"size:32;not null"`
	Requester    string `gorm:"size:96;index"`
	SourceAsset  string `gorm:"size:64"`
	TargetAsset  string `gorm:"size:64"`
	SourceAmount string `gorm:"size:80"`
	TargetAmount string `gorm:"size:80"`
	Rate         string `gorm:"size:80"`
	Fingerprint  string `gorm:"size:64"`
	Plan         string `gorm:"type:text"`
	Outcome      string `gorm:"type:text"`
	Status       string `gorm:"size:24;index"`
	ErrorKind    string `gorm:"size:32"`
	// LeaseOwner holds the settlement while a resume is running on some
	// instance. The lease lapses at LeaseUntil.
	LeaseOwner string `gorm:"size:36"`
	LeaseUntil time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// IdempotencyState distinguishes in-flight keys from completed ones.
type IdempotencyState string

const (
	IdempotencyInFlight  IdempotencyState = "in_flight"
	IdempotencyCompleted IdempotencyState = "completed"
)

// IdempotencyKey stores the response of an idempotent HTTP request.
type IdempotencyKey struct {
	Key       string           `gorm:"primaryKey;size:256"`
	Method    string           `gorm:"size:16"`
	Path      string           `gorm:"size:256"`
	BodyHash  string           `gorm:"size:64"`
	State     IdempotencyState `gorm:"size:16"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OracleSample is a raw price observation from one source.
type OracleSample struct {
	ID         uint      `gorm:"primaryKey"`
	Pair       string    `gorm:"size:64;index:idx_oracle_samples_pair_ts"`
	Source     string    `gorm:"size:64"`
	Rate       string    `gorm:"size:80"`
	ObservedAt time.Time `gorm:"index:idx_oracle_samples_pair_ts"`
	RecordedAt time.Time
}

// OracleSnapshot is an aggregated median across sources.
type OracleSnapshot struct {
	ID         uint      `gorm:"primaryKey"`
	Pair       string    `gorm:"size:64;index:idx_oracle_snapshots_pair_ts"`
	MedianRate string    `gorm:"size:80"`
	Feeders    string    `gorm:"size:256"`
	ProofID    string    `gorm:"size:80"`
	ObservedAt time.Time `gorm:"index:idx_oracle_snapshots_pair_ts"`
	RecordedAt time.Time
}

// AutoMigrate creates or updates every table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Asset{},
		&HoldingAccount{},
		&Settlement{},
		&IdempotencyKey{},
		&OracleSample{},
		&OracleSnapshot{},
	)
}
