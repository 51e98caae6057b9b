// Package plan assembles the ordered ledger operations of a two-leg swap.
package plan

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"lukechampine.com/blake3"

	"ledgerswap/services/swapd/ledger"
	"ledgerswap/services/swapd/swaperr"
)

// Direction names which side of the swap is the native asset.
type Direction string

const (
	NativeToAsset Direction = "native-to-asset"
	AssetToNative Direction = "asset-to-native"
)

// CreditKind says how the requester is paid.
type CreditKind string

const (
	// CreditTransfer pays out of the service's treasury holding.
	CreditTransfer CreditKind = "transfer"
	// CreditMint mints new units under the service's mint authority.
	CreditMint CreditKind = "mint"
)

// Role identifies a leg's purpose.
type Role string

const (
	RoleDebit  Role = "debit"
	RoleCredit Role = "credit"
)

const (
	DebitLeg  = 0
	CreditLeg = 1
)

// AssetRef pins an asset by name, ledger address and decimal scale.
type AssetRef struct {
	Name     string `json:"name"`
	Address  string `json:"address"`
	Decimals uint8  `json:"decimals"`
}

// Accounts are the holding accounts a plan moves funds between.
type Accounts struct {
	RequesterSource string
	TreasurySource  string
	RequesterTarget string
	// TreasuryTarget is only needed when the credit is a transfer.
	TreasuryTarget string
}

// Input collects everything Build needs.
type Input struct {
	Ref          string
	Direction    Direction
	Credit       CreditKind
	Requester    string
	Authority    string
	Source       AssetRef
	Target       AssetRef
	Accounts     Accounts
	SourceAmount decimal.Decimal
	TargetAmount decimal.Decimal
	Rate         decimal.Decimal
	Now          time.Time
}

// Leg is one ledger operation of the plan, submitted as its own transaction.
type Leg struct {
	Index     int              `json:"index"`
	Role      Role             `json:"role"`
	Operation ledger.Operation `json:"operation"`
}

// Plan is the immutable settlement plan of a swap.
type Plan struct {
	Ref          string          `json:"ref"`
	Direction    Direction       `json:"direction"`
	Requester    string          `json:"requester"`
	Authority    string          `json:"authority"`
	Source       AssetRef        `json:"source"`
	Target       AssetRef        `json:"target"`
	SourceAmount decimal.Decimal `json:"sourceAmount"`
	TargetAmount decimal.Decimal `json:"targetAmount"`
	Rate         decimal.Decimal `json:"rate"`
	Legs         []Leg           `json:"legs"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Scale converts a logical amount into base units, rounding half up. The
// result must be positive and fit in 256 bits.
func Scale(amount decimal.Decimal, decimals uint8) (*uint256.Int, error) {
	if !amount.IsPositive() {
		return nil, swaperr.Newf(swaperr.InvalidRequest, "amount must be positive, got %s", amount)
	}
	scaled := amount.Shift(int32(decimals)).Round(0)
	if !scaled.IsPositive() {
		return nil, swaperr.Newf(swaperr.InvalidRequest, "amount %s rounds to zero at %d decimals", amount, decimals)
	}
	units, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, swaperr.Newf(swaperr.InvalidRequest, "amount %s overflows at %d decimals", amount, decimals)
	}
	return units, nil
}

// Build lays out the debit leg followed by the credit leg.
func Build(in Input) (Plan, error) {
	if in.Requester == "" || in.Authority == "" {
		return Plan{}, swaperr.Newf(swaperr.InvalidRequest, "requester and authority required")
	}
	if in.Source.Address == "" || in.Target.Address == "" {
		return Plan{}, swaperr.Newf(swaperr.InvalidRequest, "source and target assets must be resolved")
	}
	debitUnits, err := Scale(in.SourceAmount, in.Source.Decimals)
	if err != nil {
		return Plan{}, err
	}
	creditUnits, err := Scale(in.TargetAmount, in.Target.Decimals)
	if err != nil {
		return Plan{}, err
	}
	ref := in.Ref
	if ref == "" {
		ref = uuid.NewString()
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	debit := ledger.Transfer(in.Source.Address, in.Accounts.RequesterSource, in.Accounts.TreasurySource, in.Requester, in.Authority, debitUnits)
	var credit ledger.Operation
	switch in.Credit {
	case CreditTransfer:
		credit = ledger.Transfer(in.Target.Address, in.Accounts.TreasuryTarget, in.Accounts.RequesterTarget, in.Authority, "", creditUnits)
	case CreditMint:
		credit = ledger.Mint(in.Target.Address, in.Accounts.RequesterTarget, in.Authority, creditUnits)
	default:
		return Plan{}, swaperr.Newf(swaperr.InvalidRequest, "unknown credit kind %q", in.Credit)
	}

	p := Plan{
		Ref:          ref,
		Direction:    in.Direction,
		Requester:    in.Requester,
		Authority:    in.Authority,
		Source:       in.Source,
		Target:       in.Target,
		SourceAmount: in.SourceAmount,
		TargetAmount: in.TargetAmount,
		Rate:         in.Rate,
		Legs: []Leg{
			{Index: DebitLeg, Role: RoleDebit, Operation: debit},
			{Index: CreditLeg, Role: RoleCredit, Operation: credit},
		},
		CreatedAt: now.UTC(),
	}
	if err := p.Validate(); err != nil {
		return Plan{}, err
	}
	return p, nil
}

// Validate checks leg ordering and custody: the requester-authorised debit
// comes first and the service-signed credit second.
func (p Plan) Validate() error {
	if len(p.Legs) != 2 {
		return swaperr.Newf(swaperr.Internal, "plan %s has %d legs", p.Ref, len(p.Legs))
	}
	for i, leg := range p.Legs {
		if leg.Index != i {
			return swaperr.Newf(swaperr.Internal, "plan %s leg %d out of order", p.Ref, i)
		}
		if leg.Operation.Amount == nil || leg.Operation.Amount.IsZero() {
			return swaperr.Newf(swaperr.Internal, "plan %s leg %d has no amount", p.Ref, i)
		}
	}
	debit, credit := p.Legs[DebitLeg], p.Legs[CreditLeg]
	if debit.Role != RoleDebit || debit.Operation.Kind != ledger.OpTransfer {
		return swaperr.Newf(swaperr.Internal, "plan %s must start with a debit transfer", p.Ref)
	}
	if debit.Operation.Authority != p.Requester || debit.Operation.Delegate != p.Authority {
		return swaperr.Newf(swaperr.Internal, "plan %s debit must move requester funds as delegate", p.Ref)
	}
	if debit.Operation.Asset != p.Source.Address {
		return swaperr.Newf(swaperr.Internal, "plan %s debit asset mismatch", p.Ref)
	}
	if credit.Role != RoleCredit || credit.Operation.Authority != p.Authority {
		return swaperr.Newf(swaperr.Internal, "plan %s credit must be service-signed", p.Ref)
	}
	if credit.Operation.Asset != p.Target.Address {
		return swaperr.Newf(swaperr.Internal, "plan %s credit asset mismatch", p.Ref)
	}
	switch credit.Operation.Kind {
	case ledger.OpTransfer, ledger.OpMint:
	default:
		return swaperr.Newf(swaperr.Internal, "plan %s credit kind %s", p.Ref, credit.Operation.Kind)
	}
	return nil
}

// Fingerprint is the BLAKE3-256 digest of the plan's JSON encoding.
func (p Plan) Fingerprint() (string, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("plan: encode: %w", err)
	}
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}
