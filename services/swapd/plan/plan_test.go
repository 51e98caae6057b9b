package plan

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"ledgerswap/services/swapd/ledger"
	"ledgerswap/services/swapd/swaperr"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestScaleRoundsHalfUp(t *testing.T) {
	units, err := Scale(dec("1.0000000005"), 9)
	require.NoError(t, err)
	require.Equal(t, uint256.NewInt(1000000001), units)

	units, err = Scale(dec("1.0000000004"), 9)
	require.NoError(t, err)
	require.Equal(t, uint256.NewInt(1000000000), units)

	units, err = Scale(dec("20"), 9)
	require.NoError(t, err)
	require.Equal(t, uint256.NewInt(20000000000), units)

	_, err = Scale(dec("0.0000000004"), 9)
	require.True(t, swaperr.Is(err, swaperr.InvalidRequest))

	_, err = Scale(dec("1e80"), 0)
	require.True(t, swaperr.Is(err, swaperr.InvalidRequest))

	_, err = Scale(decimal.Zero, 9)
	require.True(t, swaperr.Is(err, swaperr.InvalidRequest))
}

func nativeToAsset() Input {
	return Input{
		Direction: NativeToAsset,
		Credit:    CreditTransfer,
		Requester: "own1requester",
		Authority: "own1service",
		Source:    AssetRef{Name: "DEVSOL", Address: "ast1native", Decimals: 9},
		Target:    AssetRef{Name: "GOLD", Address: "ast1gold", Decimals: 9},
		Accounts: Accounts{
			RequesterSource: "hld1reqnative",
			TreasurySource:  "hld1svcnative",
			RequesterTarget: "hld1reqgold",
			TreasuryTarget:  "hld1svcgold",
		},
		SourceAmount: dec("1"),
		TargetAmount: dec("20"),
		Rate:         dec("20"),
	}
}

func TestBuildNativeToAsset(t *testing.T) {
	p, err := Build(nativeToAsset())
	require.NoError(t, err)
	require.NotEmpty(t, p.Ref)
	require.Len(t, p.Legs, 2)

	debit := p.Legs[DebitLeg].Operation
	require.Equal(t, ledger.OpTransfer, debit.Kind)
	require.Equal(t, "hld1reqnative", debit.From)
	require.Equal(t, "hld1svcnative", debit.To)
	require.Equal(t, "own1requester", debit.Authority)
	require.Equal(t, "own1service", debit.Delegate)
	require.Equal(t, uint256.NewInt(1000000000), debit.Amount)

	credit := p.Legs[CreditLeg].Operation
	require.Equal(t, ledger.OpTransfer, credit.Kind)
	require.Equal(t, "hld1svcgold", credit.From)
	require.Equal(t, "hld1reqgold", credit.To)
	require.Equal(t, "own1service", credit.Authority)
	require.Equal(t, uint256.NewInt(20000000000), credit.Amount)
}

func TestBuildAssetToNativeMints(t *testing.T) {
	in := nativeToAsset()
	in.Direction = AssetToNative
	in.Credit = CreditMint
	in.Source, in.Target = in.Target, in.Source
	in.Accounts = Accounts{RequesterSource: "hld1reqgold", TreasurySource: "hld1svcgold", RequesterTarget: "hld1reqnative"}
	in.SourceAmount, in.TargetAmount, in.Rate = dec("10"), dec("0.5"), dec("0.05")

	p, err := Build(in)
	require.NoError(t, err)
	credit := p.Legs[CreditLeg].Operation
	require.Equal(t, ledger.OpMint, credit.Kind)
	require.Equal(t, "ast1native", credit.Asset)
	require.Equal(t, "hld1reqnative", credit.To)
	require.Equal(t, uint256.NewInt(500000000), credit.Amount)
	require.Equal(t, uint256.NewInt(10000000000), p.Legs[DebitLeg].Operation.Amount)
}

func TestValidateRejectsCreditFirst(t *testing.T) {
	p, err := Build(nativeToAsset())
	require.NoError(t, err)

	swapped := p
	swapped.Legs = []Leg{
		{Index: 0, Role: RoleCredit, Operation: p.Legs[CreditLeg].Operation},
		{Index: 1, Role: RoleDebit, Operation: p.Legs[DebitLeg].Operation},
	}
	require.Error(t, swapped.Validate())

	forged := p
	forged.Legs = append([]Leg{}, p.Legs...)
	op := forged.Legs[DebitLeg].Operation
	op.Delegate = ""
	forged.Legs[DebitLeg] = Leg{Index: 0, Role: RoleDebit, Operation: op}
	require.Error(t, forged.Validate())
}

func TestFingerprintIsStable(t *testing.T) {
	in := nativeToAsset()
	in.Ref = "ref-1"
	a, err := Build(in)
	require.NoError(t, err)
	b := a
	fa, err := a.Fingerprint()
	require.NoError(t, err)
	fb, err := b.Fingerprint()
	require.NoError(t, err)
	require.Equal(t, fa, fb)
	require.Len(t, fa, 64)

	b.Legs = append([]Leg{}, a.Legs...)
	op := b.Legs[CreditLeg].Operation
	op.Amount = uint256.NewInt(1)
	b.Legs[CreditLeg] = Leg{Index: 1, Role: RoleCredit, Operation: op}
	fb, err = b.Fingerprint()
	require.NoError(t, err)
	require.NotEqual(t, fa, fb)
}

func TestBuildRejectsUnresolvedAssets(t *testing.T) {
	in := nativeToAsset()
	in.Target.Address = ""
	_, err := Build(in)
	require.True(t, swaperr.Is(err, swaperr.InvalidRequest))
}
