package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"ledgerswap/crypto"
	"ledgerswap/services/swapd/ledger"
	"ledgerswap/services/swapd/plan"
	"ledgerswap/services/swapd/signer"
	"ledgerswap/services/swapd/swaperr"
)

const unit = 1_000_000_000

type fixture struct {
	mem       *ledger.Memory
	sub       *Submitter
	service   crypto.Address
	requester crypto.Address
	native    crypto.Address
	gold      crypto.Address
}

var fastConfig = Config{
	MaxAttempts:    3,
	InitialBackoff: time.Millisecond,
	MaxBackoff:     5 * time.Millisecond,
	PollInterval:   2 * time.Millisecond,
	ConfirmTimeout: 150 * time.Millisecond,
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithClient(t, nil)
}

func newFixtureWithClient(t *testing.T, wrap func(*ledger.Memory) ledger.Client) *fixture {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	local, err := signer.NewLocalSigner(key)
	require.NoError(t, err)

	mem := ledger.NewMemory()
	var client ledger.Client = mem
	if wrap != nil {
		client = wrap(mem)
	}
	seq, err := signer.NewSequencer(local, client, nil)
	require.NoError(t, err)
	sub, err := New(client, seq, WithConfig(fastConfig))
	require.NoError(t, err)

	svc := local.Address()
	f := &fixture{
		mem:     mem,
		sub:     sub,
		service: svc,
		native:  crypto.AssetAddress(svc, "DEVSOL"),
		gold:    crypto.AssetAddress(svc, "GOLD"),
	}
	ctx := context.Background()
	_, err = sub.Execute(ctx, "setup",
		ledger.IssueAsset(f.native.String(), "DEVSOL", 9, svc.String()),
		ledger.IssueAsset(f.gold.String(), "GOLD", 9, svc.String()),
		ledger.CreateAccount(f.native.String(), svc.String(), crypto.HoldingAddress(svc, f.native).String(), svc.String()),
		ledger.CreateAccount(f.gold.String(), svc.String(), crypto.HoldingAddress(svc, f.gold).String(), svc.String()),
		ledger.Mint(f.gold.String(), crypto.HoldingAddress(svc, f.gold).String(), svc.String(), uint256.NewInt(1000*unit)),
	)
	require.NoError(t, err)

	reqKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	f.requester = reqKey.PubKey().Address()
	reqNative, err := mem.Fund(f.requester, f.native, uint256.NewInt(5*unit))
	require.NoError(t, err)
	require.NoError(t, mem.Approve(reqNative, svc.String()))
	_, err = sub.Execute(ctx, "open",
		ledger.CreateAccount(f.gold.String(), f.requester.String(), f.holding(f.requester, f.gold), svc.String()))
	require.NoError(t, err)
	return f
}

func (f *fixture) holding(owner, asset crypto.Address) string {
	return crypto.HoldingAddress(owner, asset).String()
}

func (f *fixture) nativeToGold(t *testing.T, nativeAmount, rate string) plan.Plan {
	t.Helper()
	amount := decimal.RequireFromString(nativeAmount)
	r := decimal.RequireFromString(rate)
	p, err := plan.Build(plan.Input{
		Direction: plan.NativeToAsset,
		Credit:    plan.CreditTransfer,
		Requester: f.requester.String(),
		Authority: f.service.String(),
		Source:    plan.AssetRef{Name: "DEVSOL", Address: f.native.String(), Decimals: 9},
		Target:    plan.AssetRef{Name: "GOLD", Address: f.gold.String(), Decimals: 9},
		Accounts: plan.Accounts{
			RequesterSource: f.holding(f.requester, f.native),
			TreasurySource:  f.holding(f.service, f.native),
			RequesterTarget: f.holding(f.requester, f.gold),
			TreasuryTarget:  f.holding(f.service, f.gold),
		},
		SourceAmount: amount,
		TargetAmount: amount.Mul(r),
		Rate:         r,
	})
	require.NoError(t, err)
	return p
}

func TestSubmitConfirmsBothLegs(t *testing.T) {
	f := newFixture(t)
	p := f.nativeToGold(t, "2", "10")

	out := f.sub.Submit(context.Background(), p)
	require.NoError(t, out.Err)
	require.Equal(t, Confirmed, out.Status)
	require.Equal(t, []int{0, 1}, out.ConfirmedLegs())
	require.Len(t, out.Signatures(), 2)
	require.Len(t, out.TxIDs(), 2)

	require.Equal(t, uint256.NewInt(3*unit), f.mem.Balance(f.holding(f.requester, f.native)))
	require.Equal(t, uint256.NewInt(20*unit), f.mem.Balance(f.holding(f.requester, f.gold)))
	require.Equal(t, uint256.NewInt(980*unit), f.mem.Balance(f.holding(f.service, f.gold)))

	// the debit is sent before the credit
	txs := f.mem.Transactions()
	debit, credit := txs[len(txs)-2], txs[len(txs)-1]
	require.Equal(t, f.native.String(), debit.Operations[0].Asset)
	require.Equal(t, f.gold.String(), credit.Operations[0].Asset)
	require.Less(t, debit.Sequence, credit.Sequence)
}

func TestSubmitDebitRejectedNothingHappens(t *testing.T) {
	f := newFixture(t)
	p := f.nativeToGold(t, "50", "10")
	before := f.mem.Submissions()

	out := f.sub.Submit(context.Background(), p)
	require.Equal(t, Failed, out.Status)
	require.True(t, swaperr.Is(out.Err, swaperr.LedgerRejected))
	var typed *swaperr.Error
	require.True(t, errors.As(out.Err, &typed))
	require.Equal(t, 0, typed.Leg)
	require.Empty(t, out.ConfirmedLegs())
	require.Equal(t, before+1, f.mem.Submissions())
	require.Equal(t, uint256.NewInt(0), f.mem.Balance(f.holding(f.requester, f.gold)))
}

func TestSubmitCreditNetworkFailureIsPartial(t *testing.T) {
	f := newFixture(t)
	p := f.nativeToGold(t, "1", "20")
	gold := f.gold.String()
	f.mem.SetSubmitHook(func(tx ledger.Transaction) error {
		if tx.Operations[0].Kind == ledger.OpTransfer && tx.Operations[0].Asset == gold {
			return ledger.ErrUnavailable
		}
		return nil
	})

	out := f.sub.Submit(context.Background(), p)
	require.Equal(t, PartiallyConfirmed, out.Status)
	require.Equal(t, []int{0}, out.ConfirmedLegs())
	require.True(t, swaperr.Is(out.Err, swaperr.PartialSettlement))
	var typed *swaperr.Error
	require.True(t, errors.As(out.Err, &typed))
	require.Equal(t, 1, typed.Leg)
	require.Equal(t, string(swaperr.LedgerUnavailable), typed.Detail)
	require.Equal(t, uint256.NewInt(4*unit), f.mem.Balance(f.holding(f.requester, f.native)))
}

func TestSubmitUnconfirmedDebitIsPending(t *testing.T) {
	f := newFixture(t)
	p := f.nativeToGold(t, "1", "20")
	f.mem.HoldConfirmations(true)
	before := f.mem.Submissions()

	out := f.sub.Submit(context.Background(), p)
	require.Equal(t, Pending, out.Status)
	require.True(t, swaperr.Is(out.Err, swaperr.ConfirmationTimeout))
	require.Empty(t, out.ConfirmedLegs())
	require.Equal(t, LegSubmitted, out.Legs[0].State)
	require.Equal(t, LegUnsubmitted, out.Legs[1].State)
	require.Equal(t, before+1, f.mem.Submissions(), "credit must not be attempted")

	// once the ledger catches up the settlement can be resumed to completion
	f.mem.Release()
	resumed := f.sub.Resume(context.Background(), p, out)
	require.Equal(t, Confirmed, resumed.Status)
	require.Equal(t, uint256.NewInt(20*unit), f.mem.Balance(f.holding(f.requester, f.gold)))
}

// stallingClient accepts transactions but reports those moving asset as
// pending forever.
type stallingClient struct {
	*ledger.Memory
	asset   string
	mu      sync.Mutex
	stalled map[string]bool
}

func (c *stallingClient) Submit(ctx context.Context, tx ledger.SignedTransaction) (string, error) {
	id, err := c.Memory.Submit(ctx, tx)
	if err == nil && tx.Operations[0].Asset == c.asset && tx.Operations[0].Kind == ledger.OpTransfer {
		c.mu.Lock()
		c.stalled[id] = true
		c.mu.Unlock()
	}
	return id, err
}

func (c *stallingClient) Status(ctx context.Context, txID string) (ledger.TxStatus, error) {
	c.mu.Lock()
	stalled := c.stalled[txID]
	c.mu.Unlock()
	if stalled {
		return ledger.TxStatus{State: ledger.TxPending}, nil
	}
	return c.Memory.Status(ctx, txID)
}

func TestSubmitUnconfirmedCreditIsPending(t *testing.T) {
	stalling := &stallingClient{stalled: map[string]bool{}}
	f := newFixtureWithClient(t, func(mem *ledger.Memory) ledger.Client {
		stalling.Memory = mem
		return stalling
	})
	stalling.asset = f.gold.String()
	p := f.nativeToGold(t, "1", "20")

	out := f.sub.Submit(context.Background(), p)
	require.Equal(t, Pending, out.Status)
	require.True(t, swaperr.Is(out.Err, swaperr.ConfirmationTimeout))
	require.Equal(t, []int{0}, out.ConfirmedLegs())
	require.Equal(t, LegSubmitted, out.Legs[1].State)
	require.NotEmpty(t, out.Legs[1].TxID)
}

func TestSubmitDeadlineBeforeDebitIsCanceled(t *testing.T) {
	f := newFixture(t)
	p := f.nativeToGold(t, "1", "20")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	before := f.mem.Submissions()

	out := f.sub.Submit(ctx, p)
	require.Equal(t, Failed, out.Status)
	require.True(t, swaperr.Is(out.Err, swaperr.Canceled))
	require.Equal(t, before, f.mem.Submissions())
}

// lossyClient drops the response of the first n submissions after the ledger
// has applied them.
type lossyClient struct {
	*ledger.Memory
	drop atomic.Int32
}

func (c *lossyClient) Submit(ctx context.Context, tx ledger.SignedTransaction) (string, error) {
	id, err := c.Memory.Submit(ctx, tx)
	if err == nil && c.drop.Add(-1) >= 0 {
		return "", ledger.ErrUnavailable
	}
	return id, err
}

func TestSubmitRetriesResendSameBytes(t *testing.T) {
	var lossy *lossyClient
	f := newFixtureWithClient(t, func(mem *ledger.Memory) ledger.Client {
		lossy = &lossyClient{Memory: mem}
		return lossy
	})
	p := f.nativeToGold(t, "1", "20")
	lossy.drop.Store(1)
	accepted := len(f.mem.Transactions())

	out := f.sub.Submit(context.Background(), p)
	require.NoError(t, out.Err)
	require.Equal(t, Confirmed, out.Status)
	// the retried debit was recognised as the same transaction
	require.Len(t, f.mem.Transactions(), accepted+2)
}

func TestExecuteReportsRejection(t *testing.T) {
	f := newFixture(t)
	_, err := f.sub.Execute(context.Background(), "dup",
		ledger.IssueAsset(f.gold.String(), "GOLD", 9, f.service.String()))
	require.True(t, swaperr.Is(err, swaperr.LedgerRejected))
	require.True(t, ledger.IsCode(err, ledger.CodeAssetExists))
}

func TestOutcomeJSONRoundTrip(t *testing.T) {
	f := newFixture(t)
	p := f.nativeToGold(t, "1", "20")
	f.mem.HoldConfirmations(true)
	out := f.sub.Submit(context.Background(), p)
	require.Equal(t, Pending, out.Status)

	raw, err := json.Marshal(out)
	require.NoError(t, err)
	var decoded Outcome
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, out.Status, decoded.Status)
	require.Equal(t, swaperr.ConfirmationTimeout, decoded.ErrorKind())
	require.NotNil(t, decoded.Legs[0].Tx)
	require.Equal(t, out.Legs[0].Tx.Signature, decoded.Legs[0].Tx.Signature)

	f.mem.Release()
	resumed := f.sub.Resume(context.Background(), p, decoded)
	require.Equal(t, Confirmed, resumed.Status)
}
