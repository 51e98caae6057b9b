package ledger

import (
	"context"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"ledgerswap/crypto"
)

type testSigner struct {
	key  *crypto.PrivateKey
	addr crypto.Address
	seq  uint64
}

func newTestSigner(t *testing.T) *testSigner {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return &testSigner{key: key, addr: key.PubKey().Address()}
}

func (s *testSigner) sign(t *testing.T, ops ...Operation) SignedTransaction {
	t.Helper()
	tx := Transaction{Payer: s.addr.String(), Sequence: s.seq, Operations: ops}
	digest, err := tx.Digest()
	require.NoError(t, err)
	sig, err := s.key.Sign(digest)
	require.NoError(t, err)
	s.seq++
	return SignedTransaction{Transaction: tx, Signature: sig}
}

func issue(t *testing.T, mem *Memory, s *testSigner, name string) crypto.Address {
	t.Helper()
	asset := crypto.AssetAddress(s.addr, name)
	_, err := mem.Submit(context.Background(), s.sign(t, IssueAsset(asset.String(), name, 9, s.addr.String())))
	require.NoError(t, err)
	return asset
}

func TestMemoryIssueMintTransfer(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	svc := newTestSigner(t)
	user := newTestSigner(t)

	gold := issue(t, mem, svc, "GOLD")
	treasury := crypto.HoldingAddress(svc.addr, gold).String()
	userAcct := crypto.HoldingAddress(user.addr, gold).String()

	id, err := mem.Submit(ctx, svc.sign(t,
		CreateAccount(gold.String(), svc.addr.String(), treasury, svc.addr.String()),
		CreateAccount(gold.String(), user.addr.String(), userAcct, svc.addr.String()),
		Mint(gold.String(), treasury, svc.addr.String(), uint256.NewInt(100)),
		Transfer(gold.String(), treasury, userAcct, svc.addr.String(), "", uint256.NewInt(40)),
	))
	require.NoError(t, err)

	status, err := mem.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, TxConfirmed, status.State)
	require.Equal(t, uint64(60), mem.Balance(treasury).Uint64())
	require.Equal(t, uint64(40), mem.Balance(userAcct).Uint64())
	require.Equal(t, 1, mem.Issuances())
	require.Equal(t, 2, mem.AccountCreations())
}

func TestMemoryRejections(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	svc := newTestSigner(t)
	user := newTestSigner(t)
	gold := issue(t, mem, svc, "GOLD")

	_, err := mem.Submit(ctx, svc.sign(t, IssueAsset(gold.String(), "GOLD", 9, svc.addr.String())))
	require.True(t, IsCode(err, CodeAssetExists))
	svc.seq--

	userAcct, err := mem.Fund(user.addr, gold, uint256.NewInt(5))
	require.NoError(t, err)
	treasury := crypto.HoldingAddress(svc.addr, gold).String()
	_, err = mem.Submit(ctx, svc.sign(t, CreateAccount(gold.String(), svc.addr.String(), treasury, svc.addr.String())))
	require.NoError(t, err)

	// service moving user funds without approval
	_, err = mem.Submit(ctx, svc.sign(t, Transfer(gold.String(), userAcct, treasury, user.addr.String(), svc.addr.String(), uint256.NewInt(1))))
	require.True(t, IsCode(err, CodeUnauthorized))
	svc.seq--

	require.NoError(t, mem.Approve(userAcct, svc.addr.String()))
	_, err = mem.Submit(ctx, svc.sign(t, Transfer(gold.String(), userAcct, treasury, user.addr.String(), svc.addr.String(), uint256.NewInt(6))))
	require.True(t, IsCode(err, CodeInsufficientFunds))
	svc.seq--

	_, err = mem.Submit(ctx, svc.sign(t, Transfer(gold.String(), userAcct, treasury, user.addr.String(), svc.addr.String(), uint256.NewInt(5))))
	require.NoError(t, err)
	require.True(t, mem.Balance(userAcct).IsZero())

	// user cannot mint
	_, err = mem.Submit(ctx, user.sign(t, Mint(gold.String(), userAcct, user.addr.String(), uint256.NewInt(1))))
	require.True(t, IsCode(err, CodeUnauthorized))
}

func TestMemorySequenceAndSignatureChecks(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	svc := newTestSigner(t)
	other := newTestSigner(t)

	svc.seq = 3
	_, err := mem.Submit(ctx, svc.sign(t, IssueAsset(crypto.AssetAddress(svc.addr, "A").String(), "A", 9, svc.addr.String())))
	require.True(t, IsCode(err, CodeBadSequence))

	svc.seq = 0
	tx := svc.sign(t, IssueAsset(crypto.AssetAddress(svc.addr, "A").String(), "A", 9, svc.addr.String()))
	forged := tx
	forged.Payer = other.addr.String()
	_, err = mem.Submit(ctx, forged)
	require.True(t, IsCode(err, CodeBadSignature))

	id, err := mem.Submit(ctx, tx)
	require.NoError(t, err)
	again, err := mem.Submit(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, id, again)
	require.Equal(t, 1, mem.Issuances())

	next, err := mem.NextSequence(ctx, svc.addr.String())
	require.NoError(t, err)
	require.Equal(t, uint64(1), next)
}

func TestMemoryHoldAndRelease(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	svc := newTestSigner(t)
	mem.HoldConfirmations(true)

	id, err := mem.Submit(ctx, svc.sign(t, IssueAsset(crypto.AssetAddress(svc.addr, "A").String(), "A", 9, svc.addr.String())))
	require.NoError(t, err)
	status, err := mem.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, TxPending, status.State)
	require.Equal(t, 0, mem.Issuances())

	mem.Release()
	status, err = mem.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, TxConfirmed, status.State)
	require.Equal(t, 1, mem.Issuances())

	unknown, err := mem.Status(ctx, "0xdeadbeef")
	require.NoError(t, err)
	require.Equal(t, TxUnknown, unknown.State)
}

func TestOperationJSONRoundTrip(t *testing.T) {
	amount, err := uint256.FromDecimal("1000000000000000000000")
	require.NoError(t, err)
	op := Transfer("ast1", "hld1", "hld2", "own1", "own2", amount)
	raw, err := op.MarshalJSON()
	require.NoError(t, err)
	require.Contains(t, string(raw), `"amount":"1000000000000000000000"`)

	var decoded Operation
	require.NoError(t, decoded.UnmarshalJSON(raw))
	require.Equal(t, op.From, decoded.From)
	require.Equal(t, 0, op.Amount.Cmp(decoded.Amount))
}
