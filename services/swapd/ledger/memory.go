package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"ledgerswap/crypto"
)

// Memory is an in-process ledger used for development and tests. It verifies
// signatures, sequences, ownership, delegation and mint authority the way a
// real node would.
type Memory struct {
	mu        sync.Mutex
	assets    map[string]*memAsset
	accounts  map[string]*memAccount
	sequences map[string]uint64
	txs       map[string]*memTx
	order     []string

	hold       bool
	submitHook func(Transaction) error

	submissions int
	issuances   int
	creations   int
}

type memAsset struct {
	name      string
	decimals  uint8
	authority string
	supply    *uint256.Int
}

type memAccount struct {
	owner     string
	asset     string
	balance   *uint256.Int
	delegates map[string]bool
}

type memTx struct {
	tx     SignedTransaction
	status TxStatus
}

// NewMemory constructs an empty ledger.
func NewMemory() *Memory {
	return &Memory{
		assets:    make(map[string]*memAsset),
		accounts:  make(map[string]*memAccount),
		sequences: make(map[string]uint64),
		txs:       make(map[string]*memTx),
	}
}

// NextSequence implements Client.
func (m *Memory) NextSequence(ctx context.Context, authority string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sequences[authority], nil
}

// Submit implements Client.
func (m *Memory) Submit(ctx context.Context, tx SignedTransaction) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	id, err := tx.ID()
	if err != nil {
		return "", reject(CodeInvalid, "%v", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submissions++
	if hook := m.submitHook; hook != nil {
		if err := hook(tx.Transaction); err != nil {
			return "", err
		}
	}
	if _, ok := m.txs[id]; ok {
		return id, nil
	}
	if err := m.verify(tx); err != nil {
		return "", err
	}
	state, err := m.simulate(tx.Transaction)
	if err != nil {
		return "", err
	}
	m.sequences[tx.Payer] = tx.Sequence + 1
	record := &memTx{tx: tx, status: TxStatus{State: TxPending}}
	m.txs[id] = record
	m.order = append(m.order, id)
	if !m.hold {
		m.commit(record, state)
	}
	return id, nil
}

// Status implements Client.
func (m *Memory) Status(ctx context.Context, txID string) (TxStatus, error) {
	if err := ctx.Err(); err != nil {
		return TxStatus{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.txs[txID]
	if !ok {
		return TxStatus{State: TxUnknown}, nil
	}
	return record.status, nil
}

// AccountExists implements Client.
func (m *Memory) AccountExists(ctx context.Context, address string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.accounts[address]
	return ok, nil
}

// Balance returns the balance of a holding account, or nil when it is not open.
func (m *Memory) Balance(address string) *uint256.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[address]
	if !ok {
		return nil
	}
	return new(uint256.Int).Set(acct.balance)
}

// Fund credits amount to the (owner, asset) holding account, opening it when
// needed. It stands in for deposits made outside swapd.
func (m *Memory) Fund(owner, asset crypto.Address, amount *uint256.Int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assets[asset.String()]; !ok {
		return "", reject(CodeUnknownAsset, "asset %s not issued", asset)
	}
	address := crypto.HoldingAddress(owner, asset).String()
	acct, ok := m.accounts[address]
	if !ok {
		acct = &memAccount{owner: owner.String(), asset: asset.String(), balance: new(uint256.Int), delegates: map[string]bool{}}
		m.accounts[address] = acct
	}
	acct.balance = new(uint256.Int).Add(acct.balance, amount)
	return address, nil
}

// Approve lets delegate move funds out of the holding account at address.
func (m *Memory) Approve(address, delegate string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[address]
	if !ok {
		return reject(CodeUnknownAccount, "account %s not open", address)
	}
	acct.delegates[delegate] = true
	return nil
}

// HoldConfirmations keeps accepted transactions pending until Release.
func (m *Memory) HoldConfirmations(hold bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hold = hold
}

// Release applies every pending transaction in acceptance order.
func (m *Memory) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hold = false
	for _, id := range m.order {
		record := m.txs[id]
		if record.status.State != TxPending {
			continue
		}
		state, err := m.simulate(record.tx.Transaction)
		if err != nil {
			if rejected, ok := AsRejected(err); ok {
				record.status = TxStatus{State: TxFailed, Code: rejected.Code, Reason: rejected.Reason}
			} else {
				record.status = TxStatus{State: TxFailed, Code: CodeInvalid, Reason: err.Error()}
			}
			continue
		}
		m.commit(record, state)
	}
}

// SetSubmitHook installs fn to run before every submission. A non-nil error
// is returned to the submitter without touching ledger state. fn runs under
// the ledger lock and must not call back into m.
func (m *Memory) SetSubmitHook(fn func(Transaction) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitHook = fn
}

// Submissions counts Submit calls, including failed ones.
func (m *Memory) Submissions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submissions
}

// Issuances counts confirmed asset issuances.
func (m *Memory) Issuances() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.issuances
}

// AccountCreations counts confirmed create_account operations.
func (m *Memory) AccountCreations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creations
}

// Transactions returns the accepted transactions in order.
func (m *Memory) Transactions() []SignedTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SignedTransaction, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.txs[id].tx)
	}
	return out
}

func (m *Memory) verify(tx SignedTransaction) error {
	if len(tx.Operations) == 0 {
		return reject(CodeInvalid, "transaction has no operations")
	}
	digest, err := tx.Digest()
	if err != nil {
		return reject(CodeInvalid, "%v", err)
	}
	signer, err := crypto.RecoverSigner(digest, tx.Signature)
	if err != nil {
		return reject(CodeBadSignature, "%v", err)
	}
	if signer.String() != tx.Payer {
		return reject(CodeBadSignature, "signature by %s does not match payer %s", signer, tx.Payer)
	}
	if expected := m.sequences[tx.Payer]; tx.Sequence != expected {
		return reject(CodeBadSequence, "sequence %d, expected %d", tx.Sequence, expected)
	}
	return nil
}

type memState struct {
	assets   map[string]*memAsset
	accounts map[string]*memAccount
	issued   int
	created  int
}

func (m *Memory) simulate(tx Transaction) (*memState, error) {
	state := &memState{
		assets:   make(map[string]*memAsset, len(m.assets)),
		accounts: make(map[string]*memAccount, len(m.accounts)),
	}
	for k, v := range m.assets {
		cp := *v
		cp.supply = new(uint256.Int).Set(v.supply)
		state.assets[k] = &cp
	}
	for k, v := range m.accounts {
		cp := *v
		cp.balance = new(uint256.Int).Set(v.balance)
		cp.delegates = make(map[string]bool, len(v.delegates))
		for d := range v.delegates {
			cp.delegates[d] = true
		}
		state.accounts[k] = &cp
	}
	for i, op := range tx.Operations {
		if err := state.apply(tx.Payer, op); err != nil {
			if rejected, ok := AsRejected(err); ok {
				rejected.Reason = fmt.Sprintf("operation %d (%s): %s", i, op.Kind, rejected.Reason)
			}
			return nil, err
		}
	}
	return state, nil
}

func (s *memState) apply(payer string, op Operation) error {
	switch op.Kind {
	case OpIssueAsset:
		if _, ok := s.assets[op.Asset]; ok {
			return reject(CodeAssetExists, "asset %s already issued", op.Asset)
		}
		if op.Authority != payer {
			return reject(CodeUnauthorized, "issuer %s must sign", op.Authority)
		}
		s.assets[op.Asset] = &memAsset{name: op.Name, decimals: op.Decimals, authority: op.Authority, supply: new(uint256.Int)}
		s.issued++
	case OpCreateAccount:
		if _, ok := s.assets[op.Asset]; !ok {
			return reject(CodeUnknownAsset, "asset %s not issued", op.Asset)
		}
		if _, ok := s.accounts[op.To]; ok {
			return reject(CodeAccountExists, "account %s already open", op.To)
		}
		owner, err := crypto.DecodeAddress(op.Owner)
		if err != nil {
			return reject(CodeInvalid, "owner: %v", err)
		}
		asset, err := crypto.DecodeAddress(op.Asset)
		if err != nil {
			return reject(CodeInvalid, "asset: %v", err)
		}
		if crypto.HoldingAddress(owner, asset).String() != op.To {
			return reject(CodeInvalid, "account %s is not the holding address of %s", op.To, op.Owner)
		}
		s.accounts[op.To] = &memAccount{owner: op.Owner, asset: op.Asset, balance: new(uint256.Int), delegates: map[string]bool{}}
		s.created++
	case OpMint:
		asset, ok := s.assets[op.Asset]
		if !ok {
			return reject(CodeUnknownAsset, "asset %s not issued", op.Asset)
		}
		if op.Authority != asset.authority || payer != asset.authority {
			return reject(CodeUnauthorized, "%s is not the mint authority of %s", payer, op.Asset)
		}
		to, err := s.account(op.To, op.Asset)
		if err != nil {
			return err
		}
		if op.Amount == nil || op.Amount.IsZero() {
			return reject(CodeInvalid, "mint amount must be positive")
		}
		supply, overflow := new(uint256.Int).AddOverflow(asset.supply, op.Amount)
		if overflow {
			return reject(CodeInvalid, "supply overflow")
		}
		asset.supply = supply
		to.balance = new(uint256.Int).Add(to.balance, op.Amount)
	case OpTransfer:
		from, err := s.account(op.From, op.Asset)
		if err != nil {
			return err
		}
		to, err := s.account(op.To, op.Asset)
		if err != nil {
			return err
		}
		if from.owner != op.Authority {
			return reject(CodeUnauthorized, "%s does not own %s", op.Authority, op.From)
		}
		switch {
		case op.Delegate == "" && payer != op.Authority:
			return reject(CodeUnauthorized, "%s cannot sign for %s", payer, op.Authority)
		case op.Delegate != "" && (op.Delegate != payer || !from.delegates[op.Delegate]):
			return reject(CodeUnauthorized, "%s is not an approved delegate of %s", payer, op.From)
		}
		if op.Amount == nil || op.Amount.IsZero() {
			return reject(CodeInvalid, "transfer amount must be positive")
		}
		if from.balance.Lt(op.Amount) {
			return reject(CodeInsufficientFunds, "balance %s below %s", from.balance.Dec(), op.Amount.Dec())
		}
		from.balance = new(uint256.Int).Sub(from.balance, op.Amount)
		to.balance = new(uint256.Int).Add(to.balance, op.Amount)
	default:
		return reject(CodeInvalid, "unknown operation %q", op.Kind)
	}
	return nil
}

func (s *memState) account(address, asset string) (*memAccount, error) {
	acct, ok := s.accounts[address]
	if !ok {
		return nil, reject(CodeUnknownAccount, "account %s not open", address)
	}
	if acct.asset != asset {
		return nil, reject(CodeInvalid, "account %s holds %s, not %s", address, acct.asset, asset)
	}
	return acct, nil
}

func (m *Memory) commit(record *memTx, state *memState) {
	m.assets = state.assets
	m.accounts = state.accounts
	m.issuances += state.issued
	m.creations += state.created
	record.status = TxStatus{State: TxConfirmed}
}

var _ Client = (*Memory)(nil)
