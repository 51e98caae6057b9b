package ledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"ledgerswap/crypto"
)

// OpKind enumerates the ledger operations swapd emits.
type OpKind string

const (
	OpTransfer      OpKind = "transfer"
	OpMint          OpKind = "mint"
	OpCreateAccount OpKind = "create_account"
	OpIssueAsset    OpKind = "issue_asset"
)

// Operation is a single ledger instruction. Amounts are integer base units.
type Operation struct {
	Kind      OpKind
	Asset     string
	From      string
	To        string
	Owner     string
	Authority string
	Delegate  string
	Name      string
	Decimals  uint8
	Amount    *uint256.Int
}

type wireOperation struct {
	Kind      OpKind `json:"kind"`
	Asset     string `json:"asset,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Owner     string `json:"owner,omitempty"`
	Authority string `json:"authority,omitempty"`
	Delegate  string `json:"delegate,omitempty"`
	Name      string `json:"name,omitempty"`
	Decimals  uint8  `json:"decimals,omitempty"`
	Amount    string `json:"amount,omitempty"`
}

// MarshalJSON renders amounts as decimal strings.
func (op Operation) MarshalJSON() ([]byte, error) {
	wire := wireOperation{
		Kind:      op.Kind,
		Asset:     op.Asset,
		From:      op.From,
		To:        op.To,
		Owner:     op.Owner,
		Authority: op.Authority,
		Delegate:  op.Delegate,
		Name:      op.Name,
		Decimals:  op.Decimals,
	}
	if op.Amount != nil {
		wire.Amount = op.Amount.Dec()
	}
	return json.Marshal(wire)
}

// UnmarshalJSON parses the decimal string amount form.
func (op *Operation) UnmarshalJSON(data []byte) error {
	var wire wireOperation
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*op = Operation{
		Kind:      wire.Kind,
		Asset:     wire.Asset,
		From:      wire.From,
		To:        wire.To,
		Owner:     wire.Owner,
		Authority: wire.Authority,
		Delegate:  wire.Delegate,
		Name:      wire.Name,
		Decimals:  wire.Decimals,
	}
	if wire.Amount != "" {
		amount, err := uint256.FromDecimal(wire.Amount)
		if err != nil {
			return fmt.Errorf("ledger: parse amount %q: %w", wire.Amount, err)
		}
		op.Amount = amount
	}
	return nil
}

// Transfer moves amount of asset between two holding accounts. The authority
// owns the source account; delegate, when set, is the party actually signing.
func Transfer(asset, from, to, authority, delegate string, amount *uint256.Int) Operation {
	return Operation{Kind: OpTransfer, Asset: asset, From: from, To: to, Authority: authority, Delegate: delegate, Amount: amount}
}

// Mint creates amount of asset in the to account under the mint authority.
func Mint(asset, to, authority string, amount *uint256.Int) Operation {
	return Operation{Kind: OpMint, Asset: asset, To: to, Authority: authority, Amount: amount}
}

// CreateAccount opens the holding account address for (owner, asset).
func CreateAccount(asset, owner, address, payer string) Operation {
	return Operation{Kind: OpCreateAccount, Asset: asset, Owner: owner, To: address, Authority: payer}
}

// IssueAsset registers a new asset with authority as its mint authority.
func IssueAsset(asset, name string, decimals uint8, authority string) Operation {
	return Operation{Kind: OpIssueAsset, Asset: asset, Name: name, Decimals: decimals, Authority: authority}
}

// Transaction groups operations that the ledger applies atomically.
type Transaction struct {
	Payer      string      `json:"payer"`
	Sequence   uint64      `json:"sequence"`
	Operations []Operation `json:"operations"`
	Memo       string      `json:"memo,omitempty"`
}

// Digest returns the Keccak-256 hash of the canonical JSON encoding.
func (tx Transaction) Digest() ([]byte, error) {
	payload, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("ledger: encode transaction: %w", err)
	}
	return crypto.Keccak256(payload), nil
}

// SignedTransaction pairs a transaction with the payer's signature.
type SignedTransaction struct {
	Transaction
	Signature []byte `json:"-"`
}

type wireSignedTransaction struct {
	Transaction
	Signature string `json:"signature"`
}

func (s SignedTransaction) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireSignedTransaction{Transaction: s.Transaction, Signature: "0x" + hex.EncodeToString(s.Signature)})
}

func (s *SignedTransaction) UnmarshalJSON(data []byte) error {
	var wire wireSignedTransaction
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(wire.Signature, "0x"))
	if err != nil {
		return fmt.Errorf("ledger: decode signature: %w", err)
	}
	s.Transaction = wire.Transaction
	s.Signature = sig
	return nil
}

// ID is the ledger identifier of the signed transaction. Resubmitting the same
// signed bytes always yields the same ID.
func (s SignedTransaction) ID() (string, error) {
	digest, err := s.Digest()
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(crypto.Keccak256(digest, s.Signature)), nil
}

// TxState describes the ledger's view of a submitted transaction.
type TxState string

const (
	TxUnknown   TxState = "unknown"
	TxPending   TxState = "pending"
	TxConfirmed TxState = "confirmed"
	TxFailed    TxState = "failed"
)

// TxStatus is returned by Client.Status.
type TxStatus struct {
	State  TxState
	Code   int
	Reason string
}

// Client is the boundary to the ledger.
type Client interface {
	NextSequence(ctx context.Context, authority string) (uint64, error)
	Submit(ctx context.Context, tx SignedTransaction) (string, error)
	Status(ctx context.Context, txID string) (TxStatus, error)
	AccountExists(ctx context.Context, address string) (bool, error)
}
