package settlement

import (
	"encoding/hex"
	"encoding/json"
	"errors"

	"ledgerswap/services/swapd/ledger"
	"ledgerswap/services/swapd/plan"
	"ledgerswap/services/swapd/swaperr"
)

// Status is the overall state of a settlement.
type Status string

const (
	Pending            Status = "Pending"
	Confirmed          Status = "Confirmed"
	PartiallyConfirmed Status = "PartiallyConfirmed"
	Failed             Status = "Failed"
)

// LegState tracks a single leg.
type LegState string

const (
	LegUnsubmitted LegState = "unsubmitted"
	LegSubmitted   LegState = "submitted"
	LegConfirmed   LegState = "confirmed"
	LegFailed      LegState = "failed"
)

// LegResult records what happened to one leg. Tx keeps the exact signed bytes
// so a resumed settlement re-sends them instead of signing anew.
type LegResult struct {
	Index  int                       `json:"index"`
	Role   plan.Role                 `json:"role"`
	State  LegState                  `json:"state"`
	TxID   string                    `json:"txId,omitempty"`
	Tx     *ledger.SignedTransaction `json:"tx,omitempty"`
	Reason string                    `json:"reason,omitempty"`
}

// Outcome is the result of submitting a plan.
type Outcome struct {
	Ref    string
	Status Status
	Legs   []LegResult
	Err    error
}

func newOutcome(p plan.Plan) Outcome {
	out := Outcome{Ref: p.Ref, Status: Pending, Legs: make([]LegResult, len(p.Legs))}
	for i, leg := range p.Legs {
		out.Legs[i] = LegResult{Index: leg.Index, Role: leg.Role, State: LegUnsubmitted}
	}
	return out
}

// Signatures returns the hex signatures of every submitted leg in order.
func (o Outcome) Signatures() []string {
	sigs := make([]string, 0, len(o.Legs))
	for _, leg := range o.Legs {
		if leg.Tx != nil && leg.State != LegUnsubmitted {
			sigs = append(sigs, "0x"+hex.EncodeToString(leg.Tx.Signature))
		}
	}
	return sigs
}

// TxIDs returns the ledger IDs of every submitted leg in order.
func (o Outcome) TxIDs() []string {
	ids := make([]string, 0, len(o.Legs))
	for _, leg := range o.Legs {
		if leg.TxID != "" {
			ids = append(ids, leg.TxID)
		}
	}
	return ids
}

// ConfirmedLegs lists the indices of confirmed legs.
func (o Outcome) ConfirmedLegs() []int {
	legs := make([]int, 0, len(o.Legs))
	for _, leg := range o.Legs {
		if leg.State == LegConfirmed {
			legs = append(legs, leg.Index)
		}
	}
	return legs
}

// ErrorKind is the kind of the outcome's error, if any.
func (o Outcome) ErrorKind() swaperr.Kind {
	return swaperr.KindOf(o.Err)
}

// Final reports whether the outcome can no longer change by waiting.
func (o Outcome) Final() bool {
	return o.Status != Pending
}

type wireError struct {
	Kind   swaperr.Kind `json:"kind"`
	Leg    int          `json:"leg"`
	Detail string       `json:"detail,omitempty"`
}

type wireOutcome struct {
	Ref    string      `json:"ref"`
	Status Status      `json:"status"`
	Legs   []LegResult `json:"legs"`
	Error  *wireError  `json:"error,omitempty"`
}

// MarshalJSON flattens Err into kind, leg and message.
func (o Outcome) MarshalJSON() ([]byte, error) {
	wire := wireOutcome{Ref: o.Ref, Status: o.Status, Legs: o.Legs}
	if o.Err != nil {
		we := &wireError{Kind: swaperr.KindOf(o.Err), Leg: swaperr.NoLeg, Detail: o.Err.Error()}
		var typed *swaperr.Error
		if errors.As(o.Err, &typed) {
			we.Leg = typed.Leg
		}
		wire.Error = we
	}
	return json.Marshal(wire)
}

// UnmarshalJSON restores Err as a *swaperr.Error.
func (o *Outcome) UnmarshalJSON(data []byte) error {
	var wire wireOutcome
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*o = Outcome{Ref: wire.Ref, Status: wire.Status, Legs: wire.Legs}
	if wire.Error != nil {
		o.Err = &swaperr.Error{Kind: wire.Error.Kind, Leg: wire.Error.Leg, Detail: wire.Error.Detail}
	}
	return nil
}
