// Package swaperr defines the caller-facing failure taxonomy of the swap
// settlement engine.
package swaperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	PairNotSupported     Kind = "PairNotSupported"
	InvalidRequest       Kind = "InvalidRequest"
	AssetNotFound        Kind = "AssetNotFound"
	LedgerIssuanceFailed Kind = "LedgerIssuanceFailed"
	LedgerRejected       Kind = "LedgerRejected"
	LedgerUnavailable    Kind = "LedgerUnavailable"
	StoreUnavailable     Kind = "StoreUnavailable"
	ConfirmationTimeout  Kind = "ConfirmationTimeout"
	PartialSettlement    Kind = "PartialSettlement"
	Canceled             Kind = "Canceled"
	Internal             Kind = "Internal"
)

// NoLeg marks errors that are not attached to a settlement leg.
const NoLeg = -1

// Error carries a Kind plus the leg it happened on, if any.
type Error struct {
	Kind   Kind
	Leg    int
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Kind)
	if e.Leg != NoLeg {
		msg = fmt.Sprintf("%s (leg %d)", msg, e.Leg)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New wraps err with kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Leg: NoLeg, Err: err}
}

// Newf builds an error of kind with a formatted detail message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Leg: NoLeg, Detail: fmt.Sprintf(format, args...)}
}

// OnLeg builds an error attached to a specific leg.
func OnLeg(kind Kind, leg int, err error) *Error {
	return &Error{Kind: kind, Leg: leg, Err: err}
}

// KindOf extracts the Kind from err. Context cancellation maps to Canceled
// and anything unclassified maps to Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Canceled
	}
	return Internal
}

// Is reports whether err carries kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
