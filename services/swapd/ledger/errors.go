package ledger

import (
	"errors"
	"fmt"
)

// ErrUnavailable marks transient failures talking to the ledger. Whether the
// request took effect is unknown.
var ErrUnavailable = errors.New("ledger: unavailable")

// Rejection codes returned by the ledger. They are stable across the RPC
// boundary.
const (
	CodeInvalid           = 1000
	CodeInsufficientFunds = 1001
	CodeUnknownAccount    = 1002
	CodeBadSequence       = 1003
	CodeBadSignature      = 1004
	CodeUnauthorized      = 1005
	CodeAccountExists     = 1006
	CodeAssetExists       = 1007
	CodeUnknownAsset      = 1008
	CodeAlreadyKnown      = 1009
)

// RejectedError is a terminal ledger rejection. Resubmitting the same
// transaction will not succeed.
type RejectedError struct {
	Code   int
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("ledger rejected (%d): %s", e.Code, e.Reason)
}

func reject(code int, format string, args ...any) *RejectedError {
	return &RejectedError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// AsRejected unwraps a RejectedError from err.
func AsRejected(err error) (*RejectedError, bool) {
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return rejected, true
	}
	return nil, false
}

// IsCode reports whether err is a rejection carrying code.
func IsCode(err error, code int) bool {
	rejected, ok := AsRejected(err)
	return ok && rejected.Code == code
}

func isRejectionCode(code int) bool {
	return code >= CodeInvalid && code <= CodeAlreadyKnown
}
