package state

import (
	"errors"
	"fmt"
)

// RejectCode tags an expected, synchronous command rejection. Rejections
// mutate nothing and are never retried internally; the code is the contract
// with callers, the detail is for humans.
type RejectCode string

const (
	RejectBadDebt                 RejectCode = "BadDebt"
	RejectInsufficientForIncrease RejectCode = "InsufficientFreeCollateralForIncrease"
	RejectInsufficientForWithdraw RejectCode = "InsufficientFreeCollateralForWithdraw"
	RejectNotLiquidatable         RejectCode = "NotLiquidatable"
	RejectUnauthorized            RejectCode = "Unauthorized"
)

// Rejection is the error type for refused commands.
type Rejection struct {
	Code   RejectCode
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return string(r.Code)
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Detail)
}

func Reject(code RejectCode, format string, args ...interface{}) *Rejection {
	return &Rejection{
		Code:   code,
		Detail: fmt.Sprintf(format, args...),
	}
}

// AsRejection unwraps err to a Rejection if it is one.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
