// Package apperr defines the error taxonomy shared by the ledger, payment and
// withdrawal packages. Gateway failures live in package payout and input
// validation failures in package validation.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound                   = errors.New("not found")
	ErrInsufficientFunds          = errors.New("insufficient funds")
	ErrInsufficientAvailableFunds = fmt.Errorf("%w: available balance", ErrInsufficientFunds)
	ErrInsufficientPendingFunds   = fmt.Errorf("%w: pending balance", ErrInsufficientFunds)
	ErrInvalidStateTransition     = errors.New("invalid state transition")

	// ErrStatusConflict means a compare-and-set on a record's status lost a race.
	ErrStatusConflict = errors.New("status changed concurrently")
	ErrDuplicate      = errors.New("already exists")
)

// Bucket names the balance an insufficient-funds error refers to.
type Bucket string

const (
	BucketAvailable Bucket = "available"
	BucketPending   Bucket = "pending"
)

// InsufficientFundsError reports that a debit would drive a balance negative.
type InsufficientFundsError struct {
	OwnerID   string
	Bucket    Bucket
	Requested string
	Balance   string
}

func (e *InsufficientFundsError) Error() string {
	if e.Balance == "" {
		return fmt.Sprintf("insufficient %s funds for %s: requested %s", e.Bucket, e.OwnerID, e.Requested)
	}
	return fmt.Sprintf("insufficient %s funds for %s: requested %s, have %s",
		e.Bucket, e.OwnerID, e.Requested, e.Balance)
}

// Is lets errors.Is match the bucket-specific sentinels.
func (e *InsufficientFundsError) Is(target error) bool {
	switch target {
	case ErrInsufficientFunds:
		return true
	case ErrInsufficientAvailableFunds:
		return e.Bucket == BucketAvailable
	case ErrInsufficientPendingFunds:
		return e.Bucket == BucketPending
	}
	return false
}

// InsufficientAvailable builds an InsufficientFundsError for the available bucket.
func InsufficientAvailable(owner, requested, balance string) error {
	return &InsufficientFundsError{OwnerID: owner, Bucket: BucketAvailable, Requested: requested, Balance: balance}
}

// InsufficientPending builds an InsufficientFundsError for the pending bucket.
func InsufficientPending(owner, requested, balance string) error {
	return &InsufficientFundsError{OwnerID: owner, Bucket: BucketPending, Requested: requested, Balance: balance}
}

// InvalidStateTransitionError reports an operation attempted from a state that forbids it.
type InvalidStateTransitionError struct {
	Entity string
	ID     string
	From   string
	Op     string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("cannot %s %s %s in status %q", e.Op, e.Entity, e.ID, e.From)
}

func (e *InvalidStateTransitionError) Unwrap() error { return ErrInvalidStateTransition }

// InvalidTransition builds an InvalidStateTransitionError.
func InvalidTransition(entity, id, from, op string) error {
	return &InvalidStateTransitionError{Entity: entity, ID: id, From: from, Op: op}
}

// NotFoundError reports that a referenced record does not exist.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NotFound builds a NotFoundError.
func NotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// IsNotFound reports whether err is (or wraps) a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
