/*
errors.go - Centralized error types for the revenue engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers branch with errors.Is on the sentinels; structured errors carry
  the details for user-facing messages and unwrap to a sentinel.

ERROR CATEGORIES:
  1. Validation - InvalidSale, InvalidPayoutAmount, ReasonRequired
  2. Balance - InsufficientBalance
  3. State - AlreadyProcessed (duplicate conversion, terminal payout)
  4. Storage - DistributionFailed, not-found errors
  5. Integrity - LedgerIntegrityViolation (fatal, operator attention)

PROPAGATION:
  Validation and balance errors go back to the immediate caller.
  Integrity violations are logged at error level by the ledger and are
  never corrected by guessing a balance.
*/
package revenue

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidSale is returned when a sale is malformed or references a
	// course or mentor that cannot be resolved to an active profile.
	ErrInvalidSale = errors.New("invalid sale")

	// ErrInvalidPayoutAmount is returned for non-positive or below-minimum
	// payout requests.
	ErrInvalidPayoutAmount = errors.New("invalid payout amount")

	// ErrInsufficientBalance is returned when a debit would drive a wallet
	// balance negative. Nothing is applied.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrAlreadyProcessed is returned when a sale was already distributed
	// or a payout has left PENDING.
	ErrAlreadyProcessed = errors.New("already processed")

	// ErrDistributionFailed is returned when storage fails while crediting
	// a beneficiary. The failed leg is left unprocessed and can be retried.
	ErrDistributionFailed = errors.New("distribution failed")

	// ErrLedgerIntegrityViolation is returned when a wallet disagrees with
	// its own transaction log.
	ErrLedgerIntegrityViolation = errors.New("ledger integrity violation")

	ErrWalletNotFound     = errors.New("wallet not found")
	ErrPayoutNotFound     = errors.New("payout not found")
	ErrConversionNotFound = errors.New("conversion not found")
	ErrCourseNotFound     = errors.New("course not found")

	// ErrDuplicateConversion is returned by stores when (affiliate, sale)
	// already has a conversion.
	ErrDuplicateConversion = errors.New("duplicate conversion")

	// ErrDuplicateIdempotencyKey is returned by stores when a wallet
	// transaction with the same idempotency key exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrReasonRequired is returned when a payout is rejected without a reason.
	ErrReasonRequired = errors.New("rejection reason required")

	// ErrInvalidPosting is returned for non-positive amounts or a
	// transaction type posted in the wrong direction.
	ErrInvalidPosting = errors.New("invalid posting")

	// ErrInvalidPolicy is returned when a commission policy or payout rule
	// is out of range.
	ErrInvalidPolicy = errors.New("invalid policy")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidSaleError explains why a sale was rejected.
type InvalidSaleError struct {
	SaleID SaleID
	Reason string
}

func (e *InvalidSaleError) Error() string {
	return fmt.Sprintf("invalid sale %q: %s", e.SaleID, e.Reason)
}

func (e *InvalidSaleError) Unwrap() error { return ErrInvalidSale }

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	Owner     OwnerID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientBalanceError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: available %s, requested %s, shortfall %s",
		e.Owner, e.Available, e.Requested, e.Shortfall())
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// TransitionError is returned when a payout action is attempted outside PENDING.
type TransitionError struct {
	PayoutID PayoutID
	Status   PayoutStatus
	Action   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s payout %s: status is %s", e.Action, e.PayoutID, e.Status)
}

func (e *TransitionError) Unwrap() error { return ErrAlreadyProcessed }

// IntegrityError describes a wallet that disagrees with its log.
type IntegrityError struct {
	Owner     OwnerID
	Balance   decimal.Decimal
	LedgerSum decimal.NullDecimal // sum of the transaction log; invalid when not summed
	Expected  decimal.Decimal     // earned - payout - pending
	Detail    string
}

func (e *IntegrityError) Error() string {
	if !e.LedgerSum.Valid {
		return fmt.Sprintf("ledger integrity violation for %s: %s (balance %s, totals imply %s)",
			e.Owner, e.Detail, e.Balance, e.Expected)
	}
	return fmt.Sprintf("ledger integrity violation for %s: %s (balance %s, log sum %s, totals imply %s)",
		e.Owner, e.Detail, e.Balance, e.LedgerSum.Decimal, e.Expected)
}

func (e *IntegrityError) Unwrap() error { return ErrLedgerIntegrityViolation }

// LegFailure is one beneficiary that could not be credited.
type LegFailure struct {
	Leg   Leg
	Owner OwnerID
	Err   error
}

// DistributionError aggregates the legs of a sale that failed.
type DistributionError struct {
	SaleID   SaleID
	Failures []LegFailure
}

func (e *DistributionError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s %s: %v", f.Leg, f.Owner, f.Err))
	}
	return fmt.Sprintf("distribution failed for sale %s: %s", e.SaleID, strings.Join(parts, "; "))
}

func (e *DistributionError) Unwrap() []error {
	errs := []error{ErrDistributionFailed}
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidSale) ||
		errors.Is(err, ErrInvalidPayoutAmount) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrReasonRequired) ||
		errors.Is(err, ErrInvalidPosting)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWalletNotFound) ||
		errors.Is(err, ErrPayoutNotFound) ||
		errors.Is(err, ErrConversionNotFound) ||
		errors.Is(err, ErrCourseNotFound)
}

// IsRetryable returns true if the caller may safely retry the same call.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrDistributionFailed)
}
