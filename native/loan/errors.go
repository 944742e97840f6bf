package loan

import "errors"

// Validation errors: the submitted terms are unacceptable as proposed. The
// caller must resubmit corrected terms; nothing is retried automatically.
var (
	// ErrPrincipalTooLow indicates the principal is below the configured minimum for the currency.
	ErrPrincipalTooLow = errors.New("loan: principal below currency minimum")
	// ErrDurationOutOfBounds indicates the duration falls outside the protocol bounds.
	ErrDurationOutOfBounds = errors.New("loan: duration out of bounds")
	// ErrInterestRateOutOfBounds indicates the APR encoding falls outside the protocol bounds.
	ErrInterestRateOutOfBounds = errors.New("loan: interest rate out of bounds")
	// ErrSignatureExpired indicates the terms deadline has passed.
	ErrSignatureExpired = errors.New("loan: signature deadline expired")
	// ErrCurrencyNotAllowed indicates the payable currency is not whitelisted.
	ErrCurrencyNotAllowed = errors.New("loan: payable currency not allowed")
	// ErrCollateralNotAllowed indicates the collateral collection is not whitelisted.
	ErrCollateralNotAllowed = errors.New("loan: collateral not allowed")
)

// Authorization errors: a credential problem, not a transient fault.
var (
	// ErrInvalidSignature indicates the signature could not be recovered.
	ErrInvalidSignature = errors.New("loan: invalid signature")
	// ErrSignerMismatch indicates the recovered signer is neither the expected counterparty nor an approved delegate.
	ErrSignerMismatch = errors.New("loan: signer not counterparty or approved")
	// ErrNonceExhausted indicates the nonce has no remaining uses.
	ErrNonceExhausted = errors.New("loan: nonce exhausted")
	// ErrNonceCancelled indicates the nonce owner permanently revoked the nonce.
	ErrNonceCancelled = errors.New("loan: nonce cancelled")
	// ErrCallerNotLender indicates the caller does not hold the lender note.
	ErrCallerNotLender = errors.New("loan: caller does not hold lender note")
	// ErrCallerNotBorrower indicates the caller does not hold the borrower note.
	ErrCallerNotBorrower = errors.New("loan: caller does not hold borrower note")
	// ErrNotNoteOwner indicates the caller holds neither note for the loan.
	ErrNotNoteOwner = errors.New("loan: caller holds no note for loan")
	// ErrMissingRole indicates the caller lacks the required administrative role.
	ErrMissingRole = errors.New("loan: caller missing required role")
)

// Accounting invariant violations: defensive guards that should never trigger
// under correct caller behaviour.
var (
	// ErrFundsConflict indicates a rollover computed both a borrower shortfall and a surplus.
	ErrFundsConflict = errors.New("loan: rollover funds conflict")
	// ErrOverRepayment indicates the payment would exceed balance plus interest due.
	ErrOverRepayment = errors.New("loan: payment exceeds outstanding obligation")
	// ErrPaymentBelowMinimum indicates the payment does not cover the interest due.
	ErrPaymentBelowMinimum = errors.New("loan: payment below interest due")
	// ErrPrincipalExceedsBalance indicates a caller-supplied split tried to retire more principal than is outstanding.
	ErrPrincipalExceedsBalance = errors.New("loan: principal portion exceeds balance")
)

// State-machine violations.
var (
	// ErrLoanNotFound indicates the loan ID has no ledger record.
	ErrLoanNotFound = errors.New("loan: not found")
	// ErrLoanNotActive indicates the operation requires an Active loan.
	ErrLoanNotActive = errors.New("loan: not active")
	// ErrLoanNotDefaulted indicates the grace period has not elapsed.
	ErrLoanNotDefaulted = errors.New("loan: grace period not elapsed")
	// ErrLoanStillActive indicates the operation requires a terminal loan.
	ErrLoanStillActive = errors.New("loan: still active")
	// ErrNoReceiptOutstanding indicates no note receipt exists for the loan.
	ErrNoReceiptOutstanding = errors.New("loan: no receipt outstanding")
	// ErrReentrantCall indicates a nested call attempted to re-enter a guarded entry point.
	ErrReentrantCall = errors.New("loan: reentrant call")
)

// Predicate and verifier errors.
var (
	// ErrVerifierNotAllowed indicates the predicate names an unregistered verifier.
	ErrVerifierNotAllowed = errors.New("loan: predicate verifier not allowed")
	// ErrPredicateFailed indicates a verifier rejected the collateral.
	ErrPredicateFailed = errors.New("loan: item predicate failed")
)

// Migration errors.
var (
	// ErrBorrowerNotReset indicates a migration began while another was in flight.
	ErrBorrowerNotReset = errors.New("loan: migration borrower not reset")
	// ErrCurrencyMismatch indicates old and new terms disagree on currency.
	ErrCurrencyMismatch = errors.New("loan: migration currency mismatch")
	// ErrCollateralMismatch indicates old and new terms disagree on the collateral collection.
	ErrCollateralMismatch = errors.New("loan: migration collateral mismatch")
	// ErrCollateralIDMismatch indicates old and new terms disagree on the collateral token.
	ErrCollateralIDMismatch = errors.New("loan: migration collateral id mismatch")
	// ErrFlashLoanShortfall indicates the flash loan could not be repaid from migration proceeds.
	ErrFlashLoanShortfall = errors.New("loan: flash loan repayment shortfall")
	// ErrUnknownFlashPool indicates a flash callback arrived from an unrecognised pool.
	ErrUnknownFlashPool = errors.New("loan: flash callback from unknown pool")
)

// Fund-movement errors.
var (
	// ErrInsufficientBalance indicates the payer cannot cover the transfer.
	ErrInsufficientBalance = errors.New("loan: insufficient balance")
	// ErrNotCollateralOwner indicates the caller does not own the collateral token.
	ErrNotCollateralOwner = errors.New("loan: caller does not own collateral")
	// ErrCollateralEscrowed indicates the collateral is locked in escrow.
	ErrCollateralEscrowed = errors.New("loan: collateral locked in escrow")
	// ErrRateDeltaTooSmall indicates a refinance does not improve the rate by the required minimum.
	ErrRateDeltaTooSmall = errors.New("loan: refinance rate improvement too small")
	// ErrSplitTooLarge indicates an affiliate split exceeds the cap.
	ErrSplitTooLarge = errors.New("loan: affiliate split exceeds cap")
)

var (
	errNilState      = errors.New("loan engine: state not configured")
	errInvalidAmount = errors.New("loan engine: amount must be positive")
	errNilTerms      = errors.New("loan engine: terms required")
)
