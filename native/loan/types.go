package loan

import (
	"fmt"
	"math/big"
	"strings"
)

// LoanState enumerates the lifecycle states of a loan record. Active is the
// only non-terminal state reachable after origination; Repaid and Defaulted
// are terminal with no path back.
type LoanState uint8

const (
	// LoanCreated is reserved for pre-origination bookkeeping and never
	// stored for a started loan.
	LoanCreated LoanState = iota
	LoanActive
	LoanRepaid
	LoanDefaulted
)

// Valid reports whether the state value is within the supported range.
func (s LoanState) Valid() bool {
	switch s {
	case LoanCreated, LoanActive, LoanRepaid, LoanDefaulted:
		return true
	default:
		return false
	}
}

func (s LoanState) String() string {
	switch s {
	case LoanCreated:
		return "created"
	case LoanActive:
		return "active"
	case LoanRepaid:
		return "repaid"
	case LoanDefaulted:
		return "defaulted"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Side identifies which counterparty produced an off-chain signature.
type Side uint8

const (
	SideBorrower Side = iota
	SideLender
)

// LoanTerms captures the immutable economic terms of a loan. A terms value is
// fixed once signed; the ledger never mutates it after origination.
type LoanTerms struct {
	// InterestRate is the annual rate in basis points (1% == 100).
	InterestRate *big.Int
	DurationSecs int64
	// CollateralAddr identifies the collection contract holding the
	// collateral token.
	CollateralAddr [20]byte
	CollateralID   *big.Int
	// Deadline is the unix time after which signatures over these terms
	// are no longer acceptable.
	Deadline        int64
	PayableCurrency string
	Principal       *big.Int
	AffiliateCode   [32]byte
}

// Clone returns a deep copy of the terms.
func (t *LoanTerms) Clone() *LoanTerms {
	if t == nil {
		return nil
	}
	clone := *t
	clone.InterestRate = cloneBigInt(t.InterestRate)
	clone.CollateralID = cloneBigInt(t.CollateralID)
	clone.Principal = cloneBigInt(t.Principal)
	return &clone
}

// FeeSnapshot freezes the fee schedule applicable to a loan at origination so
// later schedule changes never retroactively affect open loans.
type FeeSnapshot struct {
	BorrowerOriginationFeeBps uint64
	LenderInterestFeeBps      uint64
	LenderPrincipalFeeBps     uint64
}

// LoanData is the mutable ledger record for one loan.
type LoanData struct {
	LoanID uint64
	State  LoanState
	Terms  LoanTerms
	// StartDate and LastAccrual are unix timestamps. LastAccrual is
	// monotonically non-decreasing and never exceeds the ledger clock.
	StartDate   int64
	LastAccrual int64
	// Balance is the outstanding principal; it only ever decreases.
	Balance      *big.Int
	InterestPaid *big.Int
	Fees         FeeSnapshot
}

// Clone returns a deep copy of the loan record.
func (l *LoanData) Clone() *LoanData {
	if l == nil {
		return nil
	}
	clone := *l
	clone.Terms = *l.Terms.Clone()
	clone.Balance = cloneBigInt(l.Balance)
	clone.InterestPaid = cloneBigInt(l.InterestPaid)
	return &clone
}

// SanitizeLoan validates structural invariants of a stored loan record and
// returns a cloned instance with non-nil amount fields.
func SanitizeLoan(l *LoanData) (*LoanData, error) {
	if l == nil {
		return nil, fmt.Errorf("loan: nil record")
	}
	clone := l.Clone()
	if !clone.State.Valid() {
		return nil, fmt.Errorf("loan: invalid state %d", clone.State)
	}
	if clone.Balance.Sign() < 0 {
		return nil, fmt.Errorf("loan: negative balance")
	}
	if clone.InterestPaid.Sign() < 0 {
		return nil, fmt.Errorf("loan: negative interest paid")
	}
	if clone.LastAccrual < clone.StartDate {
		return nil, fmt.Errorf("loan: accrual timestamp precedes start")
	}
	if strings.TrimSpace(clone.Terms.PayableCurrency) == "" {
		return nil, fmt.Errorf("loan: payable currency required")
	}
	return clone, nil
}

// NoteKind distinguishes the two ownership notes minted per loan.
type NoteKind uint8

const (
	BorrowerNote NoteKind = iota
	LenderNote
)

func (k NoteKind) String() string {
	if k == BorrowerNote {
		return "borrower"
	}
	return "lender"
}

// NoteReceipt records funds owed to a lender-note holder who has not yet
// redeemed after a force repayment.
type NoteReceipt struct {
	Token  string
	Amount *big.Int
}

// Clone returns a deep copy of the receipt.
func (r *NoteReceipt) Clone() *NoteReceipt {
	if r == nil {
		return nil
	}
	return &NoteReceipt{Token: r.Token, Amount: cloneBigInt(r.Amount)}
}

// SigProperties carries the replay-protection parameters bound into a signed
// offer. MaxUses of one yields classic single-use nonce semantics.
type SigProperties struct {
	Nonce   uint64
	MaxUses uint64
}

// NonceRecord tracks consumption of one (owner, nonce) pair.
type NonceRecord struct {
	MaxUses   uint64
	Used      uint64
	Cancelled bool
}

// Predicate is an opaque collateral constraint resolved by a named verifier.
// The ledger never interprets the data bytes itself.
type Predicate struct {
	Verifier string
	Data     []byte
}

// BorrowerData bundles the borrower-side origination inputs.
type BorrowerData struct {
	Borrower [20]byte
	// CallbackData, when non-empty, triggers the borrower callback hook
	// after settlement completes.
	CallbackData []byte
}

// RolloverAmounts is the pre-resolved net fund flow for a rollover. Exactly
// one of NeedFromBorrower and LeftoverPrincipal is nonzero for valid inputs.
type RolloverAmounts struct {
	NeedFromBorrower  *big.Int
	LeftoverPrincipal *big.Int
	AmountFromLender  *big.Int
	AmountToOldLender *big.Int
	AmountToLender    *big.Int
	AmountToBorrower  *big.Int
	InterestAmount    *big.Int
}

// AffiliateSplit configures the revenue share routed to an affiliate code at
// origination.
type AffiliateSplit struct {
	Recipient [20]byte
	SplitBps  uint64
}

// Role enumerates the administrative capabilities recognised by the ledger.
type Role uint8

const (
	RoleAdmin Role = iota
	RoleWhitelistManager
	RoleFeeClaimer
)

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
