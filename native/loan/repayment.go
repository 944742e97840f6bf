package loan

import (
	"fmt"
	"math/big"
)

// RepaymentController resolves repayment splits and authorisation before
// driving LoanCore settlement. Interest accrued to date is always serviced
// before any principal retires.
type RepaymentController struct {
	core *LoanCore
}

// NewRepaymentController wires a controller to the settlement ledger.
func NewRepaymentController(core *LoanCore) *RepaymentController {
	return &RepaymentController{core: core}
}

// AmountOwed reports the interest accrued to date and the full payoff amount
// for an active loan.
func (r *RepaymentController) AmountOwed(loanID uint64) (interestDue, total *big.Int, err error) {
	record, err := r.core.GetLoan(loanID)
	if err != nil {
		return nil, nil, err
	}
	if record.State != LoanActive {
		return nil, nil, fmt.Errorf("%w: state %s, need %s", ErrLoanNotActive, record.State, LoanActive)
	}
	interestDue = ProratedInterestDue(record.Balance, record.Terms.InterestRate, record.Terms.DurationSecs, record.StartDate, record.LastAccrual, r.core.now())
	total = new(big.Int).Add(cloneBigInt(record.Balance), interestDue)
	return interestDue, total, nil
}

// split resolves a payment amount into its interest and principal portions.
// Interest accrued to date must be covered in full before principal retires,
// and the principal portion may not exceed the outstanding balance.
func (r *RepaymentController) split(record *LoanData, amount *big.Int) (interest, principal *big.Int, err error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, nil, errInvalidAmount
	}
	interestDue := ProratedInterestDue(record.Balance, record.Terms.InterestRate, record.Terms.DurationSecs, record.StartDate, record.LastAccrual, r.core.now())
	if amount.Cmp(interestDue) < 0 {
		return nil, nil, fmt.Errorf("%w: interest due %s", ErrPaymentBelowMinimum, interestDue)
	}
	principal = new(big.Int).Sub(amount, interestDue)
	if principal.Cmp(record.Balance) > 0 {
		return nil, nil, fmt.Errorf("%w: balance %s", ErrOverRepayment, record.Balance)
	}
	return interestDue, principal, nil
}

func (r *RepaymentController) repay(caller [20]byte, loanID uint64, amount *big.Int, force bool) error {
	record, err := r.core.GetLoan(loanID)
	if err != nil {
		return err
	}
	if record.State != LoanActive {
		return fmt.Errorf("%w: state %s, need %s", ErrLoanNotActive, record.State, LoanActive)
	}
	if force {
		// The deferred-payout path is reserved for the borrower side.
		borrower, ok, err := r.core.NoteOwner(BorrowerNote, loanID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotNoteOwner
		}
		approved, err := r.core.IsSelfOrApproved(borrower, caller)
		if err != nil {
			return err
		}
		if !approved {
			return ErrCallerNotBorrower
		}
	}
	interest, principal, err := r.split(record, amount)
	if err != nil {
		return err
	}
	return r.core.Repay(loanID, caller, interest, principal, force)
}

// Repay services a loan with the given payment amount. Anyone may pay on a
// borrower's behalf; rights over the loan follow the notes, not the payer.
func (r *RepaymentController) Repay(caller [20]byte, loanID uint64, amount *big.Int) error {
	return r.repay(caller, loanID, amount, false)
}

// RepayFull settles a loan completely at the current accrual clock.
func (r *RepaymentController) RepayFull(caller [20]byte, loanID uint64) error {
	_, total, err := r.AmountOwed(loanID)
	if err != nil {
		return err
	}
	return r.repay(caller, loanID, total, false)
}

// ForceRepay services a loan while diverting the lender payout into a note
// receipt, so termination cannot be blocked from the lender side. Only the
// borrower-note holder or its delegates may use the force path.
func (r *RepaymentController) ForceRepay(caller [20]byte, loanID uint64, amount *big.Int) error {
	return r.repay(caller, loanID, amount, true)
}

// ForceRepayFull settles a loan completely through the deferred-payout path.
func (r *RepaymentController) ForceRepayFull(caller [20]byte, loanID uint64) error {
	_, total, err := r.AmountOwed(loanID)
	if err != nil {
		return err
	}
	return r.repay(caller, loanID, total, true)
}

// Claim transitions a matured, unpaid loan to Defaulted and awards the
// collateral to the lender-note holder. Only that holder or its delegates may
// claim; the claim fee is the principal fee applied to the defaulted balance.
func (r *RepaymentController) Claim(caller [20]byte, loanID uint64) error {
	record, err := r.core.GetLoan(loanID)
	if err != nil {
		return err
	}
	lender, ok, err := r.core.NoteOwner(LenderNote, loanID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotNoteOwner
	}
	approved, err := r.core.IsSelfOrApproved(lender, caller)
	if err != nil {
		return err
	}
	if !approved {
		return ErrCallerNotLender
	}
	claimFee := bpsShare(record.Balance, record.Fees.LenderPrincipalFeeBps)
	return r.core.Claim(loanID, claimFee)
}

// RedeemNote pays an outstanding force-repayment receipt to the recipient.
// Only the lender-note holder or its delegates may redeem.
func (r *RepaymentController) RedeemNote(caller [20]byte, loanID uint64, to [20]byte) error {
	lender, ok, err := r.core.NoteOwner(LenderNote, loanID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotNoteOwner
	}
	approved, err := r.core.IsSelfOrApproved(lender, caller)
	if err != nil {
		return err
	}
	if !approved {
		return ErrCallerNotLender
	}
	return r.core.RedeemNote(loanID, to)
}
