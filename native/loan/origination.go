package loan

import (
	"fmt"
	"math/big"
)

// BorrowerCallback is invoked after origination settles when the borrower
// attached callback data to the deal. Handlers receive the live ledger, so a
// misbehaving handler that re-enters a guarded entry point is rejected by the
// reentrancy guard and the already-consumed nonce.
type BorrowerCallback interface {
	OnLoanOriginated(core *LoanCore, loanID uint64, borrower [20]byte, data []byte) error
}

// OriginationController verifies counterparty signatures, runs predicate
// checks and resolves fund flows before driving LoanCore transitions. It owns
// no loan state of its own.
type OriginationController struct {
	core      *LoanCore
	registry  *VerifierRegistry
	chainID   int64
	contracts ContractSignerValidator
	callbacks map[[20]byte]BorrowerCallback
}

// NewOriginationController wires a controller to the settlement ledger.
func NewOriginationController(core *LoanCore, registry *VerifierRegistry, chainID int64) *OriginationController {
	return &OriginationController{
		core:      core,
		registry:  registry,
		chainID:   chainID,
		callbacks: make(map[[20]byte]BorrowerCallback),
	}
}

// SetContractValidator installs the non-ECDSA signer hook used for accounts
// that cannot produce a recoverable signature.
func (o *OriginationController) SetContractValidator(v ContractSignerValidator) {
	o.contracts = v
}

// RegisterCallback attaches an origination callback handler for a borrower
// address.
func (o *OriginationController) RegisterCallback(borrower [20]byte, cb BorrowerCallback) {
	if cb == nil {
		delete(o.callbacks, borrower)
		return
	}
	o.callbacks[borrower] = cb
}

// verifySignature checks that sig over digest was produced by signingParty or
// one of its approved delegates, falling back to the contract-signer hook
// when ECDSA recovery does not resolve to an authorised key.
func (o *OriginationController) verifySignature(digest []byte, sig Signature, signingParty [20]byte) error {
	signer, err := RecoverSigner(digest, sig)
	if err == nil {
		ok, aerr := o.core.IsSelfOrApproved(signingParty, signer)
		if aerr != nil {
			return aerr
		}
		if ok {
			return nil
		}
	}
	if o.contracts != nil && o.contracts.IsValidSignature(signingParty, digest, sig) {
		return nil
	}
	if err != nil {
		return err
	}
	return ErrSignerMismatch
}

func (o *OriginationController) authorize(caller, borrower, lender [20]byte, side Side, terms *LoanTerms, props SigProperties, sig Signature, callbackData []byte, predicates []Predicate) ([20]byte, error) {
	var signingParty, counterparty [20]byte
	switch side {
	case SideBorrower:
		signingParty, counterparty = borrower, lender
	case SideLender:
		signingParty, counterparty = lender, borrower
	default:
		return [20]byte{}, fmt.Errorf("loan: unknown signing side %d", side)
	}
	// The caller acts for the non-signing party; the signing party's intent
	// arrives through the signature.
	callerOK, err := o.core.IsSelfOrApproved(counterparty, caller)
	if err != nil {
		return [20]byte{}, err
	}
	if !callerOK {
		if side == SideBorrower {
			return [20]byte{}, ErrCallerNotLender
		}
		return [20]byte{}, ErrCallerNotBorrower
	}
	digest, err := OfferDigest(o.chainID, terms, props, side, counterparty, callbackData, predicates)
	if err != nil {
		return [20]byte{}, err
	}
	if err := o.verifySignature(digest, sig, signingParty); err != nil {
		return [20]byte{}, err
	}
	return signingParty, nil
}

// InitializeLoan settles a signed offer: terms validation, signature and
// nonce checks, collateral escrow, fund flows and note minting, in that
// order. The borrower callback runs only after the loan is fully settled, and
// the predicate check runs after the callback: a callback that moved bundle
// items out from under the offer fails the final check instead of slipping
// past it.
func (o *OriginationController) InitializeLoan(caller [20]byte, terms *LoanTerms, borrowerData BorrowerData, lender [20]byte, sig Signature, props SigProperties, side Side, predicates []Predicate) (uint64, error) {
	if terms == nil {
		return 0, errNilTerms
	}
	borrower := borrowerData.Borrower
	if err := o.core.ValidateTerms(terms); err != nil {
		return 0, err
	}
	signingParty, err := o.authorize(caller, borrower, lender, side, terms, props, sig, borrowerData.CallbackData, predicates)
	if err != nil {
		return 0, err
	}
	if err := o.core.ConsumeNonce(signingParty, props.Nonce, props.MaxUses); err != nil {
		return 0, err
	}
	if err := o.core.EscrowCollateral(borrower, terms.CollateralAddr, terms.CollateralID); err != nil {
		return 0, err
	}

	fees := o.core.Params().Fees
	originationFee := bpsShare(terms.Principal, fees.BorrowerOriginationFeeBps)
	amountToBorrower := new(big.Int).Sub(cloneBigInt(terms.Principal), originationFee)
	loanID, err := o.core.StartLoan(lender, borrower, terms, fees.Snapshot(), terms.Principal, amountToBorrower)
	if err != nil {
		return 0, err
	}

	if len(borrowerData.CallbackData) > 0 {
		if cb, ok := o.callbacks[borrower]; ok {
			if err := cb.OnLoanOriginated(o.core, loanID, borrower, borrowerData.CallbackData); err != nil {
				return 0, fmt.Errorf("loan: origination callback: %w", err)
			}
		}
	}
	if err := o.core.RunPredicates(o.registry, borrower, lender, terms, predicates); err != nil {
		return 0, err
	}
	return loanID, nil
}

// resolveRollover derives the fund-flow amounts for replacing an active loan
// with a new one over the same collateral. The settlement need is the old
// balance plus accrued interest plus the new origination fee; the new
// principal covers it either fully (leftover to the borrower) or partially
// (shortfall pulled from the borrower), never both.
func (o *OriginationController) resolveRollover(old *LoanData, terms *LoanTerms, now int64) (RolloverAmounts, error) {
	fees := o.core.Params().Fees
	interestDue := ProratedInterestDue(old.Balance, old.Terms.InterestRate, old.Terms.DurationSecs, old.StartDate, old.LastAccrual, now)
	interestFee := bpsShare(interestDue, old.Fees.LenderInterestFeeBps)
	principalFee := bpsShare(old.Balance, old.Fees.LenderPrincipalFeeBps)
	originationFee := bpsShare(terms.Principal, fees.BorrowerOriginationFeeBps)

	toOldLender := new(big.Int).Add(cloneBigInt(old.Balance), interestDue)
	toOldLender.Sub(toOldLender, interestFee)
	toOldLender.Sub(toOldLender, principalFee)

	needed := new(big.Int).Add(cloneBigInt(old.Balance), interestDue)
	needed.Add(needed, originationFee)

	amounts := RolloverAmounts{
		NeedFromBorrower:  big.NewInt(0),
		LeftoverPrincipal: big.NewInt(0),
		AmountFromLender:  cloneBigInt(terms.Principal),
		AmountToOldLender: toOldLender,
		AmountToLender:    big.NewInt(0),
		AmountToBorrower:  big.NewInt(0),
		InterestAmount:    interestDue,
	}
	if terms.Principal.Cmp(needed) >= 0 {
		amounts.LeftoverPrincipal = new(big.Int).Sub(cloneBigInt(terms.Principal), needed)
		amounts.AmountToBorrower = cloneBigInt(amounts.LeftoverPrincipal)
	} else {
		amounts.NeedFromBorrower = new(big.Int).Sub(needed, cloneBigInt(terms.Principal))
	}
	return amounts, nil
}

func matchCollateral(old *LoanData, terms *LoanTerms) error {
	if terms.PayableCurrency != old.Terms.PayableCurrency {
		return ErrCurrencyMismatch
	}
	if terms.CollateralAddr != old.Terms.CollateralAddr {
		return ErrCollateralMismatch
	}
	if terms.CollateralID == nil || old.Terms.CollateralID == nil ||
		terms.CollateralID.Cmp(old.Terms.CollateralID) != 0 {
		return ErrCollateralIDMismatch
	}
	return nil
}

// RolloverLoan closes an active loan into a successor under freshly signed
// terms, keeping the collateral in escrow throughout. The borrower side is
// fixed by the old borrower note; the new lender side follows the same
// signed-offer authorisation as origination.
func (o *OriginationController) RolloverLoan(caller [20]byte, oldLoanID uint64, terms *LoanTerms, lender [20]byte, sig Signature, props SigProperties, side Side, predicates []Predicate) (uint64, error) {
	if terms == nil {
		return 0, errNilTerms
	}
	old, err := o.core.GetLoan(oldLoanID)
	if err != nil {
		return 0, err
	}
	if old.State != LoanActive {
		return 0, fmt.Errorf("%w: state %s, need %s", ErrLoanNotActive, old.State, LoanActive)
	}
	if err := matchCollateral(old, terms); err != nil {
		return 0, err
	}
	if err := o.core.ValidateTerms(terms); err != nil {
		return 0, err
	}
	borrower, ok, err := o.core.NoteOwner(BorrowerNote, oldLoanID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNotNoteOwner
	}
	// Rollover offers are signed by the incoming lender; the borrower side
	// consents by initiating, so the lender cannot pick the settlement time
	// and with it the shortfall pulled from the borrower.
	if side != SideLender {
		return 0, ErrCallerNotBorrower
	}
	signingParty, err := o.authorize(caller, borrower, lender, side, terms, props, sig, nil, predicates)
	if err != nil {
		return 0, err
	}
	if err := o.core.ConsumeNonce(signingParty, props.Nonce, props.MaxUses); err != nil {
		return 0, err
	}
	if err := o.core.RunPredicates(o.registry, borrower, lender, terms, predicates); err != nil {
		return 0, err
	}
	amounts, err := o.resolveRollover(old, terms, o.core.now())
	if err != nil {
		return 0, err
	}
	return o.core.Rollover(oldLoanID, borrower, lender, terms, o.core.Params().Fees.Snapshot(), amounts)
}

// RefinanceLoan lets a new lender unilaterally take over an active loan on
// strictly better terms. No borrower signature is required: the rate must
// improve by at least MinRefinanceRateDeltaBps, the maturity may only move
// out, and the new principal must cover the full payoff so the borrower owes
// nothing at the switch.
func (o *OriginationController) RefinanceLoan(caller [20]byte, oldLoanID uint64, terms *LoanTerms) (uint64, error) {
	if terms == nil {
		return 0, errNilTerms
	}
	old, err := o.core.GetLoan(oldLoanID)
	if err != nil {
		return 0, err
	}
	if old.State != LoanActive {
		return 0, fmt.Errorf("%w: state %s, need %s", ErrLoanNotActive, old.State, LoanActive)
	}
	if err := matchCollateral(old, terms); err != nil {
		return 0, err
	}
	if err := o.core.ValidateTerms(terms); err != nil {
		return 0, err
	}
	maxRate := new(big.Int).Sub(old.Terms.InterestRate, big.NewInt(MinRefinanceRateDeltaBps))
	if terms.InterestRate.Cmp(maxRate) > 0 {
		return 0, ErrRateDeltaTooSmall
	}
	now := o.core.now()
	if now+terms.DurationSecs < old.StartDate+old.Terms.DurationSecs {
		return 0, fmt.Errorf("%w: refinance may not shorten maturity", ErrDurationOutOfBounds)
	}
	borrower, ok, err := o.core.NoteOwner(BorrowerNote, oldLoanID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNotNoteOwner
	}
	amounts, err := o.resolveRollover(old, terms, now)
	if err != nil {
		return 0, err
	}
	if amounts.NeedFromBorrower.Sign() > 0 {
		return 0, fmt.Errorf("%w: principal must cover payoff", ErrPrincipalTooLow)
	}
	return o.core.Refinance(oldLoanID, borrower, caller, terms, o.core.Params().Fees.Snapshot(), amounts)
}
