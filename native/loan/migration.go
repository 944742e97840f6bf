package loan

import (
	"errors"
	"fmt"
	"math/big"
)

// SourceLedger is the read/settle surface a previous-generation lending
// ledger must expose for its loans to migrate here. RepayAndRelease settles
// the source loan from the payer's account and must leave the collateral
// with the borrower.
type SourceLedger interface {
	PayoffAmount(loanID uint64, now int64) (token string, amount *big.Int, err error)
	LoanCollateral(loanID uint64) (collection [20]byte, id *big.Int, borrower [20]byte, err error)
	RepayAndRelease(loanID uint64, payer [20]byte) error
}

// FlashLender provides transient liquidity. FlashBorrow credits the
// receiver's working account with amount, invokes the callback, then pulls
// amount plus fee back; a shortfall fails the whole borrow.
type FlashLender interface {
	FlashFee(token string, amount *big.Int) (*big.Int, error)
	FlashBorrow(token string, amount *big.Int, receiver FlashBorrower, data []byte) error
}

// FlashBorrower receives flash liquidity mid-borrow.
type FlashBorrower interface {
	ReceiveFlashLoan(pool FlashLender, token string, amount, fee *big.Int, data []byte) error
}

type migrationContext struct {
	sourceLoanID uint64
	borrower     [20]byte
	lender       [20]byte
	signingParty [20]byte
	terms        *LoanTerms
	props        SigProperties
	predicates   []Predicate
	pool         FlashLender
	newLoanID    uint64
}

// MigrationAdapter moves an active loan from a source ledger onto this one in
// a single settlement: flash liquidity pays off the source loan, the freed
// collateral backs a new loan under a freshly signed lender offer, and the
// new principal plus any borrower top-up repays the flash pool.
type MigrationAdapter struct {
	core        *LoanCore
	origination *OriginationController
	source      SourceLedger
	pool        FlashLender
	// pending correlates the flash callback with the migration that
	// requested it. A non-nil value outside a migration means a previous
	// run failed to reset and the adapter refuses to start.
	pending *migrationContext
}

// NewMigrationAdapter wires the adapter to the destination ledger, the source
// ledger being drained and the flash pool funding the payoffs.
func NewMigrationAdapter(core *LoanCore, origination *OriginationController, source SourceLedger, pool FlashLender) *MigrationAdapter {
	return &MigrationAdapter{
		core:        core,
		origination: origination,
		source:      source,
		pool:        pool,
	}
}

// MigrateLoan settles the caller's loan on the source ledger and opens its
// successor here. The caller acts for the borrower; the new lender's intent
// arrives through the signed offer.
func (m *MigrationAdapter) MigrateLoan(caller [20]byte, sourceLoanID uint64, terms *LoanTerms, lender [20]byte, sig Signature, props SigProperties, predicates []Predicate) (uint64, error) {
	if m.pending != nil {
		return 0, ErrBorrowerNotReset
	}
	if terms == nil {
		return 0, errNilTerms
	}
	collection, collateralID, borrower, err := m.source.LoanCollateral(sourceLoanID)
	if err != nil {
		return 0, err
	}
	if collection != terms.CollateralAddr {
		return 0, ErrCollateralMismatch
	}
	if collateralID == nil || terms.CollateralID == nil || collateralID.Cmp(terms.CollateralID) != 0 {
		return 0, ErrCollateralIDMismatch
	}
	approved, err := m.core.IsSelfOrApproved(borrower, caller)
	if err != nil {
		return 0, err
	}
	if !approved {
		return 0, ErrCallerNotBorrower
	}
	if err := m.core.ValidateTerms(terms); err != nil {
		return 0, err
	}
	payoffToken, payoff, err := m.source.PayoffAmount(sourceLoanID, m.core.now())
	if err != nil {
		return 0, err
	}
	if payoffToken != terms.PayableCurrency {
		return 0, ErrCurrencyMismatch
	}
	signingParty, err := m.origination.authorize(caller, borrower, lender, SideLender, terms, props, sig, nil, predicates)
	if err != nil {
		return 0, err
	}

	m.pending = &migrationContext{
		sourceLoanID: sourceLoanID,
		borrower:     borrower,
		lender:       lender,
		signingParty: signingParty,
		terms:        terms,
		props:        props,
		predicates:   predicates,
		pool:         m.pool,
	}
	defer func() { m.pending = nil }()

	if err := m.pool.FlashBorrow(payoffToken, payoff, m, nil); err != nil {
		return 0, err
	}
	newLoanID := m.pending.newLoanID
	fee, err := m.pool.FlashFee(payoffToken, payoff)
	if err != nil {
		fee = big.NewInt(0)
	}
	m.core.emit(NewLoanMigratedEvent(sourceLoanID, newLoanID, borrower, fee))
	return newLoanID, nil
}

// ReceiveFlashLoan is the mid-borrow callback. The flash funds sit in the
// module vault; they pay off the source loan, the freed collateral is
// escrowed and the new loan originated, and the borrower's proceeds plus any
// top-up are left in the vault for the pool to reclaim. The predicate check
// runs last, once every custody change has landed.
func (m *MigrationAdapter) ReceiveFlashLoan(pool FlashLender, token string, amount, fee *big.Int, data []byte) error {
	ctx := m.pending
	if ctx == nil || pool != ctx.pool {
		return ErrUnknownFlashPool
	}
	if err := m.source.RepayAndRelease(ctx.sourceLoanID, m.core.Vault()); err != nil {
		return err
	}
	if err := m.core.ConsumeNonce(ctx.signingParty, ctx.props.Nonce, ctx.props.MaxUses); err != nil {
		return err
	}
	if err := m.core.EscrowCollateral(ctx.borrower, ctx.terms.CollateralAddr, ctx.terms.CollateralID); err != nil {
		return err
	}

	fees := m.core.Params().Fees
	originationFee := bpsShare(ctx.terms.Principal, fees.BorrowerOriginationFeeBps)
	amountToBorrower := new(big.Int).Sub(cloneBigInt(ctx.terms.Principal), originationFee)
	newLoanID, err := m.core.StartLoan(ctx.lender, ctx.borrower, ctx.terms, fees.Snapshot(), ctx.terms.Principal, amountToBorrower)
	if err != nil {
		return err
	}
	ctx.newLoanID = newLoanID

	// The pool reclaims amount plus fee from the vault after this returns,
	// so the borrower funds the difference now.
	owed := new(big.Int).Add(cloneBigInt(amount), cloneBigInt(fee))
	if err := m.core.transfer(ctx.borrower, m.core.Vault(), token, owed); err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			return fmt.Errorf("%w: need %s %s", ErrFlashLoanShortfall, owed, token)
		}
		return err
	}
	return m.core.RunPredicates(m.origination.registry, ctx.borrower, ctx.lender, ctx.terms, ctx.predicates)
}

// FlashPool is a single-account flash liquidity pool over the ledger's
// balance store.
type FlashPool struct {
	core    *LoanCore
	account [20]byte
	feeBps  uint64
}

// NewFlashPool creates a pool funded from the given account.
func NewFlashPool(core *LoanCore, account [20]byte, feeBps uint64) *FlashPool {
	return &FlashPool{core: core, account: account, feeBps: feeBps}
}

// FlashFee quotes the fee for borrowing amount.
func (p *FlashPool) FlashFee(token string, amount *big.Int) (*big.Int, error) {
	return bpsShare(amount, p.feeBps), nil
}

// FlashBorrow credits the receiver's vault with amount, runs the callback and
// reclaims amount plus fee.
func (p *FlashPool) FlashBorrow(token string, amount *big.Int, receiver FlashBorrower, data []byte) error {
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	fee, err := p.FlashFee(token, amount)
	if err != nil {
		return err
	}
	if err := p.core.transfer(p.account, p.core.Vault(), token, amount); err != nil {
		return err
	}
	if err := receiver.ReceiveFlashLoan(p, token, amount, fee, data); err != nil {
		return err
	}
	owed := new(big.Int).Add(cloneBigInt(amount), fee)
	if err := p.core.transfer(p.core.Vault(), p.account, token, owed); err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			return fmt.Errorf("%w: owed %s %s", ErrFlashLoanShortfall, owed, token)
		}
		return err
	}
	return nil
}

// LedgerSource adapts a previous-generation LoanCore sharing the same
// underlying chain state into a migration source.
type LedgerSource struct {
	core  *LoanCore
	repay *RepaymentController
}

// NewLedgerSource wraps an old ledger for migration.
func NewLedgerSource(core *LoanCore) *LedgerSource {
	return &LedgerSource{core: core, repay: NewRepaymentController(core)}
}

// PayoffAmount reports the currency and full settlement amount of a source
// loan.
func (s *LedgerSource) PayoffAmount(loanID uint64, now int64) (string, *big.Int, error) {
	record, err := s.core.GetLoan(loanID)
	if err != nil {
		return "", nil, err
	}
	_, total, err := s.repay.AmountOwed(loanID)
	if err != nil {
		return "", nil, err
	}
	return record.Terms.PayableCurrency, total, nil
}

// LoanCollateral reports the collateral reference and current borrower-note
// holder of a source loan.
func (s *LedgerSource) LoanCollateral(loanID uint64) ([20]byte, *big.Int, [20]byte, error) {
	record, err := s.core.GetLoan(loanID)
	if err != nil {
		return [20]byte{}, nil, [20]byte{}, err
	}
	borrower, ok, err := s.core.NoteOwner(BorrowerNote, loanID)
	if err != nil {
		return [20]byte{}, nil, [20]byte{}, err
	}
	if !ok {
		return [20]byte{}, nil, [20]byte{}, ErrNotNoteOwner
	}
	return record.Terms.CollateralAddr, record.Terms.CollateralID, borrower, nil
}

// RepayAndRelease settles the source loan in full from the payer's account,
// releasing the collateral to the borrower-note holder.
func (s *LedgerSource) RepayAndRelease(loanID uint64, payer [20]byte) error {
	return s.repay.RepayFull(payer, loanID)
}
