package loan

import (
	"fmt"
	"math/big"
	"sort"
	"time"

	"loanledger/core/events"
	"loanledger/core/types"
	nativecommon "loanledger/native/common"
)

// ledgerState is the persistence surface required by the settlement engine.
// Implementations must be transaction-serial: the engine performs no locking
// beyond its own reentrancy guard.
type ledgerState interface {
	NextLoanID() (uint64, error)
	GetLoan(id uint64) (*LoanData, error)
	PutLoan(loan *LoanData) error
	Loans(fn func(*LoanData) bool) error

	GetAccount(addr [20]byte) (*types.Account, error)
	PutAccount(addr [20]byte, acc *types.Account) error

	CollateralOwner(collection [20]byte, id *big.Int) ([20]byte, bool, error)
	SetCollateralOwner(collection [20]byte, id *big.Int, owner [20]byte) error

	NoteOwner(kind NoteKind, loanID uint64) ([20]byte, bool, error)
	SetNoteOwner(kind NoteKind, loanID uint64, owner [20]byte) error
	BurnNote(kind NoteKind, loanID uint64) error

	GetNonce(owner [20]byte, nonce uint64) (*NonceRecord, error)
	PutNonce(owner [20]byte, nonce uint64, record *NonceRecord) error

	Approval(owner, delegate [20]byte) (bool, error)
	SetApproval(owner, delegate [20]byte, approved bool) error

	GetReceipt(loanID uint64) (*NoteReceipt, error)
	PutReceipt(loanID uint64, receipt *NoteReceipt) error
	DeleteReceipt(loanID uint64) error

	FeeBalance(token string) (*big.Int, error)
	PutFeeBalance(token string, amount *big.Int) error

	AffiliateSplit(code [32]byte) (*AffiliateSplit, error)
	PutAffiliateSplit(code [32]byte, split *AffiliateSplit) error

	CurrencyMinimum(token string) (*big.Int, bool, error)
	SetAllowedCurrency(token string, minPrincipal *big.Int, allowed bool) error
	CollateralAllowed(collection [20]byte) (bool, error)
	SetAllowedCollateral(collection [20]byte, allowed bool) error
	VerifierAllowed(tag string) (bool, error)
	SetAllowedVerifier(tag string, allowed bool) error

	HasRole(addr [20]byte, role Role) (bool, error)
	SetRole(addr [20]byte, role Role, enabled bool) error
}

type loanEvent struct {
	evt *types.Event
}

func (e loanEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e loanEvent) Event() *types.Event { return e.evt }

// LoanCore is the settlement ledger: it owns the canonical loan records,
// escrows collateral references, mints and burns the ownership notes and
// executes every lifecycle transition. Fund-flow amounts arrive pre-resolved
// from the orchestrating controllers; LoanCore asserts the defensive bounds
// and performs the state transition.
type LoanCore struct {
	state   ledgerState
	emitter events.Emitter
	vault   [20]byte
	params  ProtocolParams
	pauses  nativecommon.PauseView
	nowFn   func() int64
	// busy is the reentrancy guard: a nested callback re-entering any
	// guarded entry point during a transition is rejected.
	busy bool
}

// NewLoanCore constructs the ledger with the module vault address that holds
// escrowed collateral and undistributed funds.
func NewLoanCore(vault [20]byte, params ProtocolParams) *LoanCore {
	if params.GracePeriodSecs <= 0 {
		params.GracePeriodSecs = DefaultGracePeriodSecs
	}
	return &LoanCore{
		vault:   vault,
		params:  params,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the external persistence layer.
func (c *LoanCore) SetState(state ledgerState) { c.state = state }

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (c *LoanCore) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		c.emitter = events.NoopEmitter{}
		return
	}
	c.emitter = emitter
}

// SetPauses wires the administrative pause view.
func (c *LoanCore) SetPauses(p nativecommon.PauseView) {
	if c == nil {
		return
	}
	c.pauses = p
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (c *LoanCore) SetNowFunc(now func() int64) {
	if now == nil {
		c.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	c.nowFn = now
}

// Vault returns the module escrow address.
func (c *LoanCore) Vault() [20]byte { return c.vault }

// Params returns the active protocol parameters.
func (c *LoanCore) Params() ProtocolParams { return c.params }

func (c *LoanCore) emit(event *types.Event) {
	if c == nil || c.emitter == nil || event == nil {
		return
	}
	c.emitter.Emit(loanEvent{evt: event})
}

func (c *LoanCore) now() int64 {
	if c == nil || c.nowFn == nil {
		return time.Now().Unix()
	}
	return c.nowFn()
}

func (c *LoanCore) acquire() error {
	if c.busy {
		return ErrReentrantCall
	}
	c.busy = true
	return nil
}

func (c *LoanCore) release() { c.busy = false }

func (c *LoanCore) guard() error {
	if c == nil || c.state == nil {
		return errNilState
	}
	return nativecommon.Guard(c.pauses, moduleName)
}

// --- fund and collateral movement ---

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return types.NewAccount()
	}
	if acc.Balances == nil {
		acc.Balances = make(map[string]*big.Int)
	}
	return acc
}

func (c *LoanCore) transfer(from, to [20]byte, token string, amount *big.Int) error {
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("loan: negative transfer amount")
	}
	fromAcc, err := c.state.GetAccount(from)
	if err != nil {
		return err
	}
	toAcc, err := c.state.GetAccount(to)
	if err != nil {
		return err
	}
	fromAcc = ensureAccount(fromAcc)
	toAcc = ensureAccount(toAcc)
	if fromAcc.Balance(token).Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}
	// Both accounts decode to independent copies, so a self-transfer must
	// not apply the debit and credit separately.
	if from == to {
		return nil
	}
	fromAcc.SetBalance(token, new(big.Int).Sub(fromAcc.Balance(token), amt))
	toAcc.SetBalance(token, new(big.Int).Add(toAcc.Balance(token), amt))
	if err := c.state.PutAccount(from, fromAcc); err != nil {
		return err
	}
	return c.state.PutAccount(to, toAcc)
}

func (c *LoanCore) hasBalance(addr [20]byte, token string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	acc, err := c.state.GetAccount(addr)
	if err != nil {
		return err
	}
	if ensureAccount(acc).Balance(token).Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	return nil
}

// EscrowCollateral moves the collateral token from its owner into the module
// vault. Only the current owner's holdings can be escrowed.
func (c *LoanCore) EscrowCollateral(from, collection [20]byte, id *big.Int) error {
	if err := c.guard(); err != nil {
		return err
	}
	owner, ok, err := c.state.CollateralOwner(collection, id)
	if err != nil {
		return err
	}
	if !ok || owner != from {
		return ErrNotCollateralOwner
	}
	return c.state.SetCollateralOwner(collection, id, c.vault)
}

// TransferCollateral moves a collateral token between accounts. Tokens locked
// in the module vault cannot be moved by anyone but the ledger itself, which
// is the escrow-lock half of the callback reentrancy defence.
func (c *LoanCore) TransferCollateral(caller, collection [20]byte, id *big.Int, to [20]byte) error {
	if err := c.guard(); err != nil {
		return err
	}
	owner, ok, err := c.state.CollateralOwner(collection, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotCollateralOwner
	}
	if owner == c.vault {
		return ErrCollateralEscrowed
	}
	if owner != caller {
		return ErrNotCollateralOwner
	}
	return c.state.SetCollateralOwner(collection, id, to)
}

func (c *LoanCore) releaseCollateral(collection [20]byte, id *big.Int, to [20]byte) error {
	owner, ok, err := c.state.CollateralOwner(collection, id)
	if err != nil {
		return err
	}
	if !ok || owner != c.vault {
		return ErrCollateralEscrowed
	}
	return c.state.SetCollateralOwner(collection, id, to)
}

// TransferNote reassigns a loan note to a new holder. Loan rights follow the
// note.
func (c *LoanCore) TransferNote(caller [20]byte, kind NoteKind, loanID uint64, to [20]byte) error {
	if err := c.guard(); err != nil {
		return err
	}
	owner, ok, err := c.state.NoteOwner(kind, loanID)
	if err != nil {
		return err
	}
	if !ok || owner != caller {
		return ErrNotNoteOwner
	}
	return c.state.SetNoteOwner(kind, loanID, to)
}

func (c *LoanCore) noteOwner(kind NoteKind, loanID uint64) ([20]byte, error) {
	owner, ok, err := c.state.NoteOwner(kind, loanID)
	if err != nil {
		return [20]byte{}, err
	}
	if !ok {
		return [20]byte{}, ErrNotNoteOwner
	}
	return owner, nil
}

// NoteOwner reports the current holder of a loan note.
func (c *LoanCore) NoteOwner(kind NoteKind, loanID uint64) ([20]byte, bool, error) {
	if c == nil || c.state == nil {
		return [20]byte{}, false, errNilState
	}
	return c.state.NoteOwner(kind, loanID)
}

// CollateralOwner reports the current holder of a collateral token.
func (c *LoanCore) CollateralOwner(collection [20]byte, id *big.Int) ([20]byte, bool, error) {
	if c == nil || c.state == nil {
		return [20]byte{}, false, errNilState
	}
	return c.state.CollateralOwner(collection, id)
}

// GetLoan returns a copy of the loan record.
func (c *LoanCore) GetLoan(loanID uint64) (*LoanData, error) {
	if c == nil || c.state == nil {
		return nil, errNilState
	}
	record, err := c.state.GetLoan(loanID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrLoanNotFound
	}
	return record.Clone(), nil
}

// Loans returns every loan record ordered by identifier.
func (c *LoanCore) Loans() ([]*LoanData, error) {
	if c == nil || c.state == nil {
		return nil, errNilState
	}
	var out []*LoanData
	err := c.state.Loans(func(record *LoanData) bool {
		out = append(out, record.Clone())
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LoanID < out[j].LoanID })
	return out, nil
}

func (c *LoanCore) creditFees(token string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	balance, err := c.state.FeeBalance(token)
	if err != nil {
		return err
	}
	return c.state.PutFeeBalance(token, new(big.Int).Add(cloneBigInt(balance), amount))
}

// routeOriginationFee splits the origination fee between the protocol
// accumulator and the affiliate named by the loan terms. The affiliate share
// is paid out immediately from the vault.
func (c *LoanCore) routeOriginationFee(terms *LoanTerms, fee *big.Int) error {
	if fee == nil || fee.Sign() <= 0 {
		return nil
	}
	protocolShare := cloneBigInt(fee)
	if terms.AffiliateCode != ([32]byte{}) {
		split, err := c.state.AffiliateSplit(terms.AffiliateCode)
		if err != nil {
			return err
		}
		if split != nil && split.SplitBps > 0 {
			affiliateShare := new(big.Int).Mul(fee, new(big.Int).SetUint64(split.SplitBps))
			affiliateShare.Quo(affiliateShare, basisPoints)
			if affiliateShare.Sign() > 0 {
				if err := c.transfer(c.vault, split.Recipient, terms.PayableCurrency, affiliateShare); err != nil {
					return err
				}
				protocolShare.Sub(protocolShare, affiliateShare)
			}
		}
	}
	return c.creditFees(terms.PayableCurrency, protocolShare)
}

// --- lifecycle transitions ---

// StartLoan records a new Active loan, pulls the lender principal, pays the
// borrower net proceeds and mints both ownership notes. The collateral must
// already sit in the module vault: LoanCore trusts its caller, the
// origination controller, to have completed escrow.
func (c *LoanCore) StartLoan(lender, borrower [20]byte, terms *LoanTerms, fees FeeSnapshot, amountFromLender, amountToBorrower *big.Int) (uint64, error) {
	if err := c.guard(); err != nil {
		return 0, err
	}
	if err := c.acquire(); err != nil {
		return 0, err
	}
	defer c.release()
	if terms == nil {
		return 0, errNilTerms
	}
	if amountFromLender == nil || amountFromLender.Sign() <= 0 {
		return 0, errInvalidAmount
	}
	if amountToBorrower == nil || amountToBorrower.Sign() < 0 || amountToBorrower.Cmp(amountFromLender) > 0 {
		return 0, errInvalidAmount
	}
	owner, ok, err := c.state.CollateralOwner(terms.CollateralAddr, terms.CollateralID)
	if err != nil {
		return 0, err
	}
	if !ok || owner != c.vault {
		return 0, ErrCollateralEscrowed
	}
	if err := c.hasBalance(lender, terms.PayableCurrency, amountFromLender); err != nil {
		return 0, err
	}

	loanID, err := c.state.NextLoanID()
	if err != nil {
		return 0, err
	}
	now := c.now()
	record := &LoanData{
		LoanID:       loanID,
		State:        LoanActive,
		Terms:        *terms.Clone(),
		StartDate:    now,
		LastAccrual:  now,
		Balance:      cloneBigInt(terms.Principal),
		InterestPaid: big.NewInt(0),
		Fees:         fees,
	}

	if err := c.transfer(lender, c.vault, terms.PayableCurrency, amountFromLender); err != nil {
		return 0, err
	}
	if err := c.transfer(c.vault, borrower, terms.PayableCurrency, amountToBorrower); err != nil {
		return 0, err
	}
	originationFee := new(big.Int).Sub(amountFromLender, amountToBorrower)
	if err := c.routeOriginationFee(terms, originationFee); err != nil {
		return 0, err
	}

	if err := c.state.PutLoan(record); err != nil {
		return 0, err
	}
	if err := c.state.SetNoteOwner(BorrowerNote, loanID, borrower); err != nil {
		return 0, err
	}
	if err := c.state.SetNoteOwner(LenderNote, loanID, lender); err != nil {
		return 0, err
	}
	c.emit(NewLoanStartedEvent(record, borrower, lender))
	return loanID, nil
}

// Repay applies an interest/principal split computed by the repayment
// controller. The split is trusted but bounded: principal retired can never
// exceed the outstanding balance. A repayment that zeroes the balance
// terminates the loan, burns the borrower note and releases the collateral.
// The force variant defers the lender payout into a note receipt instead of
// pushing funds, so a lender-side obstruction cannot block termination.
func (c *LoanCore) Repay(loanID uint64, payer [20]byte, interestAmount, principalAmount *big.Int, force bool) error {
	if err := c.guard(); err != nil {
		return err
	}
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.release()
	record, err := c.state.GetLoan(loanID)
	if err != nil {
		return err
	}
	if record == nil {
		return ErrLoanNotFound
	}
	if record.State != LoanActive {
		return fmt.Errorf("%w: state %s, need %s", ErrLoanNotActive, record.State, LoanActive)
	}
	interest := cloneBigInt(interestAmount)
	principal := cloneBigInt(principalAmount)
	if interest.Sign() < 0 || principal.Sign() < 0 {
		return errInvalidAmount
	}
	total := new(big.Int).Add(interest, principal)
	if total.Sign() <= 0 {
		return errInvalidAmount
	}
	if principal.Cmp(record.Balance) > 0 {
		return ErrPrincipalExceedsBalance
	}
	token := record.Terms.PayableCurrency
	if err := c.hasBalance(payer, token, total); err != nil {
		return err
	}

	interestFee := bpsShare(interest, record.Fees.LenderInterestFeeBps)
	principalFee := bpsShare(principal, record.Fees.LenderPrincipalFeeBps)
	lenderDue := new(big.Int).Sub(total, interestFee)
	lenderDue.Sub(lenderDue, principalFee)

	if err := c.transfer(payer, c.vault, token, total); err != nil {
		return err
	}
	if err := c.creditFees(token, new(big.Int).Add(interestFee, principalFee)); err != nil {
		return err
	}

	record.Balance = new(big.Int).Sub(record.Balance, principal)
	record.InterestPaid = new(big.Int).Add(record.InterestPaid, interest)
	now := c.now()
	if now > record.LastAccrual {
		record.LastAccrual = now
	}
	fullyRepaid := record.Balance.Sign() == 0
	if fullyRepaid {
		record.State = LoanRepaid
	}

	if force {
		if err := c.creditReceipt(loanID, token, lenderDue); err != nil {
			return err
		}
	} else {
		lenderAddr, err := c.noteOwner(LenderNote, loanID)
		if err != nil {
			return err
		}
		if err := c.transfer(c.vault, lenderAddr, token, lenderDue); err != nil {
			return err
		}
	}

	if fullyRepaid {
		borrowerAddr, err := c.noteOwner(BorrowerNote, loanID)
		if err != nil {
			return err
		}
		if err := c.releaseCollateral(record.Terms.CollateralAddr, record.Terms.CollateralID, borrowerAddr); err != nil {
			return err
		}
		if err := c.state.BurnNote(BorrowerNote, loanID); err != nil {
			return err
		}
		if !force {
			// Lender paid in full; any receipt from earlier forced
			// payments settles now, nothing is left to redeem.
			lenderAddr, err := c.noteOwner(LenderNote, loanID)
			if err != nil {
				return err
			}
			if err := c.settleReceipt(loanID, lenderAddr); err != nil {
				return err
			}
			if err := c.state.BurnNote(LenderNote, loanID); err != nil {
				return err
			}
		}
	}

	if err := c.state.PutLoan(record); err != nil {
		return err
	}
	c.emit(NewLoanPaymentEvent(record, payer, interest, principal))
	if fullyRepaid {
		if force {
			c.emit(NewForceRepayEvent(record))
		} else {
			c.emit(NewLoanRepaidEvent(record))
		}
	}
	return nil
}

func (c *LoanCore) creditReceipt(loanID uint64, token string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	receipt, err := c.state.GetReceipt(loanID)
	if err != nil {
		return err
	}
	if receipt == nil {
		receipt = &NoteReceipt{Token: token, Amount: big.NewInt(0)}
	}
	receipt.Token = token
	receipt.Amount = new(big.Int).Add(cloneBigInt(receipt.Amount), amount)
	return c.state.PutReceipt(loanID, receipt)
}

// settleReceipt pays any outstanding receipt for the loan to the recipient
// and destroys it. Terminal transitions that burn the lender note settle
// first, so a partial force-repayment credit can never strand in the vault.
func (c *LoanCore) settleReceipt(loanID uint64, to [20]byte) error {
	receipt, err := c.state.GetReceipt(loanID)
	if err != nil {
		return err
	}
	if receipt == nil || receipt.Amount == nil || receipt.Amount.Sign() == 0 {
		return nil
	}
	if err := c.transfer(c.vault, to, receipt.Token, receipt.Amount); err != nil {
		return err
	}
	return c.state.DeleteReceipt(loanID)
}

// Claim transitions a matured, unpaid loan to Defaulted and hands the
// collateral to the lender-note holder. Callable only after the grace period
// past maturity has elapsed. The claim fee was computed by the repayment
// controller from the loan's fee snapshot.
func (c *LoanCore) Claim(loanID uint64, claimFee *big.Int) error {
	if err := c.guard(); err != nil {
		return err
	}
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.release()
	record, err := c.state.GetLoan(loanID)
	if err != nil {
		return err
	}
	if record == nil {
		return ErrLoanNotFound
	}
	if record.State != LoanActive {
		return fmt.Errorf("%w: state %s, need %s", ErrLoanNotActive, record.State, LoanActive)
	}
	dueDate := record.StartDate + record.Terms.DurationSecs + c.params.GracePeriodSecs
	if c.now() <= dueDate {
		return fmt.Errorf("%w: claimable after %d", ErrLoanNotDefaulted, dueDate)
	}
	lenderAddr, err := c.noteOwner(LenderNote, loanID)
	if err != nil {
		return err
	}
	token := record.Terms.PayableCurrency
	fee := cloneBigInt(claimFee)
	if fee.Sign() > 0 {
		if err := c.transfer(lenderAddr, c.vault, token, fee); err != nil {
			return err
		}
		if err := c.creditFees(token, fee); err != nil {
			return err
		}
	}
	if err := c.releaseCollateral(record.Terms.CollateralAddr, record.Terms.CollateralID, lenderAddr); err != nil {
		return err
	}
	record.State = LoanDefaulted
	if err := c.settleReceipt(loanID, lenderAddr); err != nil {
		return err
	}
	if err := c.state.BurnNote(LenderNote, loanID); err != nil {
		return err
	}
	if err := c.state.BurnNote(BorrowerNote, loanID); err != nil {
		return err
	}
	if err := c.state.PutLoan(record); err != nil {
		return err
	}
	c.emit(NewLoanClaimedEvent(record, lenderAddr))
	return nil
}

// RedeemNote pays out an outstanding note receipt to the recipient and burns
// the lender note. Redeemable only once the loan is terminal; receipts
// accrued by partial forced payments stay locked while principal is still
// outstanding, since the lender note must survive until settlement.
func (c *LoanCore) RedeemNote(loanID uint64, to [20]byte) error {
	if err := c.guard(); err != nil {
		return err
	}
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.release()
	record, err := c.state.GetLoan(loanID)
	if err != nil {
		return err
	}
	if record == nil {
		return ErrLoanNotFound
	}
	if record.State == LoanActive {
		return fmt.Errorf("%w: receipt locked until termination", ErrLoanStillActive)
	}
	receipt, err := c.state.GetReceipt(loanID)
	if err != nil {
		return err
	}
	if receipt == nil || receipt.Amount == nil || receipt.Amount.Sign() == 0 {
		return ErrNoReceiptOutstanding
	}
	if err := c.transfer(c.vault, to, receipt.Token, receipt.Amount); err != nil {
		return err
	}
	if err := c.state.DeleteReceipt(loanID); err != nil {
		return err
	}
	if err := c.state.BurnNote(LenderNote, loanID); err != nil {
		return err
	}
	c.emit(NewNoteRedeemedEvent(loanID, to, receipt))
	return nil
}

// Rollover atomically closes the old loan as an implicit full repayment and
// opens a new loan under new terms, reusing the escrowed collateral without
// round-tripping it through borrower custody. All transfer amounts arrive
// pre-resolved from the origination controller; LoanCore performs the state
// transition, the note churn and the fund moves.
func (c *LoanCore) Rollover(oldLoanID uint64, borrower, lender [20]byte, terms *LoanTerms, fees FeeSnapshot, amounts RolloverAmounts) (uint64, error) {
	return c.replaceLoan(oldLoanID, borrower, lender, terms, fees, amounts, false)
}

// Refinance is the rollover variant where a new lender takes over an existing
// loan. The minimum-rate-improvement guard is enforced by the caller; the
// ledger transition is identical in shape.
func (c *LoanCore) Refinance(oldLoanID uint64, borrower, lender [20]byte, terms *LoanTerms, fees FeeSnapshot, amounts RolloverAmounts) (uint64, error) {
	return c.replaceLoan(oldLoanID, borrower, lender, terms, fees, amounts, true)
}

func (c *LoanCore) replaceLoan(oldLoanID uint64, borrower, lender [20]byte, terms *LoanTerms, fees FeeSnapshot, amounts RolloverAmounts, refinance bool) (uint64, error) {
	if err := c.guard(); err != nil {
		return 0, err
	}
	if err := c.acquire(); err != nil {
		return 0, err
	}
	defer c.release()
	if terms == nil {
		return 0, errNilTerms
	}
	old, err := c.state.GetLoan(oldLoanID)
	if err != nil {
		return 0, err
	}
	if old == nil {
		return 0, ErrLoanNotFound
	}
	if old.State != LoanActive {
		return 0, fmt.Errorf("%w: state %s, need %s", ErrLoanNotActive, old.State, LoanActive)
	}
	if cloneBigInt(amounts.NeedFromBorrower).Sign() > 0 && cloneBigInt(amounts.LeftoverPrincipal).Sign() > 0 {
		return 0, ErrFundsConflict
	}
	token := terms.PayableCurrency
	owner, ok, err := c.state.CollateralOwner(terms.CollateralAddr, terms.CollateralID)
	if err != nil {
		return 0, err
	}
	if !ok || owner != c.vault {
		return 0, ErrCollateralEscrowed
	}
	oldLenderAddr, err := c.noteOwner(LenderNote, oldLoanID)
	if err != nil {
		return 0, err
	}
	if err := c.hasBalance(lender, token, amounts.AmountFromLender); err != nil {
		return 0, err
	}
	if err := c.hasBalance(borrower, token, amounts.NeedFromBorrower); err != nil {
		return 0, err
	}

	// Inflows first so the vault can always cover the outflows.
	if err := c.transfer(lender, c.vault, token, amounts.AmountFromLender); err != nil {
		return 0, err
	}
	if err := c.transfer(borrower, c.vault, token, amounts.NeedFromBorrower); err != nil {
		return 0, err
	}
	if err := c.transfer(c.vault, oldLenderAddr, token, amounts.AmountToOldLender); err != nil {
		return 0, err
	}
	if err := c.transfer(c.vault, lender, token, amounts.AmountToLender); err != nil {
		return 0, err
	}
	if err := c.transfer(c.vault, borrower, token, amounts.AmountToBorrower); err != nil {
		return 0, err
	}
	inflow := new(big.Int).Add(cloneBigInt(amounts.AmountFromLender), cloneBigInt(amounts.NeedFromBorrower))
	outflow := new(big.Int).Add(cloneBigInt(amounts.AmountToOldLender), cloneBigInt(amounts.AmountToLender))
	outflow.Add(outflow, cloneBigInt(amounts.AmountToBorrower))
	residual := new(big.Int).Sub(inflow, outflow)
	if residual.Sign() < 0 {
		return 0, fmt.Errorf("loan: rollover outflow exceeds inflow")
	}
	if err := c.routeOriginationFee(terms, residual); err != nil {
		return 0, err
	}

	now := c.now()
	old.State = LoanRepaid
	old.Balance = big.NewInt(0)
	old.InterestPaid = new(big.Int).Add(old.InterestPaid, cloneBigInt(amounts.InterestAmount))
	if now > old.LastAccrual {
		old.LastAccrual = now
	}
	if err := c.settleReceipt(oldLoanID, oldLenderAddr); err != nil {
		return 0, err
	}
	if err := c.state.BurnNote(BorrowerNote, oldLoanID); err != nil {
		return 0, err
	}
	if err := c.state.BurnNote(LenderNote, oldLoanID); err != nil {
		return 0, err
	}
	if err := c.state.PutLoan(old); err != nil {
		return 0, err
	}

	newLoanID, err := c.state.NextLoanID()
	if err != nil {
		return 0, err
	}
	record := &LoanData{
		LoanID:       newLoanID,
		State:        LoanActive,
		Terms:        *terms.Clone(),
		StartDate:    now,
		LastAccrual:  now,
		Balance:      cloneBigInt(terms.Principal),
		InterestPaid: big.NewInt(0),
		Fees:         fees,
	}
	if err := c.state.PutLoan(record); err != nil {
		return 0, err
	}
	if err := c.state.SetNoteOwner(BorrowerNote, newLoanID, borrower); err != nil {
		return 0, err
	}
	if err := c.state.SetNoteOwner(LenderNote, newLoanID, lender); err != nil {
		return 0, err
	}
	if refinance {
		c.emit(NewLoanRefinancedEvent(oldLoanID, record, oldLenderAddr, lender))
	} else {
		c.emit(NewLoanRolledOverEvent(oldLoanID, record, borrower, lender))
	}
	return newLoanID, nil
}

// --- nonce and approval pass-throughs ---

// ConsumeNonce registers maxUses on first use of the (owner, nonce) pair and
// burns one use. MaxUses of one degenerates to single-use semantics.
func (c *LoanCore) ConsumeNonce(owner [20]byte, nonce, maxUses uint64) error {
	if c == nil || c.state == nil {
		return errNilState
	}
	if maxUses == 0 {
		maxUses = 1
	}
	record, err := c.state.GetNonce(owner, nonce)
	if err != nil {
		return err
	}
	if record == nil {
		record = &NonceRecord{MaxUses: maxUses}
	}
	if record.Cancelled {
		return ErrNonceCancelled
	}
	if record.MaxUses == 0 {
		record.MaxUses = maxUses
	}
	if record.Used >= record.MaxUses {
		return ErrNonceExhausted
	}
	record.Used++
	if err := c.state.PutNonce(owner, nonce, record); err != nil {
		return err
	}
	c.emit(NewNonceUsedEvent(owner, nonce, record))
	return nil
}

// CancelNonce permanently blocks future consumption of the caller's nonce,
// regardless of prior usage.
func (c *LoanCore) CancelNonce(owner [20]byte, nonce uint64) error {
	if c == nil || c.state == nil {
		return errNilState
	}
	record, err := c.state.GetNonce(owner, nonce)
	if err != nil {
		return err
	}
	if record == nil {
		record = &NonceRecord{}
	}
	record.Cancelled = true
	if record.MaxUses > 0 {
		record.Used = record.MaxUses
	}
	if err := c.state.PutNonce(owner, nonce, record); err != nil {
		return err
	}
	c.emit(NewNonceCancelledEvent(owner, nonce))
	return nil
}

// Approve lets an address authorise a delegate to sign on its behalf.
func (c *LoanCore) Approve(owner, delegate [20]byte, approved bool) error {
	if c == nil || c.state == nil {
		return errNilState
	}
	return c.state.SetApproval(owner, delegate, approved)
}

// IsSelfOrApproved reports whether signer is target itself or an approved
// delegate of target. This is the check applied everywhere a recovered
// signer is validated against an expected counterparty.
func (c *LoanCore) IsSelfOrApproved(target, signer [20]byte) (bool, error) {
	if c == nil || c.state == nil {
		return false, errNilState
	}
	if target == signer {
		return true, nil
	}
	return c.state.Approval(target, signer)
}

// --- admin operations ---

func (c *LoanCore) requireRole(caller [20]byte, role Role) error {
	ok, err := c.state.HasRole(caller, role)
	if err != nil {
		return err
	}
	if !ok {
		// Admins hold every capability.
		admin, err := c.state.HasRole(caller, RoleAdmin)
		if err != nil {
			return err
		}
		if !admin {
			return ErrMissingRole
		}
	}
	return nil
}

// GrantRole assigns a role. Only admins may change role assignments; the
// first admin is seeded directly into state at genesis.
func (c *LoanCore) GrantRole(caller, target [20]byte, role Role, enabled bool) error {
	if c == nil || c.state == nil {
		return errNilState
	}
	ok, err := c.state.HasRole(caller, RoleAdmin)
	if err != nil {
		return err
	}
	if !ok {
		return ErrMissingRole
	}
	return c.state.SetRole(target, role, enabled)
}

// WithdrawProtocolFees pays accumulated protocol fees in the given currency
// to the recipient. Restricted to the fee-claimer role.
func (c *LoanCore) WithdrawProtocolFees(caller [20]byte, token string, to [20]byte) (*big.Int, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	if err := c.requireRole(caller, RoleFeeClaimer); err != nil {
		return nil, err
	}
	balance, err := c.state.FeeBalance(token)
	if err != nil {
		return nil, err
	}
	amount := cloneBigInt(balance)
	if amount.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	if err := c.transfer(c.vault, to, token, amount); err != nil {
		return nil, err
	}
	if err := c.state.PutFeeBalance(token, big.NewInt(0)); err != nil {
		return nil, err
	}
	c.emit(NewFeesWithdrawnEvent(token, to, amount))
	return amount, nil
}

// SetAffiliateSplits configures fee revenue shares per affiliate code, capped
// at MaxAffiliateSplitBps. Restricted to admins.
func (c *LoanCore) SetAffiliateSplits(caller [20]byte, codes [][32]byte, splits []AffiliateSplit) error {
	if c == nil || c.state == nil {
		return errNilState
	}
	if err := c.requireRole(caller, RoleAdmin); err != nil {
		return err
	}
	if len(codes) != len(splits) {
		return fmt.Errorf("loan: affiliate codes and splits length mismatch")
	}
	for i := range splits {
		if splits[i].SplitBps > MaxAffiliateSplitBps {
			return ErrSplitTooLarge
		}
	}
	for i := range codes {
		split := splits[i]
		if err := c.state.PutAffiliateSplit(codes[i], &split); err != nil {
			return err
		}
		c.emit(NewAffiliateSetEvent(codes[i], split))
	}
	return nil
}

func bpsShare(amount *big.Int, bps uint64) *big.Int {
	if amount == nil || amount.Sign() <= 0 || bps == 0 {
		return big.NewInt(0)
	}
	share := new(big.Int).Mul(amount, new(big.Int).SetUint64(bps))
	return share.Quo(share, basisPoints)
}
