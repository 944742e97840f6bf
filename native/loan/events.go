package loan

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"loanledger/core/types"
)

// Event types emitted by the lending module.
const (
	EventTypeLoanStarted    = "loan.started"
	EventTypeLoanPayment    = "loan.payment"
	EventTypeLoanRepaid     = "loan.repaid"
	EventTypeForceRepay     = "loan.force_repaid"
	EventTypeLoanClaimed    = "loan.claimed"
	EventTypeNoteRedeemed   = "loan.note_redeemed"
	EventTypeLoanRolledOver = "loan.rolled_over"
	EventTypeLoanRefinanced = "loan.refinanced"
	EventTypeLoanMigrated   = "loan.migrated"
	EventTypeNonceUsed      = "loan.nonce_used"
	EventTypeNonceCancelled = "loan.nonce_cancelled"
	EventTypeFeesWithdrawn  = "loan.fees_withdrawn"
	EventTypeAffiliateSet   = "loan.affiliate_set"
)

func attrAddr(addr [20]byte) string { return "0x" + hex.EncodeToString(addr[:]) }

func attrAmount(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}

func attrUint(v uint64) string { return strconv.FormatUint(v, 10) }

func loanAttributes(record *LoanData) map[string]string {
	attrs := map[string]string{
		"loanId":     attrUint(record.LoanID),
		"state":      record.State.String(),
		"currency":   record.Terms.PayableCurrency,
		"principal":  attrAmount(record.Terms.Principal),
		"balance":    attrAmount(record.Balance),
		"collateral": attrAddr(record.Terms.CollateralAddr),
		"tokenId":    attrAmount(record.Terms.CollateralID),
	}
	return attrs
}

// NewLoanStartedEvent reports a freshly originated loan.
func NewLoanStartedEvent(record *LoanData, borrower, lender [20]byte) *types.Event {
	attrs := loanAttributes(record)
	attrs["borrower"] = attrAddr(borrower)
	attrs["lender"] = attrAddr(lender)
	attrs["interestRate"] = attrAmount(record.Terms.InterestRate)
	attrs["durationSecs"] = strconv.FormatInt(record.Terms.DurationSecs, 10)
	return &types.Event{Type: EventTypeLoanStarted, Attributes: attrs}
}

// NewLoanPaymentEvent reports an interest/principal repayment instalment.
func NewLoanPaymentEvent(record *LoanData, payer [20]byte, interest, principal *big.Int) *types.Event {
	attrs := loanAttributes(record)
	attrs["payer"] = attrAddr(payer)
	attrs["interest"] = attrAmount(interest)
	attrs["principalRetired"] = attrAmount(principal)
	return &types.Event{Type: EventTypeLoanPayment, Attributes: attrs}
}

// NewLoanRepaidEvent reports a loan settled in full with direct lender payout.
func NewLoanRepaidEvent(record *LoanData) *types.Event {
	return &types.Event{Type: EventTypeLoanRepaid, Attributes: loanAttributes(record)}
}

// NewForceRepayEvent reports a loan settled in full through the deferred
// receipt path.
func NewForceRepayEvent(record *LoanData) *types.Event {
	return &types.Event{Type: EventTypeForceRepay, Attributes: loanAttributes(record)}
}

// NewLoanClaimedEvent reports a defaulted loan whose collateral went to the
// lender-note holder.
func NewLoanClaimedEvent(record *LoanData, lender [20]byte) *types.Event {
	attrs := loanAttributes(record)
	attrs["lender"] = attrAddr(lender)
	return &types.Event{Type: EventTypeLoanClaimed, Attributes: attrs}
}

// NewNoteRedeemedEvent reports a note-receipt payout.
func NewNoteRedeemedEvent(loanID uint64, to [20]byte, receipt *NoteReceipt) *types.Event {
	return &types.Event{Type: EventTypeNoteRedeemed, Attributes: map[string]string{
		"loanId":    attrUint(loanID),
		"recipient": attrAddr(to),
		"currency":  receipt.Token,
		"amount":    attrAmount(receipt.Amount),
	}}
}

// NewLoanRolledOverEvent links a closed loan to its same-lender successor.
func NewLoanRolledOverEvent(oldLoanID uint64, record *LoanData, borrower, lender [20]byte) *types.Event {
	attrs := loanAttributes(record)
	attrs["oldLoanId"] = attrUint(oldLoanID)
	attrs["borrower"] = attrAddr(borrower)
	attrs["lender"] = attrAddr(lender)
	return &types.Event{Type: EventTypeLoanRolledOver, Attributes: attrs}
}

// NewLoanRefinancedEvent links a closed loan to its new-lender successor.
func NewLoanRefinancedEvent(oldLoanID uint64, record *LoanData, oldLender, newLender [20]byte) *types.Event {
	attrs := loanAttributes(record)
	attrs["oldLoanId"] = attrUint(oldLoanID)
	attrs["oldLender"] = attrAddr(oldLender)
	attrs["newLender"] = attrAddr(newLender)
	return &types.Event{Type: EventTypeLoanRefinanced, Attributes: attrs}
}

// NewLoanMigratedEvent reports a cross-ledger migration settled with flash
// liquidity.
func NewLoanMigratedEvent(sourceLoanID, newLoanID uint64, borrower [20]byte, flashFee *big.Int) *types.Event {
	return &types.Event{Type: EventTypeLoanMigrated, Attributes: map[string]string{
		"sourceLoanId": attrUint(sourceLoanID),
		"loanId":       attrUint(newLoanID),
		"borrower":     attrAddr(borrower),
		"flashFee":     attrAmount(flashFee),
	}}
}

// NewNonceUsedEvent reports one use burned from a signing nonce.
func NewNonceUsedEvent(owner [20]byte, nonce uint64, record *NonceRecord) *types.Event {
	return &types.Event{Type: EventTypeNonceUsed, Attributes: map[string]string{
		"owner":   attrAddr(owner),
		"nonce":   attrUint(nonce),
		"used":    attrUint(record.Used),
		"maxUses": attrUint(record.MaxUses),
	}}
}

// NewNonceCancelledEvent reports a nonce permanently invalidated by its owner.
func NewNonceCancelledEvent(owner [20]byte, nonce uint64) *types.Event {
	return &types.Event{Type: EventTypeNonceCancelled, Attributes: map[string]string{
		"owner": attrAddr(owner),
		"nonce": attrUint(nonce),
	}}
}

// NewFeesWithdrawnEvent reports a protocol fee sweep.
func NewFeesWithdrawnEvent(token string, to [20]byte, amount *big.Int) *types.Event {
	return &types.Event{Type: EventTypeFeesWithdrawn, Attributes: map[string]string{
		"currency":  token,
		"recipient": attrAddr(to),
		"amount":    attrAmount(amount),
	}}
}

// NewAffiliateSetEvent reports an affiliate split assignment.
func NewAffiliateSetEvent(code [32]byte, split AffiliateSplit) *types.Event {
	return &types.Event{Type: EventTypeAffiliateSet, Attributes: map[string]string{
		"code":      "0x" + hex.EncodeToString(code[:]),
		"recipient": attrAddr(split.Recipient),
		"splitBps":  attrUint(split.SplitBps),
	}}
}
