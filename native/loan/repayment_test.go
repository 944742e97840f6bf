package loan

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRepayFullBeforeMaturity(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, env.lender, 1_000_000)
	loanID := env.startLoan(t)

	env.now += 15 * daySecs
	env.fund(t, env.borrower, 1_100_000)

	interestDue, total, err := env.repayment.AmountOwed(loanID)
	require.NoError(t, err)
	require.Equal(t, int64(4_931), interestDue.Int64())
	require.Equal(t, int64(1_004_931), total.Int64())

	require.NoError(t, env.repayment.RepayFull(env.borrower, loanID))

	record, err := env.core.GetLoan(loanID)
	require.NoError(t, err)
	require.Equal(t, LoanRepaid, record.State)
	require.Zero(t, record.Balance.Sign())
	require.Equal(t, int64(4_931), record.InterestPaid.Int64())

	// Lender payout nets the 1% interest fee and 25 bps principal fee.
	require.Equal(t, int64(1_002_382), env.balance(t, env.lender).Int64())
	require.Equal(t, int64(1_100_000-1_004_931), env.balance(t, env.borrower).Int64())

	owner, ok, err := env.core.CollateralOwner(env.collection, env.collateralID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, env.borrower, owner)

	_, ok, err = env.core.NoteOwner(BorrowerNote, loanID)
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = env.core.NoteOwner(LenderNote, loanID)
	require.NoError(t, err)
	require.False(t, ok)

	require.Contains(t, env.eventTypes(), EventTypeLoanRepaid)
}

func TestPartialThenFullRepayment(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, env.lender, 1_000_000)
	loanID := env.startLoan(t)
	env.fund(t, env.borrower, 1_200_000)

	// Day 10: interest 3,287, retire half the principal.
	env.now += 10 * daySecs
	require.NoError(t, env.repayment.Repay(env.borrower, loanID, big.NewInt(503_287)))

	record, err := env.core.GetLoan(loanID)
	require.NoError(t, err)
	require.Equal(t, LoanActive, record.State)
	require.Equal(t, int64(500_000), record.Balance.Int64())
	require.Equal(t, int64(3_287), record.InterestPaid.Int64())
	require.Equal(t, env.now, record.LastAccrual)

	// Day 30: remaining interest accrues on the reduced balance only.
	env.now += 20 * daySecs
	interestDue, total, err := env.repayment.AmountOwed(loanID)
	require.NoError(t, err)
	require.Equal(t, int64(3_287), interestDue.Int64())
	require.Equal(t, int64(503_287), total.Int64())

	require.NoError(t, env.repayment.RepayFull(env.borrower, loanID))
	record, err = env.core.GetLoan(loanID)
	require.NoError(t, err)
	require.Equal(t, LoanRepaid, record.State)
	require.Equal(t, int64(6_574), record.InterestPaid.Int64())
}

func TestRepayBelowInterestDue(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, env.lender, 1_000_000)
	loanID := env.startLoan(t)
	env.fund(t, env.borrower, 1_000_000)

	env.now += 15 * daySecs
	err := env.repayment.Repay(env.borrower, loanID, big.NewInt(4_930))
	require.ErrorIs(t, err, ErrPaymentBelowMinimum)
}

func TestRepayOverpayment(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, env.lender, 1_000_000)
	loanID := env.startLoan(t)
	env.fund(t, env.borrower, 2_000_000)

	env.now += 15 * daySecs
	err := env.repayment.Repay(env.borrower, loanID, big.NewInt(1_004_932))
	require.ErrorIs(t, err, ErrOverRepayment)
}

func TestRepayTerminalLoan(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, env.lender, 1_000_000)
	loanID := env.startLoan(t)
	env.fund(t, env.borrower, 2_000_000)

	require.NoError(t, env.repayment.RepayFull(env.borrower, loanID))
	err := env.repayment.Repay(env.borrower, loanID, big.NewInt(1))
	require.ErrorIs(t, err, ErrLoanNotActive)
}

func TestThirdPartyMayRepay(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, env.lender, 1_000_000)
	loanID := env.startLoan(t)

	sponsor := testAddr(0x31)
	env.fund(t, sponsor, 1_100_000)
	env.now += 15 * daySecs
	require.NoError(t, env.repayment.RepayFull(sponsor, loanID))

	// Collateral still goes to the borrower-note holder.
	owner, ok, err := env.core.CollateralOwner(env.collection, env.collateralID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, env.borrower, owner)
}

func TestNoInterestAccruesPastMaturity(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, env.lender, 1_000_000)
	loanID := env.startLoan(t)

	env.now += 60 * daySecs
	interestDue, _, err := env.repayment.AmountOwed(loanID)
	require.NoError(t, err)
	require.Equal(t, int64(9_863), interestDue.Int64())
}

func TestForceRepayDefersLenderPayout(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, env.lender, 1_000_000)
	loanID := env.startLoan(t)
	env.fund(t, env.borrower, 1_100_000)

	env.now += 15 * daySecs
	require.NoError(t, env.repayment.ForceRepayFull(env.borrower, loanID))

	record, err := env.core.GetLoan(loanID)
	require.NoError(t, err)
	require.Equal(t, LoanRepaid, record.State)

	// The lender has not been paid; the payout sits in a receipt and the
	// lender note survives until redemption.
	require.Zero(t, env.balance(t, env.lender).Sign())
	receipt, err := env.state.GetReceipt(loanID)
	require.NoError(t, err)
	require.Equal(t, int64(1_002_382), receipt.Amount.Int64())
	_, ok, err := env.core.NoteOwner(LenderNote, loanID)
	require.NoError(t, err)
	require.True(t, ok)

	// Collateral and borrower note settle immediately.
	owner, ok, err := env.core.CollateralOwner(env.collection, env.collateralID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, env.borrower, owner)
	_, ok, err = env.core.NoteOwner(BorrowerNote, loanID)
	require.NoError(t, err)
	require.False(t, ok)

	require.Contains(t, env.eventTypes(), EventTypeForceRepay)
}

func TestRedeemNote(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, env.lender, 1_000_000)
	loanID := env.startLoan(t)
	env.fund(t, env.borrower, 1_100_000)

	env.now += 15 * daySecs
	require.NoError(t, env.repayment.ForceRepayFull(env.borrower, loanID))

	stranger := testAddr(0x41)
	err := env.repayment.RedeemNote(stranger, loanID, stranger)
	require.ErrorIs(t, err, ErrCallerNotLender)

	require.NoError(t, env.repayment.RedeemNote(env.lender, loanID, env.lender))
	require.Equal(t, int64(1_002_382), env.balance(t, env.lender).Int64())

	_, ok, err := env.core.NoteOwner(LenderNote, loanID)
	require.NoError(t, err)
	require.False(t, ok)

	err = env.repayment.RedeemNote(env.lender, loanID, env.lender)
	require.ErrorIs(t, err, ErrNotNoteOwner)

	require.Contains(t, env.eventTypes(), EventTypeNoteRedeemed)
}

func TestForceRepayRestrictedToBorrowerSide(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, env.lender, 1_000_000)
	loanID := env.startLoan(t)

	stranger := testAddr(0x42)
	env.fund(t, stranger, 1_100_000)
	env.now += 15 * daySecs
	err := env.repayment.ForceRepayFull(stranger, loanID)
	require.ErrorIs(t, err, ErrCallerNotBorrower)
}

func TestClaimAfterDefault(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, env.lender, 1_000_000)
	loanID := env.startLoan(t)

	// Day 29: not yet matured.
	env.now += 29 * daySecs
	err := env.repayment.Claim(env.lender, loanID)
	require.ErrorIs(t, err, ErrLoanNotDefaulted)

	// Day 30 plus a few hours: matured but inside the grace period.
	env.now += daySecs + DefaultGracePeriodSecs/2
	err = env.repayment.Claim(env.lender, loanID)
	require.ErrorIs(t, err, ErrLoanNotDefaulted)

	// Day 31: claimable. The claim fee comes out of the lender's pocket.
	env.now += daySecs
	env.fund(t, env.lender, 10_000)
	require.NoError(t, env.repayment.Claim(env.lender, loanID))

	record, err := env.core.GetLoan(loanID)
	require.NoError(t, err)
	require.Equal(t, LoanDefaulted, record.State)

	owner, ok, err := env.core.CollateralOwner(env.collection, env.collateralID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, env.lender, owner)

	// 25 bps of the 1,000,000 defaulted balance.
	require.Equal(t, int64(10_000-2_500), env.balance(t, env.lender).Int64())

	_, ok, err = env.core.NoteOwner(LenderNote, loanID)
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = env.core.NoteOwner(BorrowerNote, loanID)
	require.NoError(t, err)
	require.False(t, ok)

	require.Contains(t, env.eventTypes(), EventTypeLoanClaimed)
}

func TestClaimRestrictedToLenderSide(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, env.lender, 1_000_000)
	loanID := env.startLoan(t)

	env.now += 31 * daySecs
	err := env.repayment.Claim(env.borrower, loanID)
	require.ErrorIs(t, err, ErrCallerNotLender)
}

func TestBorrowerCanRepayDuringGracePeriod(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, env.lender, 1_000_000)
	loanID := env.startLoan(t)
	env.fund(t, env.borrower, 1_100_000)

	// Past maturity, inside grace: repayment still settles at the capped
	// interest amount.
	env.now += 30*daySecs + DefaultGracePeriodSecs/2
	_, total, err := env.repayment.AmountOwed(loanID)
	require.NoError(t, err)
	require.Equal(t, int64(1_009_863), total.Int64())
	require.NoError(t, env.repayment.RepayFull(env.borrower, loanID))

	record, err := env.core.GetLoan(loanID)
	require.NoError(t, err)
	require.Equal(t, LoanRepaid, record.State)
}

func TestRedeemNoteToVaultConservesFunds(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, env.lender, 1_000_000)
	loanID := env.startLoan(t)
	env.fund(t, env.borrower, 1_100_000)

	env.now += 15 * daySecs
	require.NoError(t, env.repayment.ForceRepayFull(env.borrower, loanID))
	require.Equal(t, int64(1_009_931), env.balance(t, env.vault).Int64())

	// Redeeming a receipt back into the vault moves nothing; the vault
	// already holds the funds and no balance may be created.
	require.NoError(t, env.repayment.RedeemNote(env.lender, loanID, env.vault))
	require.Equal(t, int64(1_009_931), env.balance(t, env.vault).Int64())

	supply := new(big.Int).Add(env.balance(t, env.borrower), env.balance(t, env.lender))
	supply.Add(supply, env.balance(t, env.vault))
	require.Equal(t, int64(1_105_000), supply.Int64())

	receipt, err := env.state.GetReceipt(loanID)
	require.NoError(t, err)
	require.Nil(t, receipt)
	_, ok, err := env.core.NoteOwner(LenderNote, loanID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReceiptLockedWhileLoanActive(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, env.lender, 1_000_000)
	loanID := env.startLoan(t)
	env.fund(t, env.borrower, 1_100_000)

	// Partial forced payment: 4,931 interest plus 100,000 principal. The
	// lender share lands in the receipt net of fees while the loan stays
	// active on the remaining balance.
	env.now += 15 * daySecs
	require.NoError(t, env.repayment.ForceRepay(env.borrower, loanID, big.NewInt(104_931)))

	record, err := env.core.GetLoan(loanID)
	require.NoError(t, err)
	require.Equal(t, LoanActive, record.State)
	require.Equal(t, int64(900_000), record.Balance.Int64())
	receipt, err := env.state.GetReceipt(loanID)
	require.NoError(t, err)
	require.Equal(t, int64(104_632), receipt.Amount.Int64())

	// The receipt stays locked and the lender note survives while principal
	// is outstanding.
	err = env.repayment.RedeemNote(env.lender, loanID, env.lender)
	require.ErrorIs(t, err, ErrLoanStillActive)
	owner, ok, err := env.core.NoteOwner(LenderNote, loanID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, env.lender, owner)

	// Paying the remainder settles the receipt together with the final
	// lender share; nothing is left behind to redeem.
	require.NoError(t, env.repayment.RepayFull(env.borrower, loanID))
	require.Equal(t, int64(1_002_382), env.balance(t, env.lender).Int64())
	receipt, err = env.state.GetReceipt(loanID)
	require.NoError(t, err)
	require.Nil(t, receipt)
	_, ok, err = env.core.NoteOwner(LenderNote, loanID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClaimSettlesOutstandingReceipt(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, env.lender, 1_000_000)
	loanID := env.startLoan(t)
	env.fund(t, env.borrower, 1_100_000)

	env.now += 15 * daySecs
	require.NoError(t, env.repayment.ForceRepay(env.borrower, loanID, big.NewInt(104_931)))

	// Past maturity and grace on the remaining balance: the claim pays the
	// earlier receipt alongside the collateral award.
	env.now += 16*daySecs + DefaultGracePeriodSecs
	env.fund(t, env.lender, 10_000)
	require.NoError(t, env.repayment.Claim(env.lender, loanID))

	// Receipt 104,632 in, claim fee 2,250 out (25 bps of 900,000).
	require.Equal(t, int64(112_382), env.balance(t, env.lender).Int64())
	receipt, err := env.state.GetReceipt(loanID)
	require.NoError(t, err)
	require.Nil(t, receipt)
	owner, ok, err := env.core.CollateralOwner(env.collection, env.collateralID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, env.lender, owner)
}
