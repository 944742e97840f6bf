package loan

import (
	"crypto/ecdsa"
	"math/big"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"loanledger/core/events"
	nativecommon "loanledger/native/common"
	"loanledger/storage"
)

const (
	testToken   = "USDN"
	testChainID = int64(1887)
	daySecs     = int64(86_400)
)

func testAddr(b byte) [20]byte {
	var addr [20]byte
	addr[19] = b
	return addr
}

func newSignerKey(t *testing.T) (*ecdsa.PrivateKey, [20]byte) {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	var addr [20]byte
	copy(addr[:], ethcrypto.PubkeyToAddress(key.PublicKey).Bytes())
	return key, addr
}

func signOffer(t *testing.T, key *ecdsa.PrivateKey, terms *LoanTerms, props SigProperties, side Side, counterparty [20]byte, callbackData []byte, predicates []Predicate) Signature {
	t.Helper()
	digest, err := OfferDigest(testChainID, terms, props, side, counterparty, callbackData, predicates)
	require.NoError(t, err)
	raw, err := ethcrypto.Sign(digest, key)
	require.NoError(t, err)
	sig, err := SignatureFromBytes(raw)
	require.NoError(t, err)
	return sig
}

type testEnv struct {
	core        *LoanCore
	state       *State
	emitter     *events.CollectingEmitter
	registry    *VerifierRegistry
	origination *OriginationController
	repayment   *RepaymentController
	now         int64

	vault        [20]byte
	admin        [20]byte
	borrower     [20]byte
	lender       [20]byte
	collection   [20]byte
	collateralID *big.Int
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		now:          1_700_000_000,
		vault:        testAddr(0xee),
		admin:        testAddr(0x01),
		borrower:     testAddr(0x02),
		lender:       testAddr(0x03),
		collection:   testAddr(0xc0),
		collateralID: big.NewInt(42),
	}
	env.state = NewState(storage.NewMemDB())
	env.core = NewLoanCore(env.vault, DefaultParams())
	env.core.SetState(env.state)
	env.emitter = &events.CollectingEmitter{}
	env.core.SetEmitter(env.emitter)
	env.core.SetNowFunc(func() int64 { return env.now })
	env.registry = NewVerifierRegistry()
	env.origination = NewOriginationController(env.core, env.registry, testChainID)
	env.repayment = NewRepaymentController(env.core)

	require.NoError(t, env.state.SetAllowedCurrency(testToken, big.NewInt(1), true))
	require.NoError(t, env.state.SetAllowedCollateral(env.collection, true))
	for _, tag := range []string{VerifierCollectionWildcard, VerifierSpecificItem, VerifierBundleContents} {
		require.NoError(t, env.state.SetAllowedVerifier(tag, true))
	}
	require.NoError(t, env.state.SetRole(env.admin, RoleAdmin, true))
	require.NoError(t, env.state.SetCollateralOwner(env.collection, env.collateralID, env.borrower))
	return env
}

func (e *testEnv) fund(t *testing.T, addr [20]byte, amount int64) {
	t.Helper()
	acc, err := e.state.GetAccount(addr)
	require.NoError(t, err)
	acc.SetBalance(testToken, big.NewInt(amount))
	require.NoError(t, e.state.PutAccount(addr, acc))
}

func (e *testEnv) balance(t *testing.T, addr [20]byte) *big.Int {
	t.Helper()
	acc, err := e.state.GetAccount(addr)
	require.NoError(t, err)
	return acc.Balance(testToken)
}

func (e *testEnv) terms() *LoanTerms {
	return &LoanTerms{
		InterestRate:    big.NewInt(1200),
		DurationSecs:    30 * daySecs,
		CollateralAddr:  e.collection,
		CollateralID:    new(big.Int).Set(e.collateralID),
		Deadline:        e.now + 3_600,
		PayableCurrency: testToken,
		Principal:       big.NewInt(1_000_000),
	}
}

// startLoan escrows the collateral and opens a loan directly through the
// ledger, bypassing signature checks.
func (e *testEnv) startLoan(t *testing.T) uint64 {
	t.Helper()
	terms := e.terms()
	require.NoError(t, e.core.EscrowCollateral(e.borrower, e.collection, e.collateralID))
	fees := e.core.Params().Fees
	originationFee := bpsShare(terms.Principal, fees.BorrowerOriginationFeeBps)
	toBorrower := new(big.Int).Sub(terms.Principal, originationFee)
	loanID, err := e.core.StartLoan(e.lender, e.borrower, terms, fees.Snapshot(), terms.Principal, toBorrower)
	require.NoError(t, err)
	return loanID
}

func (e *testEnv) eventTypes() []string {
	var out []string
	for _, evt := range e.emitter.Events {
		out = append(out, evt.EventType())
	}
	return out
}

func TestStartLoanHappyPath(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, env.lender, 1_000_000)

	loanID := env.startLoan(t)
	require.Equal(t, uint64(1), loanID)

	record, err := env.core.GetLoan(loanID)
	require.NoError(t, err)
	require.Equal(t, LoanActive, record.State)
	require.Equal(t, env.now, record.StartDate)
	require.Equal(t, env.now, record.LastAccrual)
	require.Equal(t, int64(1_000_000), record.Balance.Int64())
	require.Zero(t, record.InterestPaid.Sign())

	require.Zero(t, env.balance(t, env.lender).Sign())
	require.Equal(t, int64(995_000), env.balance(t, env.borrower).Int64())
	require.Equal(t, int64(5_000), env.balance(t, env.vault).Int64())

	fees, err := env.state.FeeBalance(testToken)
	require.NoError(t, err)
	require.Equal(t, int64(5_000), fees.Int64())

	borrowerNote, ok, err := env.core.NoteOwner(BorrowerNote, loanID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, env.borrower, borrowerNote)
	lenderNote, ok, err := env.core.NoteOwner(LenderNote, loanID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, env.lender, lenderNote)

	owner, ok, err := env.core.CollateralOwner(env.collection, env.collateralID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, env.vault, owner)

	require.Contains(t, env.eventTypes(), EventTypeLoanStarted)
}

func TestStartLoanRequiresEscrowedCollateral(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, env.lender, 1_000_000)
	terms := env.terms()
	fees := env.core.Params().Fees
	_, err := env.core.StartLoan(env.lender, env.borrower, terms, fees.Snapshot(), terms.Principal, terms.Principal)
	require.ErrorIs(t, err, ErrCollateralEscrowed)
}

func TestStartLoanInsufficientLenderFunds(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, env.lender, 10)
	terms := env.terms()
	require.NoError(t, env.core.EscrowCollateral(env.borrower, env.collection, env.collateralID))
	_, err := env.core.StartLoan(env.lender, env.borrower, terms, env.core.Params().Fees.Snapshot(), terms.Principal, terms.Principal)
	require.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestRepayPrincipalBounded(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, env.lender, 1_000_000)
	loanID := env.startLoan(t)
	env.fund(t, env.borrower, 5_000_000)

	err := env.core.Repay(loanID, env.borrower, big.NewInt(0), big.NewInt(1_000_001), false)
	require.ErrorIs(t, err, ErrPrincipalExceedsBalance)
}

func TestEscrowRejectsNonOwner(t *testing.T) {
	env := newTestEnv(t)
	err := env.core.EscrowCollateral(env.lender, env.collection, env.collateralID)
	require.ErrorIs(t, err, ErrNotCollateralOwner)
}

func TestTransferCollateralLockedInEscrow(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, env.lender, 1_000_000)
	env.startLoan(t)

	err := env.core.TransferCollateral(env.borrower, env.collection, env.collateralID, env.lender)
	require.ErrorIs(t, err, ErrCollateralEscrowed)
}

func TestTransferNoteMovesLoanRights(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, env.lender, 1_000_000)
	loanID := env.startLoan(t)

	buyer := testAddr(0x77)
	require.NoError(t, env.core.TransferNote(env.lender, LenderNote, loanID, buyer))
	owner, ok, err := env.core.NoteOwner(LenderNote, loanID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, buyer, owner)

	err = env.core.TransferNote(env.lender, LenderNote, loanID, env.lender)
	require.ErrorIs(t, err, ErrNotNoteOwner)
}

func TestNonceLifecycle(t *testing.T) {
	env := newTestEnv(t)
	owner := testAddr(0x11)

	require.NoError(t, env.core.ConsumeNonce(owner, 7, 2))
	require.NoError(t, env.core.ConsumeNonce(owner, 7, 2))
	err := env.core.ConsumeNonce(owner, 7, 2)
	require.ErrorIs(t, err, ErrNonceExhausted)

	require.NoError(t, env.core.CancelNonce(owner, 9))
	err = env.core.ConsumeNonce(owner, 9, 1)
	require.ErrorIs(t, err, ErrNonceCancelled)

	// Cancelling mid-series blocks the remaining uses.
	require.NoError(t, env.core.ConsumeNonce(owner, 12, 5))
	require.NoError(t, env.core.CancelNonce(owner, 12))
	err = env.core.ConsumeNonce(owner, 12, 5)
	require.ErrorIs(t, err, ErrNonceCancelled)
}

func TestApprovals(t *testing.T) {
	env := newTestEnv(t)
	delegate := testAddr(0x55)

	ok, err := env.core.IsSelfOrApproved(env.borrower, env.borrower)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = env.core.IsSelfOrApproved(env.borrower, delegate)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, env.core.Approve(env.borrower, delegate, true))
	ok, err = env.core.IsSelfOrApproved(env.borrower, delegate)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, env.core.Approve(env.borrower, delegate, false))
	ok, err = env.core.IsSelfOrApproved(env.borrower, delegate)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWithdrawProtocolFees(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, env.lender, 1_000_000)
	env.startLoan(t)

	treasury := testAddr(0x99)
	_, err := env.core.WithdrawProtocolFees(env.lender, testToken, treasury)
	require.ErrorIs(t, err, ErrMissingRole)

	amount, err := env.core.WithdrawProtocolFees(env.admin, testToken, treasury)
	require.NoError(t, err)
	require.Equal(t, int64(5_000), amount.Int64())
	require.Equal(t, int64(5_000), env.balance(t, treasury).Int64())

	remaining, err := env.state.FeeBalance(testToken)
	require.NoError(t, err)
	require.Zero(t, remaining.Sign())
}

func TestGrantRole(t *testing.T) {
	env := newTestEnv(t)
	claimer := testAddr(0x88)

	err := env.core.GrantRole(env.lender, claimer, RoleFeeClaimer, true)
	require.ErrorIs(t, err, ErrMissingRole)

	require.NoError(t, env.core.GrantRole(env.admin, claimer, RoleFeeClaimer, true))
	ok, err := env.state.HasRole(claimer, RoleFeeClaimer)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAffiliateSplitRouting(t *testing.T) {
	env := newTestEnv(t)
	affiliate := testAddr(0xaa)
	code := [32]byte{1, 2, 3}

	err := env.core.SetAffiliateSplits(env.admin, [][32]byte{code}, []AffiliateSplit{{Recipient: affiliate, SplitBps: MaxAffiliateSplitBps + 1}})
	require.ErrorIs(t, err, ErrSplitTooLarge)

	require.NoError(t, env.core.SetAffiliateSplits(env.admin, [][32]byte{code}, []AffiliateSplit{{Recipient: affiliate, SplitBps: 2_000}}))

	env.fund(t, env.lender, 1_000_000)
	terms := env.terms()
	terms.AffiliateCode = code
	require.NoError(t, env.core.EscrowCollateral(env.borrower, env.collection, env.collateralID))
	fees := env.core.Params().Fees
	toBorrower := new(big.Int).Sub(terms.Principal, bpsShare(terms.Principal, fees.BorrowerOriginationFeeBps))
	_, err = env.core.StartLoan(env.lender, env.borrower, terms, fees.Snapshot(), terms.Principal, toBorrower)
	require.NoError(t, err)

	// 20% of the 5000 origination fee goes to the affiliate.
	require.Equal(t, int64(1_000), env.balance(t, affiliate).Int64())
	protocol, err := env.state.FeeBalance(testToken)
	require.NoError(t, err)
	require.Equal(t, int64(4_000), protocol.Int64())
}

type pausedModules map[string]bool

func (p pausedModules) IsPaused(module string) bool { return p[module] }

func TestPausedModuleRejectsTransitions(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, env.lender, 1_000_000)
	env.core.SetPauses(pausedModules{moduleName: true})

	err := env.core.EscrowCollateral(env.borrower, env.collection, env.collateralID)
	require.ErrorIs(t, err, nativecommon.ErrModulePaused)

	terms := env.terms()
	_, err = env.core.StartLoan(env.lender, env.borrower, terms, env.core.Params().Fees.Snapshot(), terms.Principal, terms.Principal)
	require.ErrorIs(t, err, nativecommon.ErrModulePaused)
}

func TestValidateTerms(t *testing.T) {
	env := newTestEnv(t)

	terms := env.terms()
	require.NoError(t, env.core.ValidateTerms(terms))

	short := env.terms()
	short.DurationSecs = MinDurationSecs - 1
	require.ErrorIs(t, env.core.ValidateTerms(short), ErrDurationOutOfBounds)

	cheap := env.terms()
	cheap.InterestRate = big.NewInt(0)
	require.ErrorIs(t, env.core.ValidateTerms(cheap), ErrInterestRateOutOfBounds)

	expired := env.terms()
	expired.Deadline = env.now
	require.ErrorIs(t, env.core.ValidateTerms(expired), ErrSignatureExpired)

	badToken := env.terms()
	badToken.PayableCurrency = "SHADY"
	require.ErrorIs(t, env.core.ValidateTerms(badToken), ErrCurrencyNotAllowed)

	badCollection := env.terms()
	badCollection.CollateralAddr = testAddr(0xdd)
	require.ErrorIs(t, env.core.ValidateTerms(badCollection), ErrCollateralNotAllowed)

	dust := env.terms()
	dust.Principal = big.NewInt(0)
	require.ErrorIs(t, env.core.ValidateTerms(dust), ErrPrincipalTooLow)
}

func TestWhitelistAdministration(t *testing.T) {
	env := newTestEnv(t)
	manager := testAddr(0x66)

	err := env.core.SetAllowedCurrency(manager, "EURN", big.NewInt(100), true)
	require.ErrorIs(t, err, ErrMissingRole)

	require.NoError(t, env.state.SetRole(manager, RoleWhitelistManager, true))
	require.NoError(t, env.core.SetAllowedCurrency(manager, "EURN", big.NewInt(100), true))

	minPrincipal, allowed, err := env.state.CurrencyMinimum("EURN")
	require.NoError(t, err)
	require.True(t, allowed)
	require.Equal(t, int64(100), minPrincipal.Int64())

	require.NoError(t, env.core.SetAllowedCurrency(manager, "EURN", nil, false))
	_, allowed, err = env.state.CurrencyMinimum("EURN")
	require.NoError(t, err)
	require.False(t, allowed)
}
