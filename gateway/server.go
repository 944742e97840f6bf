package gateway

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"loanledger/crypto"
	"loanledger/native/loan"
	nativecommon "loanledger/native/common"
)

const defaultRequestLimit = 1 << 20 // 1 MiB

const requestIDHeader = "X-Request-Id"

// Server exposes the loan ledger over HTTP. All state transitions route
// through the module controllers; the gateway only translates wire payloads.
type Server struct {
	core        *loan.LoanCore
	origination *loan.OriginationController
	repayment   *loan.RepaymentController
	migration   *loan.MigrationAdapter

	logger       *log.Logger
	obs          *Observability
	router       chi.Router
	requestLimit int64
}

// Option configures optional server collaborators.
type Option func(*Server)

// WithMigration enables the cross-ledger migration endpoint.
func WithMigration(adapter *loan.MigrationAdapter) Option {
	return func(s *Server) { s.migration = adapter }
}

// WithRequestLimit caps request body sizes.
func WithRequestLimit(limit int64) Option {
	return func(s *Server) {
		if limit > 0 {
			s.requestLimit = limit
		}
	}
}

// NewServer wires the HTTP surface over the module controllers.
func NewServer(core *loan.LoanCore, origination *loan.OriginationController, repayment *loan.RepaymentController, obs *Observability, logger *log.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = log.Default()
	}
	if obs == nil {
		obs = NewObservability(ObservabilityConfig{Enabled: true}, logger)
	}
	s := &Server{
		core:         core,
		origination:  origination,
		repayment:    repayment,
		logger:       logger,
		obs:          obs,
		requestLimit: defaultRequestLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(requestID)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", s.obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.With(s.obs.Middleware("loans.initialize")).Post("/loans", s.handleInitializeLoan)
		r.With(s.obs.Middleware("loans.list")).Get("/loans", s.handleListLoans)
		r.With(s.obs.Middleware("loans.get")).Get("/loans/{loanID}", s.handleGetLoan)
		r.With(s.obs.Middleware("loans.owed")).Get("/loans/{loanID}/owed", s.handleAmountOwed)
		r.With(s.obs.Middleware("loans.repay")).Post("/loans/{loanID}/repay", s.handleRepay)
		r.With(s.obs.Middleware("loans.claim")).Post("/loans/{loanID}/claim", s.handleClaim)
		r.With(s.obs.Middleware("loans.redeem")).Post("/loans/{loanID}/redeem", s.handleRedeemNote)
		r.With(s.obs.Middleware("loans.rollover")).Post("/loans/{loanID}/rollover", s.handleRollover)
		r.With(s.obs.Middleware("loans.refinance")).Post("/loans/{loanID}/refinance", s.handleRefinance)
		if s.migration != nil {
			r.With(s.obs.Middleware("loans.migrate")).Post("/loans/migrate", s.handleMigrate)
		}
		r.With(s.obs.Middleware("nonces.cancel")).Post("/nonces/cancel", s.handleCancelNonce)
		r.With(s.obs.Middleware("approvals.set")).Post("/approvals", s.handleSetApproval)
		r.Route("/admin", func(r chi.Router) {
			r.With(s.obs.Middleware("admin.currencies")).Post("/currencies", s.handleSetCurrency)
			r.With(s.obs.Middleware("admin.collections")).Post("/collections", s.handleSetCollection)
			r.With(s.obs.Middleware("admin.verifiers")).Post("/verifiers", s.handleSetVerifier)
			r.With(s.obs.Middleware("admin.fees")).Post("/fees/withdraw", s.handleWithdrawFees)
			r.With(s.obs.Middleware("admin.affiliates")).Post("/affiliates", s.handleSetAffiliates)
		})
	})
	return r
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// --- wire payloads ---

type termsPayload struct {
	InterestRateBps string `json:"interestRateBps"`
	DurationSecs    int64  `json:"durationSecs"`
	Collection      string `json:"collection"`
	CollateralID    string `json:"collateralId"`
	Deadline        int64  `json:"deadline"`
	Currency        string `json:"currency"`
	Principal       string `json:"principal"`
	AffiliateCode   string `json:"affiliateCode,omitempty"`
}

type predicatePayload struct {
	Verifier string `json:"verifier"`
	Data     string `json:"data"`
}

type offerPayload struct {
	Caller       string             `json:"caller"`
	Borrower     string             `json:"borrower"`
	Lender       string             `json:"lender"`
	Terms        termsPayload       `json:"terms"`
	Signature    string             `json:"signature"`
	Nonce        uint64             `json:"nonce"`
	MaxUses      uint64             `json:"maxUses"`
	Side         string             `json:"side"`
	CallbackData string             `json:"callbackData,omitempty"`
	Predicates   []predicatePayload `json:"predicates,omitempty"`
}

type loanResponse struct {
	LoanID          uint64 `json:"loanId"`
	State           string `json:"state"`
	Currency        string `json:"currency"`
	Principal       string `json:"principal"`
	Balance         string `json:"balance"`
	InterestPaid    string `json:"interestPaid"`
	InterestRateBps string `json:"interestRateBps"`
	DurationSecs    int64  `json:"durationSecs"`
	StartDate       int64  `json:"startDate"`
	LastAccrual     int64  `json:"lastAccrual"`
	Collection      string `json:"collection"`
	CollateralID    string `json:"collateralId"`
}

func loanToResponse(record *loan.LoanData) loanResponse {
	return loanResponse{
		LoanID:          record.LoanID,
		State:           record.State.String(),
		Currency:        record.Terms.PayableCurrency,
		Principal:       record.Terms.Principal.String(),
		Balance:         record.Balance.String(),
		InterestPaid:    record.InterestPaid.String(),
		InterestRateBps: record.Terms.InterestRate.String(),
		DurationSecs:    record.Terms.DurationSecs,
		StartDate:       record.StartDate,
		LastAccrual:     record.LastAccrual,
		Collection:      formatAddr(record.Terms.CollateralAddr),
		CollateralID:    record.Terms.CollateralID.String(),
	}
}

// --- parsing helpers ---

func parseAddr(value string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return addr, fmt.Errorf("address required")
	}
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		raw, err := hex.DecodeString(trimmed[2:])
		if err != nil || len(raw) != 20 {
			return addr, fmt.Errorf("invalid hex address %q", value)
		}
		copy(addr[:], raw)
		return addr, nil
	}
	decoded, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return addr, fmt.Errorf("invalid address %q: %w", value, err)
	}
	copy(addr[:], decoded.Bytes())
	return addr, nil
}

func formatAddr(addr [20]byte) string {
	return crypto.NewAddress(crypto.AccountPrefix, addr[:]).String()
}

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return amount, nil
}

func parseHexBytes(value string) ([]byte, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	return hex.DecodeString(trimmed)
}

func parseSide(value string) (loan.Side, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "borrower":
		return loan.SideBorrower, nil
	case "lender", "":
		return loan.SideLender, nil
	default:
		return 0, fmt.Errorf("invalid side %q", value)
	}
}

func parseTerms(p termsPayload) (*loan.LoanTerms, error) {
	rate, err := parseAmount(p.InterestRateBps)
	if err != nil {
		return nil, fmt.Errorf("interestRateBps: %w", err)
	}
	collection, err := parseAddr(p.Collection)
	if err != nil {
		return nil, fmt.Errorf("collection: %w", err)
	}
	collateralID, err := parseAmount(p.CollateralID)
	if err != nil {
		return nil, fmt.Errorf("collateralId: %w", err)
	}
	principal, err := parseAmount(p.Principal)
	if err != nil {
		return nil, fmt.Errorf("principal: %w", err)
	}
	terms := &loan.LoanTerms{
		InterestRate:    rate,
		DurationSecs:    p.DurationSecs,
		CollateralAddr:  collection,
		CollateralID:    collateralID,
		Deadline:        p.Deadline,
		PayableCurrency: strings.TrimSpace(p.Currency),
		Principal:       principal,
	}
	if p.AffiliateCode != "" {
		raw, err := parseHexBytes(p.AffiliateCode)
		if err != nil || len(raw) != 32 {
			return nil, fmt.Errorf("affiliateCode must be 32 hex bytes")
		}
		copy(terms.AffiliateCode[:], raw)
	}
	return terms, nil
}

func parseSignature(value string) (loan.Signature, error) {
	raw, err := parseHexBytes(value)
	if err != nil {
		return loan.Signature{}, fmt.Errorf("signature: %w", err)
	}
	return loan.SignatureFromBytes(raw)
}

func parsePredicates(payloads []predicatePayload) ([]loan.Predicate, error) {
	if len(payloads) == 0 {
		return nil, nil
	}
	out := make([]loan.Predicate, 0, len(payloads))
	for _, p := range payloads {
		data, err := parseHexBytes(p.Data)
		if err != nil {
			return nil, fmt.Errorf("predicate %s: %w", p.Verifier, err)
		}
		out = append(out, loan.Predicate{Verifier: p.Verifier, Data: data})
	}
	return out, nil
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, s.requestLimit)
	defer body.Close()
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, fmt.Errorf("empty request body"))
			return false
		}
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return false
	}
	return true
}

func loanIDParam(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "loanID")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid loan id %q", raw)
	}
	return id, nil
}

// --- handlers ---

func (s *Server) handleInitializeLoan(w http.ResponseWriter, r *http.Request) {
	var req offerPayload
	if !s.decode(w, r, &req) {
		return
	}
	caller, err := parseAddr(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	borrower, err := parseAddr(req.Borrower)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	lender, err := parseAddr(req.Lender)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	terms, err := parseTerms(req.Terms)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sig, err := parseSignature(req.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	side, err := parseSide(req.Side)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	callbackData, err := parseHexBytes(req.CallbackData)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	predicates, err := parsePredicates(req.Predicates)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	props := loan.SigProperties{Nonce: req.Nonce, MaxUses: req.MaxUses}
	borrowerData := loan.BorrowerData{Borrower: borrower, CallbackData: callbackData}
	loanID, err := s.origination.InitializeLoan(caller, terms, borrowerData, lender, sig, props, side, predicates)
	if err != nil {
		writeLoanError(w, err)
		return
	}
	record, err := s.core.GetLoan(loanID)
	if err != nil {
		writeLoanError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, loanToResponse(record))
}

func (s *Server) handleGetLoan(w http.ResponseWriter, r *http.Request) {
	loanID, err := loanIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	record, err := s.core.GetLoan(loanID)
	if err != nil {
		writeLoanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loanToResponse(record))
}

func (s *Server) handleListLoans(w http.ResponseWriter, _ *http.Request) {
	records, err := s.core.Loans()
	if err != nil {
		writeLoanError(w, err)
		return
	}
	out := make([]loanResponse, 0, len(records))
	for _, record := range records {
		out = append(out, loanToResponse(record))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAmountOwed(w http.ResponseWriter, r *http.Request) {
	loanID, err := loanIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	interestDue, total, err := s.repayment.AmountOwed(loanID)
	if err != nil {
		writeLoanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"interestDue": interestDue.String(),
		"total":       total.String(),
	})
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	loanID, err := loanIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req struct {
		Caller string `json:"caller"`
		Amount string `json:"amount,omitempty"`
		Full   bool   `json:"full,omitempty"`
		Force  bool   `json:"force,omitempty"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	caller, err := parseAddr(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	switch {
	case req.Full && req.Force:
		err = s.repayment.ForceRepayFull(caller, loanID)
	case req.Full:
		err = s.repayment.RepayFull(caller, loanID)
	default:
		var amount *big.Int
		amount, err = parseAmount(req.Amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if req.Force {
			err = s.repayment.ForceRepay(caller, loanID, amount)
		} else {
			err = s.repayment.Repay(caller, loanID, amount)
		}
	}
	if err != nil {
		writeLoanError(w, err)
		return
	}
	record, err := s.core.GetLoan(loanID)
	if err != nil {
		writeLoanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loanToResponse(record))
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	loanID, err := loanIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req struct {
		Caller string `json:"caller"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	caller, err := parseAddr(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.repayment.Claim(caller, loanID); err != nil {
		writeLoanError(w, err)
		return
	}
	record, err := s.core.GetLoan(loanID)
	if err != nil {
		writeLoanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loanToResponse(record))
}

func (s *Server) handleRedeemNote(w http.ResponseWriter, r *http.Request) {
	loanID, err := loanIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req struct {
		Caller string `json:"caller"`
		To     string `json:"to"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	caller, err := parseAddr(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	to, err := parseAddr(req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.repayment.RedeemNote(caller, loanID, to); err != nil {
		writeLoanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "redeemed"})
}

func (s *Server) handleRollover(w http.ResponseWriter, r *http.Request) {
	oldLoanID, err := loanIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req offerPayload
	if !s.decode(w, r, &req) {
		return
	}
	caller, err := parseAddr(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	lender, err := parseAddr(req.Lender)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	terms, err := parseTerms(req.Terms)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sig, err := parseSignature(req.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	side, err := parseSide(req.Side)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	predicates, err := parsePredicates(req.Predicates)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	props := loan.SigProperties{Nonce: req.Nonce, MaxUses: req.MaxUses}
	newLoanID, err := s.origination.RolloverLoan(caller, oldLoanID, terms, lender, sig, props, side, predicates)
	if err != nil {
		writeLoanError(w, err)
		return
	}
	record, err := s.core.GetLoan(newLoanID)
	if err != nil {
		writeLoanError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, loanToResponse(record))
}

func (s *Server) handleRefinance(w http.ResponseWriter, r *http.Request) {
	oldLoanID, err := loanIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req struct {
		Caller string       `json:"caller"`
		Terms  termsPayload `json:"terms"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	caller, err := parseAddr(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	terms, err := parseTerms(req.Terms)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	newLoanID, err := s.origination.RefinanceLoan(caller, oldLoanID, terms)
	if err != nil {
		writeLoanError(w, err)
		return
	}
	record, err := s.core.GetLoan(newLoanID)
	if err != nil {
		writeLoanError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, loanToResponse(record))
}

func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		offerPayload
		SourceLoanID uint64 `json:"sourceLoanId"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	caller, err := parseAddr(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	lender, err := parseAddr(req.Lender)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	terms, err := parseTerms(req.Terms)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sig, err := parseSignature(req.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	predicates, err := parsePredicates(req.Predicates)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	props := loan.SigProperties{Nonce: req.Nonce, MaxUses: req.MaxUses}
	newLoanID, err := s.migration.MigrateLoan(caller, req.SourceLoanID, terms, lender, sig, props, predicates)
	if err != nil {
		writeLoanError(w, err)
		return
	}
	record, err := s.core.GetLoan(newLoanID)
	if err != nil {
		writeLoanError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, loanToResponse(record))
}

func (s *Server) handleCancelNonce(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string `json:"caller"`
		Nonce  uint64 `json:"nonce"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	caller, err := parseAddr(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.core.CancelNonce(caller, req.Nonce); err != nil {
		writeLoanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleSetApproval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner    string `json:"owner"`
		Delegate string `json:"delegate"`
		Approved bool   `json:"approved"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	owner, err := parseAddr(req.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	delegate, err := parseAddr(req.Delegate)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.core.Approve(owner, delegate, req.Approved); err != nil {
		writeLoanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"approved": req.Approved})
}

func (s *Server) handleSetCurrency(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller       string `json:"caller"`
		Symbol       string `json:"symbol"`
		MinPrincipal string `json:"minPrincipal,omitempty"`
		Allowed      bool   `json:"allowed"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	caller, err := parseAddr(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	minPrincipal := big.NewInt(1)
	if req.MinPrincipal != "" {
		minPrincipal, err = parseAmount(req.MinPrincipal)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if err := s.core.SetAllowedCurrency(caller, strings.TrimSpace(req.Symbol), minPrincipal, req.Allowed); err != nil {
		writeLoanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"allowed": req.Allowed})
}

func (s *Server) handleSetCollection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller     string `json:"caller"`
		Collection string `json:"collection"`
		Allowed    bool   `json:"allowed"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	caller, err := parseAddr(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	collection, err := parseAddr(req.Collection)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.core.SetAllowedCollateral(caller, collection, req.Allowed); err != nil {
		writeLoanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"allowed": req.Allowed})
}

func (s *Server) handleSetVerifier(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller  string `json:"caller"`
		Tag     string `json:"tag"`
		Allowed bool   `json:"allowed"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	caller, err := parseAddr(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.core.SetAllowedVerifier(caller, strings.TrimSpace(req.Tag), req.Allowed); err != nil {
		writeLoanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"allowed": req.Allowed})
}

func (s *Server) handleWithdrawFees(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller   string `json:"caller"`
		Currency string `json:"currency"`
		To       string `json:"to"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	caller, err := parseAddr(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	to, err := parseAddr(req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := s.core.WithdrawProtocolFees(caller, strings.TrimSpace(req.Currency), to)
	if err != nil {
		writeLoanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"amount": amount.String()})
}

func (s *Server) handleSetAffiliates(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string `json:"caller"`
		Splits []struct {
			Code      string `json:"code"`
			Recipient string `json:"recipient"`
			SplitBps  uint64 `json:"splitBps"`
		} `json:"splits"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	caller, err := parseAddr(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	codes := make([][32]byte, 0, len(req.Splits))
	splits := make([]loan.AffiliateSplit, 0, len(req.Splits))
	for _, entry := range req.Splits {
		raw, err := parseHexBytes(entry.Code)
		if err != nil || len(raw) != 32 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("affiliate code must be 32 hex bytes"))
			return
		}
		var code [32]byte
		copy(code[:], raw)
		recipient, err := parseAddr(entry.Recipient)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		codes = append(codes, code)
		splits = append(splits, loan.AffiliateSplit{Recipient: recipient, SplitBps: entry.SplitBps})
	}
	if err := s.core.SetAffiliateSplits(caller, codes, splits); err != nil {
		writeLoanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": len(codes)})
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeLoanError maps module sentinel errors onto HTTP status codes.
func writeLoanError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, loan.ErrLoanNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, loan.ErrMissingRole),
		errors.Is(err, loan.ErrCallerNotLender),
		errors.Is(err, loan.ErrCallerNotBorrower),
		errors.Is(err, loan.ErrNotNoteOwner),
		errors.Is(err, loan.ErrSignerMismatch),
		errors.Is(err, loan.ErrInvalidSignature):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, loan.ErrNonceExhausted),
		errors.Is(err, loan.ErrNonceCancelled),
		errors.Is(err, loan.ErrLoanNotActive),
		errors.Is(err, loan.ErrLoanStillActive),
		errors.Is(err, loan.ErrLoanNotDefaulted),
		errors.Is(err, loan.ErrNoReceiptOutstanding),
		errors.Is(err, loan.ErrReentrantCall),
		errors.Is(err, loan.ErrFundsConflict),
		errors.Is(err, loan.ErrCollateralEscrowed),
		errors.Is(err, nativecommon.ErrModulePaused):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, loan.ErrInsufficientBalance),
		errors.Is(err, loan.ErrFlashLoanShortfall):
		writeError(w, http.StatusPaymentRequired, err)
	case errors.Is(err, loan.ErrPrincipalTooLow),
		errors.Is(err, loan.ErrDurationOutOfBounds),
		errors.Is(err, loan.ErrInterestRateOutOfBounds),
		errors.Is(err, loan.ErrSignatureExpired),
		errors.Is(err, loan.ErrCurrencyNotAllowed),
		errors.Is(err, loan.ErrCollateralNotAllowed),
		errors.Is(err, loan.ErrCurrencyMismatch),
		errors.Is(err, loan.ErrCollateralMismatch),
		errors.Is(err, loan.ErrCollateralIDMismatch),
		errors.Is(err, loan.ErrRateDeltaTooSmall),
		errors.Is(err, loan.ErrPaymentBelowMinimum),
		errors.Is(err, loan.ErrOverRepayment),
		errors.Is(err, loan.ErrPrincipalExceedsBalance),
		errors.Is(err, loan.ErrVerifierNotAllowed),
		errors.Is(err, loan.ErrPredicateFailed),
		errors.Is(err, loan.ErrSplitTooLarge),
		errors.Is(err, loan.ErrNotCollateralOwner):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
