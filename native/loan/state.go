package loan

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"loanledger/core/types"
	"loanledger/storage"
)

// Key layout under the module prefix. Addresses and codes are hex encoded so
// prefix scans stay lexicographic.
const (
	keySeq        = "loan/seq"
	prefixLoan    = "loan/record/"
	prefixAccount = "loan/account/"
	prefixCollat  = "loan/collateral/"
	prefixNote    = "loan/note/"
	prefixNonce   = "loan/nonce/"
	prefixApprove = "loan/approval/"
	prefixReceipt = "loan/receipt/"
	prefixFees    = "loan/fees/"
	prefixAffil   = "loan/affiliate/"
	prefixWLCur   = "loan/wl/currency/"
	prefixWLCol   = "loan/wl/collateral/"
	prefixWLVer   = "loan/wl/verifier/"
	prefixRole    = "loan/role/"
)

// State adapts a storage.Database into the ledgerState surface. Records are
// JSON encoded; amounts survive round-trips because big.Int marshals as an
// arbitrary-precision decimal.
type State struct {
	db storage.Database
}

// NewState wraps the database.
func NewState(db storage.Database) *State {
	return &State{db: db}
}

func addrKey(addr [20]byte) string { return hex.EncodeToString(addr[:]) }

func codeKey(code [32]byte) string { return hex.EncodeToString(code[:]) }

func loanKey(id uint64) []byte { return []byte(prefixLoan + strconv.FormatUint(id, 10)) }

func accountKey(addr [20]byte) []byte {
	return []byte(prefixAccount + addrKey(addr))
}

func collateralKey(collection [20]byte, id *big.Int) []byte {
	return []byte(prefixCollat + addrKey(collection) + "/" + id.String())
}

func noteKey(kind NoteKind, loanID uint64) []byte {
	return []byte(prefixNote + strconv.Itoa(int(kind)) + "/" + strconv.FormatUint(loanID, 10))
}

func nonceKey(owner [20]byte, nonce uint64) []byte {
	return []byte(prefixNonce + addrKey(owner) + "/" + strconv.FormatUint(nonce, 10))
}

func approvalKey(owner, delegate [20]byte) []byte {
	return []byte(prefixApprove + addrKey(owner) + "/" + addrKey(delegate))
}

func (s *State) getJSON(key []byte, out any) (bool, error) {
	raw, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("loan: decode %q: %w", key, err)
	}
	return true, nil
}

func (s *State) putJSON(key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("loan: encode %q: %w", key, err)
	}
	return s.db.Put(key, raw)
}

// NextLoanID increments and returns the loan sequence. Identifiers start at
// one; zero is never a valid loan.
func (s *State) NextLoanID() (uint64, error) {
	var next uint64 = 1
	raw, err := s.db.Get([]byte(keySeq))
	if err != nil && !errors.Is(err, storage.ErrKeyNotFound) {
		return 0, err
	}
	if err == nil {
		if len(raw) != 8 {
			return 0, fmt.Errorf("loan: corrupt loan sequence")
		}
		next = binary.BigEndian.Uint64(raw) + 1
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	if err := s.db.Put([]byte(keySeq), buf); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *State) GetLoan(id uint64) (*LoanData, error) {
	record := new(LoanData)
	ok, err := s.getJSON(loanKey(id), record)
	if err != nil || !ok {
		return nil, err
	}
	return record, nil
}

func (s *State) PutLoan(loan *LoanData) error {
	if loan == nil {
		return fmt.Errorf("loan: nil record")
	}
	return s.putJSON(loanKey(loan.LoanID), loan)
}

// Loans scans every stored loan record. Iteration order follows the key
// encoding, not the loan identifier; callers needing identifier order sort.
func (s *State) Loans(fn func(*LoanData) bool) error {
	var decodeErr error
	err := s.db.IteratePrefix([]byte(prefixLoan), func(key, value []byte) bool {
		record := new(LoanData)
		if err := json.Unmarshal(value, record); err != nil {
			decodeErr = fmt.Errorf("loan: decode %q: %w", key, err)
			return false
		}
		return fn(record)
	})
	if decodeErr != nil {
		return decodeErr
	}
	return err
}

func (s *State) GetAccount(addr [20]byte) (*types.Account, error) {
	acc := new(types.Account)
	ok, err := s.getJSON(accountKey(addr), acc)
	if err != nil {
		return nil, err
	}
	if !ok {
		return types.NewAccount(), nil
	}
	return acc, nil
}

func (s *State) PutAccount(addr [20]byte, acc *types.Account) error {
	if acc == nil {
		return fmt.Errorf("loan: nil account")
	}
	return s.putJSON(accountKey(addr), acc)
}

func (s *State) CollateralOwner(collection [20]byte, id *big.Int) ([20]byte, bool, error) {
	raw, err := s.db.Get(collateralKey(collection, id))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return [20]byte{}, false, nil
		}
		return [20]byte{}, false, err
	}
	if len(raw) != 20 {
		return [20]byte{}, false, fmt.Errorf("loan: corrupt collateral owner")
	}
	var owner [20]byte
	copy(owner[:], raw)
	return owner, true, nil
}

func (s *State) SetCollateralOwner(collection [20]byte, id *big.Int, owner [20]byte) error {
	return s.db.Put(collateralKey(collection, id), owner[:])
}

func (s *State) NoteOwner(kind NoteKind, loanID uint64) ([20]byte, bool, error) {
	raw, err := s.db.Get(noteKey(kind, loanID))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return [20]byte{}, false, nil
		}
		return [20]byte{}, false, err
	}
	if len(raw) != 20 {
		return [20]byte{}, false, fmt.Errorf("loan: corrupt note owner")
	}
	var owner [20]byte
	copy(owner[:], raw)
	return owner, true, nil
}

func (s *State) SetNoteOwner(kind NoteKind, loanID uint64, owner [20]byte) error {
	return s.db.Put(noteKey(kind, loanID), owner[:])
}

func (s *State) BurnNote(kind NoteKind, loanID uint64) error {
	return s.db.Delete(noteKey(kind, loanID))
}

func (s *State) GetNonce(owner [20]byte, nonce uint64) (*NonceRecord, error) {
	record := new(NonceRecord)
	ok, err := s.getJSON(nonceKey(owner, nonce), record)
	if err != nil || !ok {
		return nil, err
	}
	return record, nil
}

func (s *State) PutNonce(owner [20]byte, nonce uint64, record *NonceRecord) error {
	if record == nil {
		return fmt.Errorf("loan: nil nonce record")
	}
	return s.putJSON(nonceKey(owner, nonce), record)
}

func (s *State) Approval(owner, delegate [20]byte) (bool, error) {
	ok, err := s.db.Has(approvalKey(owner, delegate))
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (s *State) SetApproval(owner, delegate [20]byte, approved bool) error {
	key := approvalKey(owner, delegate)
	if !approved {
		return s.db.Delete(key)
	}
	return s.db.Put(key, []byte{1})
}

func receiptKey(loanID uint64) []byte {
	return []byte(prefixReceipt + strconv.FormatUint(loanID, 10))
}

func (s *State) GetReceipt(loanID uint64) (*NoteReceipt, error) {
	receipt := new(NoteReceipt)
	ok, err := s.getJSON(receiptKey(loanID), receipt)
	if err != nil || !ok {
		return nil, err
	}
	return receipt, nil
}

func (s *State) PutReceipt(loanID uint64, receipt *NoteReceipt) error {
	if receipt == nil {
		return fmt.Errorf("loan: nil receipt")
	}
	return s.putJSON(receiptKey(loanID), receipt)
}

func (s *State) DeleteReceipt(loanID uint64) error {
	return s.db.Delete(receiptKey(loanID))
}

func (s *State) FeeBalance(token string) (*big.Int, error) {
	raw, err := s.db.Get([]byte(prefixFees + token))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return big.NewInt(0), nil
		}
		return nil, err
	}
	amount, ok := new(big.Int).SetString(string(raw), 10)
	if !ok {
		return nil, fmt.Errorf("loan: corrupt fee balance for %s", token)
	}
	return amount, nil
}

func (s *State) PutFeeBalance(token string, amount *big.Int) error {
	return s.db.Put([]byte(prefixFees+token), []byte(cloneBigInt(amount).String()))
}

func (s *State) AffiliateSplit(code [32]byte) (*AffiliateSplit, error) {
	split := new(AffiliateSplit)
	ok, err := s.getJSON([]byte(prefixAffil+codeKey(code)), split)
	if err != nil || !ok {
		return nil, err
	}
	return split, nil
}

func (s *State) PutAffiliateSplit(code [32]byte, split *AffiliateSplit) error {
	if split == nil {
		return fmt.Errorf("loan: nil affiliate split")
	}
	return s.putJSON([]byte(prefixAffil+codeKey(code)), split)
}

func (s *State) CurrencyMinimum(token string) (*big.Int, bool, error) {
	raw, err := s.db.Get([]byte(prefixWLCur + token))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	minPrincipal, ok := new(big.Int).SetString(string(raw), 10)
	if !ok {
		return nil, false, fmt.Errorf("loan: corrupt currency minimum for %s", token)
	}
	return minPrincipal, true, nil
}

func (s *State) SetAllowedCurrency(token string, minPrincipal *big.Int, allowed bool) error {
	key := []byte(prefixWLCur + token)
	if !allowed {
		return s.db.Delete(key)
	}
	return s.db.Put(key, []byte(cloneBigInt(minPrincipal).String()))
}

func (s *State) CollateralAllowed(collection [20]byte) (bool, error) {
	return s.db.Has([]byte(prefixWLCol + addrKey(collection)))
}

func (s *State) SetAllowedCollateral(collection [20]byte, allowed bool) error {
	key := []byte(prefixWLCol + addrKey(collection))
	if !allowed {
		return s.db.Delete(key)
	}
	return s.db.Put(key, []byte{1})
}

func (s *State) VerifierAllowed(tag string) (bool, error) {
	return s.db.Has([]byte(prefixWLVer + tag))
}

func (s *State) SetAllowedVerifier(tag string, allowed bool) error {
	key := []byte(prefixWLVer + tag)
	if !allowed {
		return s.db.Delete(key)
	}
	return s.db.Put(key, []byte{1})
}

func roleKey(addr [20]byte, role Role) []byte {
	return []byte(prefixRole + strconv.Itoa(int(role)) + "/" + addrKey(addr))
}

func (s *State) HasRole(addr [20]byte, role Role) (bool, error) {
	return s.db.Has(roleKey(addr, role))
}

func (s *State) SetRole(addr [20]byte, role Role, enabled bool) error {
	key := roleKey(addr, role)
	if !enabled {
		return s.db.Delete(key)
	}
	return s.db.Put(key, []byte{1})
}
