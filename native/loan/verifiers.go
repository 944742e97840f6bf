package loan

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

// Verifier tags registered by default. The admin allow-set in ledger state
// decides which tags are usable; the registry maps tags to implementations.
const (
	VerifierCollectionWildcard = "collection-wildcard"
	VerifierSpecificItem       = "specific-item"
	VerifierBundleContents     = "bundle-contents"
)

// CollateralView exposes the read-only collateral ownership lookups predicate
// verifiers are allowed to perform.
type CollateralView interface {
	CollateralOwner(collection [20]byte, id *big.Int) ([20]byte, bool, error)
}

// PredicateVerifier checks whether pledged collateral satisfies an offer's
// item-level constraint. The data bytes are opaque to the ledger and
// interpreted only by the verifier they are addressed to.
type PredicateVerifier interface {
	VerifyPredicate(view CollateralView, borrower, lender [20]byte, collateral [20]byte, collateralID *big.Int, data []byte) (bool, error)
}

// VerifierRegistry maps verifier tags to trusted implementations. Open
// dispatch to arbitrary code is deliberately not supported; only registered
// implementations are reachable.
type VerifierRegistry struct {
	verifiers map[string]PredicateVerifier
}

// NewVerifierRegistry returns a registry preloaded with the built-in
// verifiers.
func NewVerifierRegistry() *VerifierRegistry {
	r := &VerifierRegistry{verifiers: make(map[string]PredicateVerifier)}
	r.Register(VerifierCollectionWildcard, CollectionWildcardVerifier{})
	r.Register(VerifierSpecificItem, SpecificItemVerifier{})
	r.Register(VerifierBundleContents, BundleContentsVerifier{})
	return r
}

// Register installs a verifier under the given tag, replacing any previous
// registration.
func (r *VerifierRegistry) Register(tag string, verifier PredicateVerifier) {
	if r == nil || verifier == nil || tag == "" {
		return
	}
	r.verifiers[tag] = verifier
}

// Resolve returns the verifier registered under the tag.
func (r *VerifierRegistry) Resolve(tag string) (PredicateVerifier, bool) {
	if r == nil {
		return nil, false
	}
	v, ok := r.verifiers[tag]
	return v, ok
}

// Predicate payloads are sequences of 32-byte words: addresses occupy the low
// 20 bytes of a word, token IDs are big-endian uint256 words.

const predicateWordSize = 32

func encodeAddressWord(addr [20]byte) []byte {
	word := make([]byte, predicateWordSize)
	copy(word[12:], addr[:])
	return word
}

func decodeAddressWord(word []byte) ([20]byte, error) {
	var addr [20]byte
	if len(word) != predicateWordSize {
		return addr, fmt.Errorf("loan: predicate word must be %d bytes", predicateWordSize)
	}
	for _, b := range word[:12] {
		if b != 0 {
			return addr, fmt.Errorf("loan: predicate address word has nonzero padding")
		}
	}
	copy(addr[:], word[12:])
	return addr, nil
}

func encodeIDWord(id *big.Int) ([]byte, error) {
	word, overflow := uint256.FromBig(cloneBigInt(id))
	if overflow {
		return nil, fmt.Errorf("loan: predicate token id exceeds 256 bits")
	}
	out := word.Bytes32()
	return out[:], nil
}

func decodeIDWord(word []byte) (*big.Int, error) {
	if len(word) != predicateWordSize {
		return nil, fmt.Errorf("loan: predicate word must be %d bytes", predicateWordSize)
	}
	id := new(uint256.Int)
	id.SetBytes32(word)
	return id.ToBig(), nil
}

// EncodeCollectionPredicate builds the payload for the collection-wildcard
// verifier: any token from the named collection satisfies the offer.
func EncodeCollectionPredicate(collection [20]byte) []byte {
	return encodeAddressWord(collection)
}

// EncodeItemPredicate builds the payload for the specific-item verifier.
func EncodeItemPredicate(collection [20]byte, id *big.Int) ([]byte, error) {
	idWord, err := encodeIDWord(id)
	if err != nil {
		return nil, err
	}
	return append(encodeAddressWord(collection), idWord...), nil
}

// EncodeBundlePredicate builds the payload for the bundle-contents verifier:
// every listed (collection, id) pair must be held by the borrower pledging the
// bundle.
func EncodeBundlePredicate(items [][20]byte, ids []*big.Int) ([]byte, error) {
	if len(items) != len(ids) {
		return nil, fmt.Errorf("loan: bundle predicate item/id length mismatch")
	}
	payload := make([]byte, 0, len(items)*2*predicateWordSize)
	for i := range items {
		idWord, err := encodeIDWord(ids[i])
		if err != nil {
			return nil, err
		}
		payload = append(payload, encodeAddressWord(items[i])...)
		payload = append(payload, idWord...)
	}
	return payload, nil
}

// CollectionWildcardVerifier accepts any collateral token from a named
// collection.
type CollectionWildcardVerifier struct{}

func (CollectionWildcardVerifier) VerifyPredicate(_ CollateralView, _, _ [20]byte, collateral [20]byte, _ *big.Int, data []byte) (bool, error) {
	want, err := decodeAddressWord(data)
	if err != nil {
		return false, err
	}
	return want == collateral, nil
}

// SpecificItemVerifier accepts exactly one (collection, token id) pair.
type SpecificItemVerifier struct{}

func (SpecificItemVerifier) VerifyPredicate(_ CollateralView, _, _ [20]byte, collateral [20]byte, collateralID *big.Int, data []byte) (bool, error) {
	if len(data) != 2*predicateWordSize {
		return false, fmt.Errorf("loan: specific-item predicate must be %d bytes", 2*predicateWordSize)
	}
	wantCollection, err := decodeAddressWord(data[:predicateWordSize])
	if err != nil {
		return false, err
	}
	wantID, err := decodeIDWord(data[predicateWordSize:])
	if err != nil {
		return false, err
	}
	if wantCollection != collateral {
		return false, nil
	}
	return wantID.Cmp(cloneBigInt(collateralID)) == 0, nil
}

// BundleContentsVerifier checks that the borrower still holds every item the
// offer requires inside the bundle. Anchoring the check on the borrower
// rather than the pledged token's current owner keeps it valid after the
// pledged token has moved into escrow, which is when the check runs.
type BundleContentsVerifier struct{}

func (BundleContentsVerifier) VerifyPredicate(view CollateralView, borrower, _ [20]byte, _ [20]byte, _ *big.Int, data []byte) (bool, error) {
	if view == nil {
		return false, fmt.Errorf("loan: bundle predicate requires collateral view")
	}
	if len(data) == 0 || len(data)%(2*predicateWordSize) != 0 {
		return false, fmt.Errorf("loan: malformed bundle predicate payload")
	}
	for offset := 0; offset < len(data); offset += 2 * predicateWordSize {
		collection, err := decodeAddressWord(data[offset : offset+predicateWordSize])
		if err != nil {
			return false, err
		}
		id, err := decodeIDWord(data[offset+predicateWordSize : offset+2*predicateWordSize])
		if err != nil {
			return false, err
		}
		owner, ok, err := view.CollateralOwner(collection, id)
		if err != nil {
			return false, err
		}
		if !ok || owner != borrower {
			return false, nil
		}
	}
	return true, nil
}
