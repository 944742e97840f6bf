package loan

import (
	"fmt"
	"math/big"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethmath "github.com/ethereum/go-ethereum/common/math"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// SigningDomainName and SigningDomainVersion identify the EIP-712 domain all
// loan offers are signed under. Binding the domain (and the counterparty and
// side inside the message) prevents cross-wiring a signature between
// unrelated loans or protocols.
const (
	SigningDomainName    = "LoanLedger"
	SigningDomainVersion = "1"
)

var offerTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
	},
	"LoanOffer": {
		{Name: "interestRate", Type: "uint256"},
		{Name: "durationSecs", Type: "uint256"},
		{Name: "collateralAddress", Type: "address"},
		{Name: "collateralId", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
		{Name: "payableCurrency", Type: "string"},
		{Name: "principal", Type: "uint256"},
		{Name: "affiliateCode", Type: "bytes32"},
		{Name: "nonce", Type: "uint256"},
		{Name: "maxUses", Type: "uint256"},
		{Name: "side", Type: "uint8"},
		{Name: "counterparty", Type: "address"},
		{Name: "callbackHash", Type: "bytes32"},
		{Name: "itemsHash", Type: "bytes32"},
	},
}

// Signature carries a 65-byte secp256k1 signature split into its components,
// with optional extra data for contract-wallet signature schemes.
type Signature struct {
	V         uint8
	R         [32]byte
	S         [32]byte
	ExtraData []byte
}

// Compact returns the signature in [R || S || V] form with V normalised to
// the 0/1 recovery identifier.
func (s Signature) Compact() []byte {
	out := make([]byte, 65)
	copy(out[:32], s.R[:])
	copy(out[32:64], s.S[:])
	v := s.V
	if v >= 27 {
		v -= 27
	}
	out[64] = v
	return out
}

// SignatureFromBytes splits a raw 65-byte signature into components.
func SignatureFromBytes(raw []byte) (Signature, error) {
	if len(raw) != 65 {
		return Signature{}, fmt.Errorf("loan: signature must be 65 bytes, got %d", len(raw))
	}
	var sig Signature
	copy(sig.R[:], raw[:32])
	copy(sig.S[:], raw[32:64])
	sig.V = raw[64]
	return sig, nil
}

// OfferDigest computes the EIP-712 digest a counterparty signs to authorise a
// loan under the given terms. The digest binds the exact economic terms, the
// replay-protection properties, which side is signing, the expected
// counterparty, the borrower callback payload and the item predicates.
func OfferDigest(chainID int64, terms *LoanTerms, props SigProperties, side Side, counterparty [20]byte, callbackData []byte, predicates []Predicate) ([]byte, error) {
	if terms == nil {
		return nil, errNilTerms
	}
	message := apitypes.TypedDataMessage{
		"interestRate":      (*gethmath.HexOrDecimal256)(cloneBigInt(terms.InterestRate)),
		"durationSecs":      gethmath.NewHexOrDecimal256(terms.DurationSecs),
		"collateralAddress": ethcommon.BytesToAddress(terms.CollateralAddr[:]).Hex(),
		"collateralId":      (*gethmath.HexOrDecimal256)(cloneBigInt(terms.CollateralID)),
		"deadline":          gethmath.NewHexOrDecimal256(terms.Deadline),
		"payableCurrency":   terms.PayableCurrency,
		"principal":         (*gethmath.HexOrDecimal256)(cloneBigInt(terms.Principal)),
		"affiliateCode":     hexutil.Encode(terms.AffiliateCode[:]),
		"nonce":             (*gethmath.HexOrDecimal256)(new(big.Int).SetUint64(props.Nonce)),
		"maxUses":           (*gethmath.HexOrDecimal256)(new(big.Int).SetUint64(props.MaxUses)),
		"side":              gethmath.NewHexOrDecimal256(int64(side)),
		"counterparty":      ethcommon.BytesToAddress(counterparty[:]).Hex(),
		"callbackHash":      hexutil.Encode(callbackHash(callbackData)),
		"itemsHash":         hexutil.Encode(predicatesHash(predicates)),
	}
	typed := apitypes.TypedData{
		Types:       offerTypes,
		PrimaryType: "LoanOffer",
		Domain: apitypes.TypedDataDomain{
			Name:    SigningDomainName,
			Version: SigningDomainVersion,
			ChainId: gethmath.NewHexOrDecimal256(chainID),
		},
		Message: message,
	}
	digest, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return nil, fmt.Errorf("loan: hash offer: %w", err)
	}
	return digest, nil
}

// RecoverSigner recovers the address that produced the signature over the
// digest.
func RecoverSigner(digest []byte, sig Signature) ([20]byte, error) {
	var signer [20]byte
	if len(digest) != 32 {
		return signer, ErrInvalidSignature
	}
	pubKey, err := ethcrypto.SigToPub(digest, sig.Compact())
	if err != nil {
		return signer, ErrInvalidSignature
	}
	recovered := ethcrypto.PubkeyToAddress(*pubKey)
	copy(signer[:], recovered.Bytes())
	return signer, nil
}

// ContractSignerValidator validates signatures produced by contract-based
// wallets, standing in for an isValidSignature-style callback. Implementations
// are consulted whenever ECDSA recovery fails or resolves to a key that is
// neither the signing party nor one of its approved delegates.
type ContractSignerValidator interface {
	IsValidSignature(signer [20]byte, digest []byte, sig Signature) bool
}

func callbackHash(data []byte) []byte {
	if len(data) == 0 {
		return make([]byte, 32)
	}
	return ethcrypto.Keccak256(data)
}

func predicatesHash(predicates []Predicate) []byte {
	if len(predicates) == 0 {
		return make([]byte, 32)
	}
	parts := make([][]byte, 0, 2*len(predicates))
	for _, p := range predicates {
		parts = append(parts, ethcrypto.Keccak256([]byte(p.Verifier)), ethcrypto.Keccak256(p.Data))
	}
	return ethcrypto.Keccak256(parts...)
}
