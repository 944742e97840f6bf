package loan

import (
	"math/big"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func offerFixture() (*LoanTerms, SigProperties) {
	terms := &LoanTerms{
		InterestRate:    big.NewInt(1500),
		DurationSecs:    14 * daySecs,
		CollateralAddr:  testAddr(0xc0),
		CollateralID:    big.NewInt(7),
		Deadline:        1_700_100_000,
		PayableCurrency: testToken,
		Principal:       big.NewInt(250_000),
	}
	return terms, SigProperties{Nonce: 1, MaxUses: 1}
}

func TestOfferDigestDeterministic(t *testing.T) {
	terms, props := offerFixture()
	counterparty := testAddr(0x03)

	a, err := OfferDigest(testChainID, terms, props, SideLender, counterparty, nil, nil)
	require.NoError(t, err)
	require.Len(t, a, 32)

	b, err := OfferDigest(testChainID, terms, props, SideLender, counterparty, nil, nil)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestOfferDigestBindsInputs(t *testing.T) {
	terms, props := offerFixture()
	counterparty := testAddr(0x03)
	base, err := OfferDigest(testChainID, terms, props, SideLender, counterparty, nil, nil)
	require.NoError(t, err)

	bumped := terms.Clone()
	bumped.Principal = big.NewInt(250_001)
	d, err := OfferDigest(testChainID, bumped, props, SideLender, counterparty, nil, nil)
	require.NoError(t, err)
	require.NotEqual(t, base, d)

	d, err = OfferDigest(testChainID, terms, SigProperties{Nonce: 2, MaxUses: 1}, SideLender, counterparty, nil, nil)
	require.NoError(t, err)
	require.NotEqual(t, base, d)

	d, err = OfferDigest(testChainID, terms, props, SideBorrower, counterparty, nil, nil)
	require.NoError(t, err)
	require.NotEqual(t, base, d)

	d, err = OfferDigest(testChainID, terms, props, SideLender, testAddr(0x04), nil, nil)
	require.NoError(t, err)
	require.NotEqual(t, base, d)

	d, err = OfferDigest(testChainID, terms, props, SideLender, counterparty, []byte{1}, nil)
	require.NoError(t, err)
	require.NotEqual(t, base, d)

	predicates := []Predicate{{Verifier: VerifierCollectionWildcard, Data: EncodeCollectionPredicate(testAddr(0xc0))}}
	d, err = OfferDigest(testChainID, terms, props, SideLender, counterparty, nil, predicates)
	require.NoError(t, err)
	require.NotEqual(t, base, d)

	d, err = OfferDigest(testChainID+1, terms, props, SideLender, counterparty, nil, nil)
	require.NoError(t, err)
	require.NotEqual(t, base, d)
}

func TestRecoverSignerRoundTrip(t *testing.T) {
	key, addr := newSignerKey(t)
	terms, props := offerFixture()
	sig := signOffer(t, key, terms, props, SideLender, testAddr(0x03), nil, nil)

	digest, err := OfferDigest(testChainID, terms, props, SideLender, testAddr(0x03), nil, nil)
	require.NoError(t, err)
	signer, err := RecoverSigner(digest, sig)
	require.NoError(t, err)
	require.Equal(t, addr, signer)

	// A different digest recovers some other address.
	other, err := OfferDigest(testChainID, terms, SigProperties{Nonce: 99, MaxUses: 1}, SideLender, testAddr(0x03), nil, nil)
	require.NoError(t, err)
	mismatched, err := RecoverSigner(other, sig)
	if err == nil {
		require.NotEqual(t, addr, mismatched)
	}
}

func TestSignatureFromBytes(t *testing.T) {
	_, err := SignatureFromBytes(make([]byte, 64))
	require.Error(t, err)

	raw := make([]byte, 65)
	raw[0] = 0xaa
	raw[63] = 0xbb
	raw[64] = 27
	sig, err := SignatureFromBytes(raw)
	require.NoError(t, err)
	require.Equal(t, uint8(27), sig.V)

	compact := sig.Compact()
	require.Len(t, compact, 65)
	require.Equal(t, uint8(0), compact[64])
	require.Equal(t, byte(0xaa), compact[0])
}

func TestRecoverSignerRejectsBadDigest(t *testing.T) {
	key, _ := newSignerKey(t)
	digest := ethcrypto.Keccak256([]byte("payload"))
	raw, err := ethcrypto.Sign(digest, key)
	require.NoError(t, err)
	sig, err := SignatureFromBytes(raw)
	require.NoError(t, err)

	_, err = RecoverSigner(digest[:31], sig)
	require.ErrorIs(t, err, ErrInvalidSignature)
}
