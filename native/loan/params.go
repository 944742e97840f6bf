package loan

import "math/big"

const moduleName = "loan"

const (
	basisPointsDenominator = 10_000
	secondsPerYear         = 31_536_000

	// MinDurationSecs and MaxDurationSecs bound the acceptable loan term.
	MinDurationSecs int64 = 3_600
	MaxDurationSecs int64 = 3 * secondsPerYear

	// MinInterestRateBps is 0.01% APR; MaxInterestRateBps encodes
	// 1,000,000% APR.
	MinInterestRateBps int64 = 1
	MaxInterestRateBps int64 = 100_000_000

	// DefaultGracePeriodSecs is the delay after maturity before a lender
	// may claim defaulted collateral.
	DefaultGracePeriodSecs int64 = 43_200

	// MaxAffiliateSplitBps caps the share of protocol fees routable to an
	// affiliate code.
	MaxAffiliateSplitBps uint64 = 2_000

	// MaxFeeBps caps every individual fee component in a schedule.
	MaxFeeBps uint64 = 1_000

	// MinRefinanceRateDeltaBps is the minimum APR improvement a refinance
	// must deliver, preventing churn solely to harvest or dodge fees.
	MinRefinanceRateDeltaBps int64 = 500
)

var (
	basisPoints     = big.NewInt(basisPointsDenominator)
	yearSeconds     = big.NewInt(secondsPerYear)
	minInterestRate = big.NewInt(MinInterestRateBps)
	maxInterestRate = big.NewInt(MaxInterestRateBps)
)

// FeeSchedule is the live protocol fee configuration consulted at
// origination. The resulting snapshot is frozen into each loan record.
type FeeSchedule struct {
	BorrowerOriginationFeeBps uint64
	LenderInterestFeeBps      uint64
	LenderPrincipalFeeBps     uint64
}

// Valid reports whether every component respects the per-fee cap.
func (f FeeSchedule) Valid() bool {
	return f.BorrowerOriginationFeeBps <= MaxFeeBps &&
		f.LenderInterestFeeBps <= MaxFeeBps &&
		f.LenderPrincipalFeeBps <= MaxFeeBps
}

// Snapshot freezes the schedule into the per-loan representation.
func (f FeeSchedule) Snapshot() FeeSnapshot {
	return FeeSnapshot{
		BorrowerOriginationFeeBps: f.BorrowerOriginationFeeBps,
		LenderInterestFeeBps:      f.LenderInterestFeeBps,
		LenderPrincipalFeeBps:     f.LenderPrincipalFeeBps,
	}
}

// ProtocolParams carries the tunable settlement parameters.
type ProtocolParams struct {
	GracePeriodSecs int64
	Fees            FeeSchedule
}

// DefaultParams returns the parameter set used when the operator supplies no
// overrides.
func DefaultParams() ProtocolParams {
	return ProtocolParams{
		GracePeriodSecs: DefaultGracePeriodSecs,
		Fees: FeeSchedule{
			BorrowerOriginationFeeBps: 50,
			LenderInterestFeeBps:      100,
			LenderPrincipalFeeBps:     25,
		},
	}
}
