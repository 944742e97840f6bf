package loan

import "math/big"

// ProratedInterestDue computes the interest accrued on the outstanding
// balance since the last accrual checkpoint:
//
//	balance * rate * elapsed / (10_000 * secondsPerYear)
//
// The accrual window never extends past maturity (startTime + duration): a
// loan left unpaid beyond full term accrues no further interest. There is no
// minimum-elapsed gate, so a same-timestamp repayment owes zero interest.
// The division rounds down.
func ProratedInterestDue(balance, rateBps *big.Int, durationSecs, startTime, lastAccrual, now int64) *big.Int {
	if balance == nil || rateBps == nil {
		return big.NewInt(0)
	}
	if balance.Sign() <= 0 || rateBps.Sign() <= 0 {
		return big.NewInt(0)
	}
	windowEnd := now
	maturity := startTime + durationSecs
	if windowEnd > maturity {
		windowEnd = maturity
	}
	if lastAccrual >= windowEnd {
		return big.NewInt(0)
	}
	elapsed := windowEnd - lastAccrual
	interest := new(big.Int).Mul(balance, rateBps)
	interest.Mul(interest, big.NewInt(elapsed))
	denom := new(big.Int).Mul(basisPoints, yearSeconds)
	return interest.Quo(interest, denom)
}

// EffectiveInterestRate annualizes the rate actually realized over the life
// of a loan, in basis points. It is a disclosure figure, not a settlement
// input: the value a borrower effectively paid given their repayment timing.
func EffectiveInterestRate(totalInterestPaid *big.Int, elapsedSecs int64, principal *big.Int) *big.Int {
	if totalInterestPaid == nil || principal == nil {
		return big.NewInt(0)
	}
	if totalInterestPaid.Sign() <= 0 || principal.Sign() <= 0 || elapsedSecs <= 0 {
		return big.NewInt(0)
	}
	rate := new(big.Int).Mul(totalInterestPaid, basisPoints)
	rate.Mul(rate, yearSeconds)
	denom := new(big.Int).Mul(principal, big.NewInt(elapsedSecs))
	return rate.Quo(rate, denom)
}
