package loan

import (
	"fmt"
	"math/big"
)

// ValidateTerms applies the structural and whitelist checks every candidate
// loan's terms must pass before any funds or collateral move.
func (c *LoanCore) ValidateTerms(terms *LoanTerms) error {
	if c == nil || c.state == nil {
		return errNilState
	}
	if terms == nil {
		return errNilTerms
	}
	if terms.DurationSecs < MinDurationSecs || terms.DurationSecs > MaxDurationSecs {
		return fmt.Errorf("%w: %d seconds", ErrDurationOutOfBounds, terms.DurationSecs)
	}
	if terms.InterestRate == nil ||
		terms.InterestRate.Cmp(minInterestRate) < 0 ||
		terms.InterestRate.Cmp(maxInterestRate) > 0 {
		return ErrInterestRateOutOfBounds
	}
	if terms.Deadline <= c.now() {
		return ErrSignatureExpired
	}
	minPrincipal, allowed, err := c.state.CurrencyMinimum(terms.PayableCurrency)
	if err != nil {
		return err
	}
	if !allowed {
		return fmt.Errorf("%w: %s", ErrCurrencyNotAllowed, terms.PayableCurrency)
	}
	if terms.Principal == nil || terms.Principal.Sign() <= 0 || (minPrincipal != nil && terms.Principal.Cmp(minPrincipal) < 0) {
		return ErrPrincipalTooLow
	}
	collateralOK, err := c.state.CollateralAllowed(terms.CollateralAddr)
	if err != nil {
		return err
	}
	if !collateralOK {
		return ErrCollateralNotAllowed
	}
	return nil
}

// RunPredicates executes the signed predicate list against current ledger
// state. Every predicate must hold; the first failure aborts with the
// verifier tag attached.
func (c *LoanCore) RunPredicates(registry *VerifierRegistry, borrower, lender [20]byte, terms *LoanTerms, predicates []Predicate) error {
	if c == nil || c.state == nil {
		return errNilState
	}
	if terms == nil {
		return errNilTerms
	}
	for _, p := range predicates {
		allowed, err := c.state.VerifierAllowed(p.Verifier)
		if err != nil {
			return err
		}
		if !allowed {
			return fmt.Errorf("%w: %s", ErrVerifierNotAllowed, p.Verifier)
		}
		verifier, ok := registry.Resolve(p.Verifier)
		if !ok {
			return fmt.Errorf("%w: %s", ErrVerifierNotAllowed, p.Verifier)
		}
		ok, err = verifier.VerifyPredicate(c.state, borrower, lender, terms.CollateralAddr, terms.CollateralID, p.Data)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrPredicateFailed, p.Verifier, err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrPredicateFailed, p.Verifier)
		}
	}
	return nil
}

// SetAllowedCurrency whitelists a payable currency with its minimum
// principal, or delists it. Restricted to the whitelist-manager role.
func (c *LoanCore) SetAllowedCurrency(caller [20]byte, token string, minPrincipal *big.Int, allowed bool) error {
	if c == nil || c.state == nil {
		return errNilState
	}
	if err := c.requireRole(caller, RoleWhitelistManager); err != nil {
		return err
	}
	return c.state.SetAllowedCurrency(token, cloneBigInt(minPrincipal), allowed)
}

// SetAllowedCollateral whitelists or delists a collateral collection.
// Restricted to the whitelist-manager role.
func (c *LoanCore) SetAllowedCollateral(caller, collection [20]byte, allowed bool) error {
	if c == nil || c.state == nil {
		return errNilState
	}
	if err := c.requireRole(caller, RoleWhitelistManager); err != nil {
		return err
	}
	return c.state.SetAllowedCollateral(collection, allowed)
}

// SetAllowedVerifier whitelists or delists a predicate verifier tag.
// Restricted to the whitelist-manager role.
func (c *LoanCore) SetAllowedVerifier(caller [20]byte, tag string, allowed bool) error {
	if c == nil || c.state == nil {
		return errNilState
	}
	if err := c.requireRole(caller, RoleWhitelistManager); err != nil {
		return err
	}
	return c.state.SetAllowedVerifier(tag, allowed)
}
