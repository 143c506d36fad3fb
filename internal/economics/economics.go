// Package economics holds the fee-aware buy/sell arithmetic. Pure functions,
// no I/O; every execution path in the engine prices its legs through here.
package economics

import "fmt"

// BuyFee returns the fee charged on a quote-currency buy.
func BuyFee(quoteAmount, feeRate float64) float64 {
	return quoteAmount * feeRate
}

// CryptoBought returns the base amount received when spending quoteAmount
// at price, net of the buy fee.
func CryptoBought(quoteAmount, price, feeRate float64) float64 {
	if price <= 0 {
		return 0
	}
	return (quoteAmount - BuyFee(quoteAmount, feeRate)) / price
}

// SellProceeds prices a base-currency sell at price and returns the gross
// quote value, the fee, and the net proceeds.
func SellProceeds(cryptoAmount, price, feeRate float64) (gross, fee, net float64) {
	gross = cryptoAmount * price
	fee = gross * feeRate
	net = gross - fee
	return gross, fee, net
}

// RoundTripNet returns the quote amount left after buying quoteAmount and
// selling the whole fill at priceRatio times the buy price. A ratio r nets
// r*(1-feeRate)^2 of the original amount.
func RoundTripNet(quoteAmount, priceRatio, feeRate float64) float64 {
	keep := 1 - feeRate
	return quoteAmount * priceRatio * keep * keep
}

// MeetsMinimum reports whether a planned leg's quote value clears the
// venue's minimum tradable amount.
func MeetsMinimum(quoteValue, minTradeAmount float64) bool {
	return quoteValue >= minTradeAmount
}

// ValidateMinProfitMultiplier rejects a multiplier that could realize a loss
// after a symmetric round-trip fee: multiplier*(1-feeRate)^2 must exceed 1.
func ValidateMinProfitMultiplier(multiplier, feeRate float64) error {
	keep := 1 - feeRate
	if multiplier*keep*keep <= 1 {
		return fmt.Errorf("min profit multiplier %.5f does not cover round-trip fee rate %.4f (need > %.5f)",
			multiplier, feeRate, 1/(keep*keep))
	}
	return nil
}
