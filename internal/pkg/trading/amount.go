// Package trading provides trading calculation utilities.
package trading

import "github.com/shopspring/decimal"

// TruncateQuantity truncates a quantity to the given number of decimal
// places without rounding up, so an order never exceeds the intended size.
func TruncateQuantity(qty float64, places int32) float64 {
	if qty <= 0 {
		return 0
	}
	out, _ := decimal.NewFromFloat(qty).Truncate(places).Float64()
	return out
}

// CapSellAmount limits a requested sell quantity to current holdings.
func CapSellAmount(requested, holdings float64) float64 {
	if requested <= 0 || holdings <= 0 {
		return 0
	}
	if requested > holdings {
		return holdings
	}
	return requested
}
