package program

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// LamportsPerSOL is the number of lamports in one SOL.
const LamportsPerSOL = 1_000_000_000

const curvePrecision = 18

var bpsDenominator = decimal.NewFromInt(10_000)

// Lamports converts a lamport amount to an exact decimal.
func Lamports(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

// LamportsToSOL converts lamports to SOL.
func LamportsToSOL(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), -9)
}

// CurvePrice returns the mint price in lamports at the given supply,
// basePrice * (1 + growthBps/10000)^supply.
func CurvePrice(basePrice, growthBps, supply uint64) decimal.Decimal {
	factor := decimal.NewFromInt(1).Add(Lamports(growthBps).Div(bpsDenominator))
	return Lamports(basePrice).Mul(powTruncated(factor, supply)).Round(0)
}

// powTruncated computes base^exp by squaring, truncating intermediates to curvePrecision places.
func powTruncated(base decimal.Decimal, exp uint64) decimal.Decimal {
	result := decimal.NewFromInt(1)
	for exp > 0 {
		if exp&1 == 1 {
			result = result.Mul(base).Truncate(curvePrecision)
		}
		base = base.Mul(base).Truncate(curvePrecision)
		exp >>= 1
	}
	return result
}
