package math

import (
	"bytes"
	"math/big"
	"sort"
)

// ComputeFundingPayment calculates the funding payment for a position.
// Returns: payment amount (positive = trader pays, negative = trader receives)
func ComputeFundingPayment(
	fundingRate int64, // Rate scale: 100_000_000
	size int64, // Quantity scale: 1_000_000, signed (+long / -short)
	markPrice int64, // Price scale: 1_000_000
) int64 {
	// raw = fundingRate * |size| * markPrice
	temp1 := MultiplyInt128(fundingRate, Abs64(size))
	temp2 := getInt128()
	temp2.Mul(temp1, big.NewInt(markPrice))

	// Convert to quote scale:
	// intermediate scale = R_s * Q_s * P_s = 10^8 * 10^6 * 10^6 = 10^20
	// target scale = 10^6, so divide by 10^14
	denominator := int64(100_000_000_000_000)

	payment := DivideInt128(temp2, denominator, RoundHalfEven)

	putInt128(temp1)
	putInt128(temp2)

	// Long pays a positive rate, short receives it.
	return payment * Sign64(size)
}

// FundingSettlement holds the computed funding for all positions in a market.
type FundingSettlement struct {
	MarketID    string
	EpochID     int64
	FundingRate int64
	MarkPrice   int64
	Payments    []TraderPayment
	Residual    int64 // Rounding residual posted to the fee account
}

type TraderPayment struct {
	TraderID [16]byte // UUID binary
	Payment  int64    // Signed: positive = pays, negative = receives
}

// ComputeFundingSettlement calculates funding for every position in a market.
// Positions are processed in trader-ID order so replay produces identical
// journals.
func ComputeFundingSettlement(
	marketID string,
	epochID int64,
	fundingRate int64,
	markPrice int64,
	positions []PositionForFunding,
) *FundingSettlement {
	sort.Slice(positions, func(i, j int) bool {
		return bytes.Compare(positions[i].TraderID[:], positions[j].TraderID[:]) < 0
	})

	payments := make([]TraderPayment, 0, len(positions))
	var totalPaid, totalReceived int64

	for _, pos := range positions {
		if pos.Size == 0 {
			continue
		}

		payment := ComputeFundingPayment(fundingRate, pos.Size, markPrice)
		if payment == 0 {
			continue
		}

		payments = append(payments, TraderPayment{
			TraderID: pos.TraderID,
			Payment:  payment,
		})

		if payment > 0 {
			totalPaid += payment
		} else {
			totalReceived += -payment
		}
	}

	return &FundingSettlement{
		MarketID:    marketID,
		EpochID:     epochID,
		FundingRate: fundingRate,
		MarkPrice:   markPrice,
		Payments:    payments,
		Residual:    totalPaid - totalReceived,
	}
}

type PositionForFunding struct {
	TraderID [16]byte
	Size     int64 // signed
}
