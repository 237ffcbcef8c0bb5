package service

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/HenriqueMts/vestra-erp-sub000/internal/domain"
	"github.com/HenriqueMts/vestra-erp-sub000/internal/store"
)

var (
	basisPointsPerUnit = decimal.NewFromInt(10000)
	maxCents           = decimal.NewFromInt(math.MaxInt64)
)

type saleTotals struct {
	Lines     []int64
	Subtotal  int64
	Interest  int64
	Surcharge int64
	Total     int64
}

// computeTotals sums the cart in decimal and rejects any amount that does
// not fit in int64 cents.
func computeTotals(items []domain.SaleItemRequest, interestRateBps int64, surchargeCents int64) (saleTotals, error) {
	lines := make([]int64, 0, len(items))
	subtotal := decimal.Zero
	for _, item := range items {
		line, err := lineTotal(item.Quantity, item.UnitPriceCents)
		if err != nil {
			return saleTotals{}, err
		}
		lines = append(lines, line)
		subtotal = subtotal.Add(decimal.NewFromInt(line))
	}
	if subtotal.GreaterThan(maxCents) {
		return saleTotals{}, errAmountTooLarge()
	}
	interest := interestCents(subtotal.IntPart(), interestRateBps)
	total := subtotal.Add(decimal.NewFromInt(interest)).Add(decimal.NewFromInt(surchargeCents))
	if total.GreaterThan(maxCents) {
		return saleTotals{}, errAmountTooLarge()
	}
	return saleTotals{
		Lines:     lines,
		Subtotal:  subtotal.IntPart(),
		Interest:  interest,
		Surcharge: surchargeCents,
		Total:     total.IntPart(),
	}, nil
}

func lineTotal(quantity int, unitPriceCents int64) (int64, error) {
	line := decimal.NewFromInt(int64(quantity)).Mul(decimal.NewFromInt(unitPriceCents))
	if line.GreaterThan(maxCents) {
		return 0, errAmountTooLarge()
	}
	return line.IntPart(), nil
}

func errAmountTooLarge() error {
	return store.Errorf(store.ErrValidation, "Valor da venda excede o limite")
}

// interestCents rounds half up; operands are never negative here.
func interestCents(subtotalCents int64, rateBps int64) int64 {
	if subtotalCents == 0 || rateBps == 0 {
		return 0
	}
	return decimal.NewFromInt(subtotalCents).
		Mul(decimal.NewFromInt(rateBps)).
		Div(basisPointsPerUnit).
		Round(0).
		IntPart()
}

// FormatBRL renders cents as "R$ 1.234,56".
func FormatBRL(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	fixed := decimal.New(cents, -2).StringFixed(2)
	whole, frac, _ := strings.Cut(fixed, ".")

	var grouped strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			grouped.WriteByte('.')
		}
		grouped.WriteRune(r)
	}
	return sign + "R$ " + grouped.String() + "," + frac
}

func PaymentLabel(method string) string {
	switch method {
	case domain.PaymentPix:
		return "PIX"
	case domain.PaymentCredit:
		return "Cartão de crédito"
	case domain.PaymentDebit:
		return "Cartão de débito"
	case domain.PaymentCash:
		return "Dinheiro"
	default:
		return method
	}
}
