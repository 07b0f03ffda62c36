package service

import (
	"strings"

	"affiliateledger/internal/config"
	"affiliateledger/internal/model"

	"github.com/shopspring/decimal"
)

// Round applies round-half-away-from-zero at the given precision.
// It is a pure function of its inputs, so re-running a calculation on the
// same (basis, rate, places) always yields the same amount.
func Round(amount decimal.Decimal, places int32) decimal.Decimal {
	return amount.Round(places)
}

// Commission computes round(basis * rate, places).
func Commission(basis, rate decimal.Decimal, places int32) decimal.Decimal {
	return Round(basis.Mul(rate), places)
}

func normalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

// currencyPlaces returns the minor-unit precision of a configured currency.
func currencyPlaces(cfg *config.Config, currency string) (int32, bool) {
	places, ok := cfg.Business.Currencies[normalizeCurrency(currency)]
	return places, ok
}

// payoutMethod is a parsed business.payout_methods entry.
type payoutMethod struct {
	Name      string
	FeeType   string
	FeeValue  decimal.Decimal
	MinAmount decimal.Decimal
	MaxAmount decimal.Decimal
}

// Fee resolves the method fee for amount. Percent fees are fractions of the
// amount, rounded at the currency precision.
func (m payoutMethod) Fee(amount decimal.Decimal, places int32) decimal.Decimal {
	if m.FeeType == model.FeeTypePercent {
		return Commission(amount, m.FeeValue, places)
	}
	return m.FeeValue
}

func parseDecimalOrZero(s string) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(strings.TrimSpace(s))
}

func loadPayoutMethods(cfg *config.Config) (map[string]payoutMethod, error) {
	methods := make(map[string]payoutMethod, len(cfg.Business.PayoutMethods))
	for name, mc := range cfg.Business.PayoutMethods {
		m := payoutMethod{Name: name, FeeType: strings.ToLower(mc.FeeType)}
		if m.FeeType == "" {
			m.FeeType = model.FeeTypeFixed
		}
		if m.FeeType != model.FeeTypeFixed && m.FeeType != model.FeeTypePercent {
			return nil, invalidArgument("payout method %s: fee_type %q", name, mc.FeeType)
		}

		var err error
		if m.FeeValue, err = parseDecimalOrZero(mc.FeeValue); err != nil {
			return nil, invalidArgument("payout method %s: fee_value: %v", name, err)
		}
		if m.MinAmount, err = parseDecimalOrZero(mc.MinAmount); err != nil {
			return nil, invalidArgument("payout method %s: min_amount: %v", name, err)
		}
		if m.MaxAmount, err = parseDecimalOrZero(mc.MaxAmount); err != nil {
			return nil, invalidArgument("payout method %s: max_amount: %v", name, err)
		}
		if m.FeeValue.IsNegative() || m.MinAmount.IsNegative() || m.MaxAmount.IsNegative() {
			return nil, invalidArgument("payout method %s: negative amounts", name)
		}
		methods[name] = m
	}
	return methods, nil
}
