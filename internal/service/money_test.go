package service

import (
	"testing"

	"affiliateledger/internal/config"
	"affiliateledger/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommission_RoundsHalfAwayFromZero(t *testing.T) {
	cases := []struct {
		basis, rate string
		places      int32
		want        string
	}{
		{"1000", "0.015", 2, "15"},
		{"0.5", "0.01", 2, "0.01"},   // 0.005 -> 0.01
		{"0.25", "0.01", 2, "0"},     // 0.0025 -> 0.00
		{"-0.5", "0.01", 2, "-0.01"}, // away from zero
		{"123.456789", "0.05", 6, "6.172839"},
		{"1", "0.00000001", 8, "0.00000001"},
	}
	for _, tc := range cases {
		got := Commission(testutil.Dec(t, tc.basis), testutil.Dec(t, tc.rate), tc.places)
		testutil.RequireDecimal(t, tc.want, got, tc.basis, tc.rate)
	}
}

func TestCommission_IsReproducible(t *testing.T) {
	basis := testutil.Dec(t, "987.65")
	rate := testutil.Dec(t, "0.0375")
	first := Commission(basis, rate, 2)
	for i := 0; i < 100; i++ {
		assert.True(t, first.Equal(Commission(basis, rate, 2)))
	}
}

func TestLoadPayoutMethods(t *testing.T) {
	cfg := &config.Config{}
	cfg.Business.PayoutMethods = map[string]config.PayoutMethodConfig{
		"pix":    {FeeType: "fixed", FeeValue: "8.50", MinAmount: "20", MaxAmount: "50000"},
		"crypto": {FeeType: "percent", FeeValue: "0.01"},
	}
	methods, err := loadPayoutMethods(cfg)
	require.NoError(t, err)

	testutil.RequireDecimal(t, "8.5", methods["pix"].Fee(testutil.Dec(t, "60"), 2))
	testutil.RequireDecimal(t, "1.23", methods["crypto"].Fee(testutil.Dec(t, "123.45"), 2))

	cfg.Business.PayoutMethods["bad"] = config.PayoutMethodConfig{FeeType: "tiered"}
	_, err = loadPayoutMethods(cfg)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
