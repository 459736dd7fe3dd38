package money_test

import (
	"testing"

	"github.com/somatechlat/yachaq-coordinator/pkg/money"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromStringRoundTrip(t *testing.T) {
	cases := []string{"0.00", "1.00", "100.00", "0.01", "-5.25", "1234567.89"}
	for _, c := range cases {
		a, err := money.FromString(c)
		require.NoError(t, err, c)
		assert.Equal(t, c, a.String())
	}
}

func TestFromStringTooManyDecimals(t *testing.T) {
	_, err := money.FromString("1.005")
	assert.Error(t, err)
}

func TestMulIntDerivesBudget(t *testing.T) {
	unitPrice, err := money.FromString("1.50")
	require.NoError(t, err)
	budget := unitPrice.MulInt(10)
	assert.Equal(t, "15.00", budget.String())
}

func TestAddSub(t *testing.T) {
	a, _ := money.FromString("70.00")
	b, _ := money.FromString("30.00")
	total, _ := money.FromString("100.00")
	assert.True(t, a.Add(b).Equal(total))
	assert.True(t, total.Sub(a).Equal(b))
}

func TestConservationInequality(t *testing.T) {
	amount, _ := money.FromString("100.00")
	released, _ := money.FromString("70.00")
	refunded, _ := money.FromString("30.00")
	assert.True(t, released.Add(refunded).LessThanOrEqual(amount))
}
