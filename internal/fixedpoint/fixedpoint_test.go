package fixedpoint

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseFormatRoundTrip(t *testing.T) {
	cases := []struct {
		decimal  string
		decimals int
		units    string
	}{
		{"0.00005000", 8, "5000"},
		{"1.000000", 6, "1000000"},
		{"10.000000", 6, "10000000"},
		{"0.00000000", 8, "0"},
		{"123", 0, "123"},
	}
	for _, c := range cases {
		units, err := Parse(c.decimal, c.decimals, Truncate)
		require.NoError(t, err)
		require.Equal(t, c.units, units.String())
		require.Equal(t, c.decimal, Format(units, c.decimals))
	}
}

func TestParseTruncateVsHalfUp(t *testing.T) {
	truncated, err := Parse("1.23456789", 6, Truncate)
	require.NoError(t, err)
	require.Equal(t, "1234567", truncated.String())

	roundedUp, err := Parse("1.2345675", 6, HalfUp)
	require.NoError(t, err)
	require.Equal(t, "1234568", roundedUp.String())

	roundedDown, err := Parse("1.2345674", 6, HalfUp)
	require.NoError(t, err)
	require.Equal(t, "1234567", roundedDown.String())
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse("not-a-number", 8, Truncate)
	require.ErrorIs(t, err, ErrMalformedDecimal)

	_, err = Parse("", 8, Truncate)
	require.ErrorIs(t, err, ErrMalformedDecimal)
}

func TestParseExactRejectsOverPrecision(t *testing.T) {
	_, err := ParseExact("1.2345678901", 8)
	require.ErrorIs(t, err, ErrPrecisionLoss)

	units, err := ParseExact("1.00000001", 8)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(100000001), units)
}

func TestParseNegative(t *testing.T) {
	units, err := Parse("-0.5", 6, Truncate)
	require.NoError(t, err)
	require.Equal(t, "-500000", units.String())
}
