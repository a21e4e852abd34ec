package syncqueue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundQuantity(t *testing.T) {
	// Rounding is floor(v*1000+0.5)/1000, which is asymmetric around zero:
	// positive midpoints round up, negative midpoints round toward zero.
	cases := []struct {
		in   float64
		want float64
	}{
		{1.2345, 1.235},
		{-1.2345, -1.234},
		{0.0001, 0},
		{2.5, 2.5},
		{0.0005, 0.001},
		{-0.0005, 0},
		{10.1239, 10.124},
		{10.12349, 10.123},
	}
	for _, c := range cases {
		require.InDelta(t, c.want, RoundQuantity(c.in), 1e-9, "RoundQuantity(%v)", c.in)
	}
}

func TestRoundQuantityIdempotent(t *testing.T) {
	for _, v := range []float64{1.2345, -1.2345, 0.0001, 3.14159, 9999.9994} {
		once := RoundQuantity(v)
		require.Equal(t, once, RoundQuantity(once), "rounding %v twice", v)
	}
}

func TestClampQuantity(t *testing.T) {
	require.Equal(t, MinQuantity, ClampQuantity(0))
	require.Equal(t, MinQuantity, ClampQuantity(-5))
	require.Equal(t, MinQuantity, ClampQuantity(0.0001))
	require.Equal(t, MaxQuantity, ClampQuantity(10000))
	require.Equal(t, MaxQuantity, ClampQuantity(9999.9999))
	require.InDelta(t, 42.125, ClampQuantity(42.125), 1e-9)
}
