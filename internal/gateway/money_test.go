package gateway

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestToMinorUnits(t *testing.T) {
	cases := map[string]int64{
		"49.99": 4999,
		"10":    1000,
		"4.995": 500,
		"0.004": 0,
		"0":     0,
	}
	for in, want := range cases {
		if got := ToMinorUnits(decimal.RequireFromString(in)); got != want {
			t.Fatalf("ToMinorUnits(%s) = %d, want %d", in, got, want)
		}
	}
}

func TestFromMinorUnitsRoundTrips(t *testing.T) {
	amount := FromMinorUnits(4999)
	if !amount.Equal(decimal.RequireFromString("49.99")) {
		t.Fatalf("expected 49.99, got %s", amount)
	}
	if ToMinorUnits(amount) != 4999 {
		t.Fatalf("round trip mismatch")
	}
}
