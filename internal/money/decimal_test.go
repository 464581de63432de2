package money

import "testing"

func TestBPSFlooring(t *testing.T) {
	cases := []struct {
		amount   string
		bps      int64
		decimals int32
		want     string
	}{
		{"1.0", 30, 8, "0.003"},
		{"100", 30, 8, "0.3"},
		{"100.3", 30, 8, "0.3009"},
		{"0.00000001", 30, 8, "0"},
	}
	for _, c := range cases {
		amt := MustParse(c.amount)
		got := amt.BPS(c.bps, c.decimals)
		if got.String() != c.want {
			t.Errorf("BPS(%s, %d bps, %d dec) = %s, want %s", c.amount, c.bps, c.decimals, got.String(), c.want)
		}
	}
}

func TestCommissionNeverExceedsDeposit(t *testing.T) {
	trade := MustParse("100")
	commission := trade.BPS(30, 8)
	deposit := MustParse("100.3")
	surplus := deposit.Sub(trade).Sub(commission)
	if surplus.IsNegative() {
		t.Fatalf("surplus went negative: %s", surplus.String())
	}
}

func TestParseRejectsEmpty(t *testing.T) {
	if _, err := Parse(""); err == nil {
		t.Fatal("expected error for empty string")
	}
}

func TestFloorToDecimalsTruncatesNotRounds(t *testing.T) {
	d := MustParse("1.99999999")
	got := d.FloorToDecimals(4)
	if got.String() != "1.9999" {
		t.Errorf("got %s, want 1.9999", got.String())
	}
}

func TestSum(t *testing.T) {
	total := Sum([]Decimal{MustParse("1.5"), MustParse("2.5"), MustParse("0.0001")})
	if total.String() != "4.0001" {
		t.Errorf("got %s", total.String())
	}
}

func TestBaseUnitsRoundTrip(t *testing.T) {
	d := MustParse("1.5")
	wei := d.ToBaseUnits(18)
	if wei.String() != "1500000000000000000" {
		t.Fatalf("ToBaseUnits(18) = %s", wei.String())
	}
	back := FromBaseUnits(wei, 18)
	if back.String() != "1.5" {
		t.Errorf("FromBaseUnits round trip = %s, want 1.5", back.String())
	}
}

func TestToBaseUnitsTruncatesExtraPrecision(t *testing.T) {
	d := MustParse("0.0000000000000000019") // sub-wei dust at 18 decimals
	wei := d.ToBaseUnits(18)
	if wei.String() != "1" {
		t.Errorf("ToBaseUnits(18) = %s, want 1", wei.String())
	}
}
