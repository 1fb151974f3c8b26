package amount_test

import (
	"DonationLedger/internal/amount"
	"testing"

	"lukechampine.com/uint128"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "", want: "0"},
		{in: "0", want: "0"},
		{in: "500", want: "500"},
		{in: " 42 ", want: "42"},
		{in: "340282366920938463463374607431768211455", want: "340282366920938463463374607431768211455"},
		{in: "340282366920938463463374607431768211456", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "+1", wantErr: true},
		{in: "1.5", wantErr: true},
		{in: "abc", wantErr: true},
	}

	for _, tt := range tests {
		got, err := amount.Parse(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Parse(%q): expected error, got %s", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q): %v", tt.in, err)
			continue
		}
		if got.String() != tt.want {
			t.Errorf("Parse(%q): got %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestHuman(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{raw: "0", want: "0.00"},
		{raw: "1000000000000000000000000", want: "1.00"},
		{raw: "1500000000000000000000000", want: "1.50"},
		{raw: "1234000000000000000000000", want: "1.23"},
		{raw: "1236000000000000000000000", want: "1.24"},
		{raw: "500", want: "0.00"},
		{raw: "25000000000000000000000000", want: "25.00"},
	}

	for _, tt := range tests {
		got := amount.Human(amount.MustParse(tt.raw))
		if got != tt.want {
			t.Errorf("Human(%s): got %s, want %s", tt.raw, got, tt.want)
		}
	}
}

func TestHuman_DoesNotAlterRaw(t *testing.T) {
	raw := amount.MustParse("1234567890123456789012345")
	_ = amount.Human(raw)
	if raw.String() != "1234567890123456789012345" {
		t.Errorf("raw value changed: %s", raw)
	}
}

func TestFromHuman(t *testing.T) {
	got, err := amount.FromHuman("1.5")
	if err != nil {
		t.Fatalf("FromHuman: %v", err)
	}
	if got.String() != "1500000000000000000000000" {
		t.Errorf("got %s, want 1500000000000000000000000", got)
	}

	if _, err := amount.FromHuman("-1"); err == nil {
		t.Error("expected error for negative")
	}
	if _, err := amount.FromHuman("0.0000000000000000000000001"); err == nil {
		t.Error("expected error for sub-unit fraction")
	}
	if v, err := amount.FromHuman("0"); err != nil || !v.Equals(uint128.Zero) {
		t.Errorf("FromHuman(0): got %s, %v", v, err)
	}
}
