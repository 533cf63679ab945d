package token

import (
	"math/big"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		sym   Symbol
		input string
		want  string
		ok    bool
	}{
		{USDC, "1.50", "1500000", true},
		{USDT, "0.000001", "1", true},
		{USDT, "1000", "1000000000", true},
		{BTC, "0.015", "1500000", true},
		{BTC, "1", "100000000", true},
		{ETH, "1.5", "1500000000000000000", true},
		{USDC, "", "0", true},
		{USDC, "-1", "", false},
		{USDC, "1.2.3", "", false},
		{USDC, "abc", "", false},
		{Symbol("DOGE"), "1", "", false},
	}

	for _, tt := range tests {
		got, ok := Parse(tt.sym, tt.input)
		if ok != tt.ok {
			t.Errorf("Parse(%s, %q) ok = %v, want %v", tt.sym, tt.input, ok, tt.ok)
			continue
		}
		if ok && got.String() != tt.want {
			t.Errorf("Parse(%s, %q) = %s, want %s", tt.sym, tt.input, got.String(), tt.want)
		}
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		sym   Symbol
		input *big.Int
		want  string
	}{
		{USDC, big.NewInt(1500000), "1.500000"},
		{BTC, big.NewInt(1500000), "0.01500000"},
		{USDT, big.NewInt(1), "0.000001"},
		{USDC, nil, "0.000000"},
		{USDT, big.NewInt(-2500000), "-2.500000"},
	}

	for _, tt := range tests {
		if got := Format(tt.sym, tt.input); got != tt.want {
			t.Errorf("Format(%s, %v) = %q, want %q", tt.sym, tt.input, got, tt.want)
		}
	}
}

func TestParseFormatTruncation(t *testing.T) {
	// Excess precision is truncated, not rounded.
	got, ok := Parse(USDC, "1.9999999")
	if !ok {
		t.Fatal("Parse rejected valid input")
	}
	if got.String() != "1999999" {
		t.Errorf("expected truncation to 1999999, got %s", got.String())
	}
}

func TestIsSupported(t *testing.T) {
	for _, s := range []string{"BTC", "ETH", "USDT", "USDC", "btc", "usdc"} {
		if !IsSupported(s) {
			t.Errorf("IsSupported(%q) = false, want true", s)
		}
	}
	if IsSupported("DOGE") {
		t.Error("IsSupported(DOGE) = true, want false")
	}
}
