package gateway

import (
	"testing"
)

func TestPasscodeGeneratorFormat(t *testing.T) {
	seq := []int{0, 7, 23}
	i := 0
	gen := NewPasscodeGenerator(func(n int) int {
		v := seq[i%len(seq)] % n
		i++
		return v
	})
	if got := gen.Next(); got != "SUN-WIND-123" {
		t.Fatalf("unexpected passcode: %s", got)
	}

	random := NewPasscodeGenerator(nil)
	for range 200 {
		code := random.Next()
		if normalized, ok := NormalizePasscode(code); !ok || normalized != code {
			t.Fatalf("generated passcode %q does not normalize to itself", code)
		}
	}
}

func TestNormalizePasscode(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{in: "sun-moon-482", want: "SUN-MOON-482", ok: true},
		{in: "  River-Mango-100 ", want: "RIVER-MANGO-100", ok: true},
		{in: "SUN-MOON-099", ok: false},
		{in: "SUN-MOON-1000", ok: false},
		{in: "SUN-TREE-123", ok: false},
		{in: "SUNMOON123", ok: false},
		{in: "", ok: false},
	}
	for _, tt := range tests {
		got, ok := NormalizePasscode(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Fatalf("NormalizePasscode(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
