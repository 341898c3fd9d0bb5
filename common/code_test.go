package common

import (
	"strings"
	"testing"
)

func TestGenerateCode(t *testing.T) {
	for i := 0; i < 100; i++ {
		code := GenerateCode(6)
		if len(code) != 6 {
			t.Fatalf("len(%q) = %v, wants 6", code, len(code))
		}
		for j := 0; j < len(code); j++ {
			if !strings.ContainsRune(CodeAlphabet, rune(code[j])) {
				t.Fatalf("code %q contains %q not in alphabet", code, code[j])
			}
		}
	}
}

func TestNormalizeCode(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"abc123", "ABC123"},
		{" XY0912 \n", "XY0912"},
		{"OILSZ", "01152"},
		{"", ""},
		{"  ", ""},
	}
	for _, test := range tests {
		if got := NormalizeCode(test.input); got != test.want {
			t.Fatalf("NormalizeCode(%q) = %q, wants %q", test.input, got, test.want)
		}
	}
}

func TestValidCode(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{"ABC123", true},
		{"WWWWWW", true},
		{"", false},
		{"AB C12", false},
		{"abc123", false},
		{"ABC12!", false},
	}
	for _, test := range tests {
		if got := ValidCode(test.code); got != test.want {
			t.Fatalf("ValidCode(%q) = %v, wants %v", test.code, got, test.want)
		}
	}
}

func TestNormalizedCodesRoundTrip(t *testing.T) {
	// 生成したコードはNormalizeCodeで変化しない
	for i := 0; i < 100; i++ {
		code := GenerateCode(6)
		if got := NormalizeCode(code); got != code {
			t.Fatalf("NormalizeCode(%q) = %q, must be unchanged", code, got)
		}
	}
}
