package id

import "testing"

func TestParseStringRoundTrip(t *testing.T) {
	orig, err := Generate("127.0.0.1:9797")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	parsed, err := Parse(orig.String())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed != orig {
		t.Errorf("Parse(String()) = %v, want %v", parsed, orig)
	}
}

func TestGenerateUnique(t *testing.T) {
	seen := map[Id]bool{}
	for i := 0; i < 1000; i++ {
		got, err := Generate("peer-a:1234")
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if seen[got] {
			t.Fatalf("Generate produced duplicate id %v", got)
		}
		seen[got] = true
	}
}

func TestCompareTotalOrder(t *testing.T) {
	a := Id{0, 0, 0}
	b := Id{0, 0, 1}
	if Compare(a, b) >= 0 {
		t.Errorf("Compare(a, b) = %d, want negative", Compare(a, b))
	}
	if Compare(b, a) <= 0 {
		t.Errorf("Compare(b, a) = %d, want positive", Compare(b, a))
	}
	if Compare(a, a) != 0 {
		t.Errorf("Compare(a, a) = %d, want 0", Compare(a, a))
	}
}
