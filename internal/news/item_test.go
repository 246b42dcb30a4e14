package news

import "testing"

func TestNewFingerprintDeterministic(t *testing.T) {
	a := NewFingerprint("Fed Holds Rates Steady", "https://example.com/fed", "alphavantage")
	b := NewFingerprint("Fed Holds Rates Steady", "https://example.com/fed", "alphavantage")
	if a != b {
		t.Fatalf("fingerprint not deterministic: %q vs %q", a, b)
	}
	if len(a) != 40 { // sha1 十六进制
		t.Fatalf("fingerprint length = %d, want 40: %q", len(a), a)
	}
}

func TestNewFingerprintFoldsTitle(t *testing.T) {
	// 大小写与空白排版差异不应产生新指纹
	base := NewFingerprint("Fed Holds Rates Steady", "https://example.com/fed", "s1")
	cases := []string{
		"fed holds rates steady",
		"FED HOLDS RATES STEADY",
		"  Fed   Holds\tRates \n Steady ",
	}
	for _, title := range cases {
		if got := NewFingerprint(title, "https://example.com/fed", "s1"); got != base {
			t.Fatalf("fingerprint for %q should match folded base", title)
		}
	}
}

func TestNewFingerprintDistinguishesFields(t *testing.T) {
	base := NewFingerprint("title", "https://example.com/a", "s1")

	if got := NewFingerprint("other title", "https://example.com/a", "s1"); got == base {
		t.Fatalf("different titles should not collide")
	}
	if got := NewFingerprint("title", "https://example.com/b", "s1"); got == base {
		t.Fatalf("different links should not collide")
	}
	if got := NewFingerprint("title", "https://example.com/a", "s2"); got == base {
		t.Fatalf("different sources should not collide")
	}
}

func TestNewFingerprintSeparatorNotAmbiguous(t *testing.T) {
	// 字段边界依赖分隔符，拼接歧义不能产生同一指纹
	a := NewFingerprint("ab", "c", "s")
	b := NewFingerprint("a", "bc", "s")
	if a == b {
		t.Fatalf("field concatenation should not be ambiguous")
	}
}
