package device

import "testing"

func TestCanonicalTag(t *testing.T) {
	cases := map[string]string{
		"  Production  ": "production",
		"Env=STAGING":    "env=staging",
		"already-lower":  "already-lower",
	}
	for in, want := range cases {
		if got := CanonicalTag(in); got != want {
			t.Errorf("CanonicalTag(%q) = %q, want %q", in, got, want)
		}
	}
}
