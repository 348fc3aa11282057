package fingerprint

import "testing"

func TestRenewalDeterministic(t *testing.T) {
	a := Renewal("sub-123", "2025-03")
	b := Renewal("sub-123", "2025-03")
	if a != b {
		t.Fatalf("same inputs produced different fingerprints: %s vs %s", a, b)
	}
}

func TestRenewalDistinguishesInputs(t *testing.T) {
	seen := map[string]string{}
	cases := []struct{ sub, period string }{
		{"sub-123", "2025-03"},
		{"sub-123", "2025-04"},
		{"sub-124", "2025-03"},
		{"sub-12", "32025-03"}, // boundary shift must not collide
	}
	for _, c := range cases {
		fp := Renewal(c.sub, c.period)
		if prev, ok := seen[fp]; ok {
			t.Fatalf("collision: %s/%s and %s", c.sub, c.period, prev)
		}
		seen[fp] = c.sub + "/" + c.period
	}
}
