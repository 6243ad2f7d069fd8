package qr

import (
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		declared  string
		processor Processor
		kind      Kind
		ok        bool
	}{
		{"LUNA_STATIC", ProcessorLuna, KindStatic, true},
		{"LUNA_DYNAMIC", ProcessorLuna, KindDynamic, true},
		{"ORBIT_STATIC", ProcessorOrbit, KindStatic, true},
		{"ORBIT_DYNAMIC", ProcessorOrbit, KindDynamic, true},
		{"EMV_UNKNOWN", "", "", false},
		{"", "", "", false},
		{"luna_static", "", "", false},
	}

	for _, tc := range cases {
		c, ok := Classify(tc.declared)
		if ok != tc.ok {
			t.Fatalf("Classify(%q): ok = %v, want %v", tc.declared, ok, tc.ok)
		}
		if !ok {
			continue
		}
		if c.Processor != tc.processor || c.Kind != tc.kind {
			t.Fatalf("Classify(%q) = %v/%v, want %v/%v", tc.declared, c.Processor, c.Kind, tc.processor, tc.kind)
		}
	}
}

func TestDedupKeyDistinguishesScans(t *testing.T) {
	now := time.Now()
	a := Descriptor{RawCode: "00020101021229", DeclaredType: "LUNA_STATIC", ScannedAt: now}
	b := Descriptor{RawCode: "00020101021229", DeclaredType: "LUNA_STATIC", ScannedAt: now.Add(time.Second)}

	if a.DedupKey() == b.DedupKey() {
		t.Fatal("expected distinct dedup keys for distinct scan times")
	}
	if a.DedupKey() != a.DedupKey() {
		t.Fatal("dedup key must be stable")
	}
}
