package gateway

import (
	"path/filepath"
	"testing"
)

func TestSplitChannel(t *testing.T) {
	platform, id, err := SplitChannel("telegram:42")
	if err != nil || platform != "telegram" || id != "42" {
		t.Fatalf("SplitChannel(telegram:42) = %q, %q, %v", platform, id, err)
	}

	// The id may itself contain colons.
	_, id, err = SplitChannel("matrix:!room:example.org")
	if err != nil || id != "!room:example.org" {
		t.Fatalf("colon id = %q, %v", id, err)
	}

	for _, bad := range []string{"", "telegram", "telegram:", ":42"} {
		if _, _, err := SplitChannel(bad); err == nil {
			t.Errorf("SplitChannel(%q) did not fail", bad)
		}
	}
}

func TestIsInternalChannel(t *testing.T) {
	tests := []struct {
		channel string
		want    bool
	}{
		{"api:req-1", true},
		{"cli:local", true},
		{"heartbeat:main", true},
		{"schedule:sch_abc", true},
		{"system", true},
		{"telegram:42", false},
		{"discord:99", false},
		{"noplatform", false},
	}
	for _, tt := range tests {
		if got := IsInternalChannel(tt.channel); got != tt.want {
			t.Errorf("IsInternalChannel(%q) = %v, want %v", tt.channel, got, tt.want)
		}
	}
}

func TestIsSelfOriginated(t *testing.T) {
	tests := []struct {
		channel string
		want    bool
	}{
		{"heartbeat:main", true},
		{"schedule:sch_abc", true},
		{"system", true},
		{"api:req-1", false},
		{"cli:local", false},
		{"telegram:42", false},
	}
	for _, tt := range tests {
		if got := IsSelfOriginated(tt.channel); got != tt.want {
			t.Errorf("IsSelfOriginated(%q) = %v, want %v", tt.channel, got, tt.want)
		}
	}
}

func TestStreamCallbacksNilSafe(t *testing.T) {
	var cb *StreamCallbacks
	cb.FireToken("x")
	cb.FireToolStart("t")
	cb.FireToolEnd("t", true)
	cb.FireQueued(1)
	cb.FireError("boom")

	partial := &StreamCallbacks{}
	partial.FireToken("x")
	partial.FireToolDetail("t", nil)
}

func TestJSONRoundTrip(t *testing.T) {
	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	var missing payload
	ok, err := ReadJSON(path, &missing)
	if err != nil {
		t.Fatalf("ReadJSON on missing file: %v", err)
	}
	if ok {
		t.Fatal("missing file reported as present")
	}

	if err := AtomicWriteJSON(path, payload{Name: "gw", Count: 3}); err != nil {
		t.Fatalf("AtomicWriteJSON: %v", err)
	}

	var got payload
	ok, err = ReadJSON(path, &got)
	if err != nil || !ok {
		t.Fatalf("ReadJSON after write: ok=%v err=%v", ok, err)
	}
	if got.Name != "gw" || got.Count != 3 {
		t.Errorf("round trip = %+v", got)
	}
}
