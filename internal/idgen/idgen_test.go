package idgen

import (
	"strings"
	"testing"
)

func TestNew_Format(t *testing.T) {
	id := New()
	parts := strings.Split(id, "-")
	if len(parts) != 5 {
		t.Fatalf("Expected 5 dash-separated groups, got %q", id)
	}
	for i, want := range []int{8, 4, 4, 4, 12} {
		if len(parts[i]) != want {
			t.Errorf("Group %d: expected %d chars, got %d", i, want, len(parts[i]))
		}
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("ak_")
	if !strings.HasPrefix(id, "ak_") || len(id) != 3+24 {
		t.Errorf("Unexpected id %q", id)
	}
	if WithPrefix("ak_") == id {
		t.Error("Expected distinct ids")
	}
}

func TestHex_Length(t *testing.T) {
	if got := len(Hex(32)); got != 64 {
		t.Errorf("Expected 64 hex chars, got %d", got)
	}
}
