package idgen

import (
	"strings"
	"testing"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("pay_")
	if !strings.HasPrefix(id, "pay_") {
		t.Fatalf("expected pay_ prefix, got %s", id)
	}
	if len(id) != len("pay_")+32 {
		t.Errorf("expected 36 chars, got %d (%s)", len(id), id)
	}
	if WithPrefix("pay_") == id {
		t.Error("expected unique IDs")
	}
}

func TestNew(t *testing.T) {
	if len(New()) != 36 {
		t.Error("expected canonical UUID length")
	}
}
