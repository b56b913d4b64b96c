package sha256

import (
	"strings"
	"testing"
)

func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Fatalf("Hash() = %s, want %s", got, want)
	}
	again, _ := h.Hash([]byte("hello world"))
	if again != got {
		t.Fatalf("expected deterministic digest, got %s and %s", got, again)
	}
}

func TestKeyIsPathSafe(t *testing.T) {
	t.Parallel()

	k := Key("delhi_hc:https://example.com/../../etc/passwd")
	if len(k) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(k))
	}
	if strings.ContainsAny(k, "/.:") {
		t.Fatalf("key %q contains path characters", k)
	}
	if Key("a") == Key("b") {
		t.Fatal("distinct keys collided")
	}
}
