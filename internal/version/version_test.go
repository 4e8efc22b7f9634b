package version

import (
	"strings"
	"testing"
)

func TestCurrentNeverEmpty(t *testing.T) {
	t.Parallel()
	v := Current()
	if strings.TrimSpace(v) == "" {
		t.Fatal("Current returned an empty version")
	}
	if !strings.HasPrefix(v, "v") {
		t.Fatalf("Current() = %q, want a v-prefixed version", v)
	}
}

func TestModuleNeverEmpty(t *testing.T) {
	t.Parallel()
	if strings.TrimSpace(Module()) == "" {
		t.Fatal("Module returned an empty path")
	}
}

func TestPseudoVersion(t *testing.T) {
	t.Parallel()
	got := pseudoVersion(nil)
	if got != "" {
		t.Fatalf("pseudoVersion(nil) = %q, want empty", got)
	}
}
