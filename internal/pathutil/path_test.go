package pathutil

import (
	"path/filepath"
	"testing"
)

func TestExpandUserAndEnv(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("ENDPOINTD_TEST_DIR", "conf")
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"~", home},
		{"~/x.yaml", filepath.Join(home, "x.yaml")},
		{"$ENDPOINTD_TEST_DIR/a.yaml", "conf/a.yaml"},
		{"~user/a", "~user/a"},
	}
	for _, tc := range cases {
		got, err := ExpandUserAndEnv(tc.in)
		if err != nil {
			t.Fatalf("expand %q: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("expand %q: expected %q, got %q", tc.in, tc.want, got)
		}
	}
}

func TestResolveFileFallsBack(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	got, err := ResolveFile("  ", "~/.endpointd/config.yaml")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != filepath.Join(home, ".endpointd", "config.yaml") {
		t.Fatalf("unexpected path %q", got)
	}
	rel, err := ResolveFile("cfg.yaml", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !filepath.IsAbs(rel) {
		t.Fatalf("expected absolute path, got %q", rel)
	}
	empty, err := ResolveFile("", "")
	if err != nil || empty != "" {
		t.Fatalf("expected empty result, got %q (%v)", empty, err)
	}
}
