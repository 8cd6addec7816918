package paths

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExpandTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"/etc/fallgate.json", "/etc/fallgate.json"},
		{"~", home},
		{"~/quota.db", filepath.Join(home, "quota.db")},
		{"~bob/quota.db", "~bob/quota.db"},
	}
	for _, tt := range tests {
		got, err := ExpandTilde(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ExpandTilde(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestHomeOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(HomeEnv, dir)

	got, err := QuotaDBPath()
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(dir, "quota.db"); got != want {
		t.Errorf("QuotaDBPath() = %q, want %q", got, want)
	}
}

func TestConfigPathPrefersWorkingDir(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())
	t.Chdir(t.TempDir())

	if got, err := ConfigPath(); err != nil || got != "" {
		t.Fatalf("empty dirs: got %q, %v", got, err)
	}
	if err := os.WriteFile("fallgate.yaml", []byte("{}"), 0600); err != nil {
		t.Fatal(err)
	}
	got, err := ConfigPath()
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(got) != "fallgate.yaml" || !filepath.IsAbs(got) {
		t.Errorf("ConfigPath() = %q", got)
	}
}
