package state

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNormalizeJoinParent(t *testing.T) {
	tests := []struct {
		fn   string
		got  string
		want string
	}{
		{"normalize empty", Normalize(""), "/"},
		{"normalize relative", Normalize("docs//2024/"), "/docs/2024"},
		{"normalize backslash", Normalize(`docs\2024`), "/docs/2024"},
		{"normalize dotdot", Normalize("/../.."), "/"},
		{"join relative", Join("/docs", "2024"), "/docs/2024"},
		{"join from root", Join("/", "docs"), "/docs"},
		{"join absolute", Join("/docs", "/music/"), "/music"},
		{"join dotdot", Join("/docs/2024", "../2023"), "/docs/2023"},
		{"parent", Parent("/docs/2024"), "/docs"},
		{"parent of top", Parent("/docs"), "/"},
		{"parent of root", Parent("/"), "/"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.fn, tt.got, tt.want)
		}
	}
}

func TestNavigation(t *testing.T) {
	s := Default().Cd("docs").Cd("2024")
	if s.Cwd != "/docs/2024" || s.Prev != "/docs" {
		t.Fatalf("unexpected state after cd %+v", s)
	}
	s = s.Up()
	if s.Cwd != "/docs" || s.Prev != "/docs/2024" {
		t.Fatalf("unexpected state after up %+v", s)
	}
	s = s.Back()
	if s.Cwd != "/docs/2024" || s.Prev != "/docs" {
		t.Fatalf("unexpected state after back %+v", s)
	}
	if got := s.Resolve("notes.txt"); got != "/docs/2024/notes.txt" {
		t.Errorf("resolve: got %s", got)
	}
	if got := s.Resolve(""); got != "/docs/2024" {
		t.Errorf("resolve empty: got %s", got)
	}
}

func TestLoadSave(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cfg")

	s, err := Load(dir)
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if s != Default() {
		t.Fatalf("expected default state, got %+v", s)
	}

	want := State{Cwd: "/photos", Prev: "/"}
	if err := want.Save(dir); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}

	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil {
		t.Error("expected error for corrupt state file")
	}
}
