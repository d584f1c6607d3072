package main

import (
	"flag"
	"strings"
	"testing"

	"github.com/hmaj79-hank/hank-sync/pkg/protocol"
)

func TestParseArgsInterspersed(t *testing.T) {
	fs := flag.NewFlagSet("put", flag.ContinueOnError)
	dest := fs.String("dest", "", "")
	verbose := fs.Bool("v", false, "")

	pos := parseArgs(fs, []string{"photos", "-dest", "backup", "-v"})
	if len(pos) != 1 || pos[0] != "photos" {
		t.Errorf("unexpected positionals %v", pos)
	}
	if *dest != "backup" || !*verbose {
		t.Errorf("flags after positional not parsed: dest=%q v=%v", *dest, *verbose)
	}
}

func TestHumanSize(t *testing.T) {
	tests := map[uint64]string{
		0:       "0 B",
		1023:    "1023 B",
		1024:    "1.0 KiB",
		1536:    "1.5 KiB",
		5 << 20: "5.0 MiB",
		3 << 30: "3.0 GiB",
	}
	for n, want := range tests {
		if got := humanSize(n); got != want {
			t.Errorf("humanSize(%d) = %q, want %q", n, got, want)
		}
	}
}

func TestFormatEntry(t *testing.T) {
	mod := uint64(0)
	dir := formatEntry(protocol.FileEntry{Name: "docs", IsDir: true}, false)
	if dir != "  docs/" {
		t.Errorf("unexpected dir line %q", dir)
	}
	file := formatEntry(protocol.FileEntry{Name: "notes.txt", Size: 12}, false)
	if file != "  notes.txt (12 B)" {
		t.Errorf("unexpected file line %q", file)
	}
	long := formatEntry(protocol.FileEntry{Name: "notes.txt", Size: 12, Modified: &mod}, true)
	if !strings.HasSuffix(long, "notes.txt") || !strings.Contains(long, "12 B") {
		t.Errorf("unexpected long line %q", long)
	}
}
