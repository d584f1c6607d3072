// Package state keeps the client's remote working directory between
// invocations so list, up and down behave like a shell session.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// FileName is the state file inside the config directory.
const FileName = "state.json"

// State is the current and previous remote directory.
type State struct {
	Cwd  string `json:"cwd"`
	Prev string `json:"prev"`
}

// Default starts at the server root.
func Default() State {
	return State{Cwd: "/", Prev: "/"}
}

// Load reads the state from dir. A missing file yields Default.
func Load(dir string) (State, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return State{}, err
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("parse %s: %w", FileName, err)
	}
	s.Cwd = Normalize(s.Cwd)
	s.Prev = Normalize(s.Prev)
	return s, nil
}

// Save writes the state into dir, creating it if needed.
func (s State) Save(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, FileName), data, 0644)
}

// Cd moves to dir (relative to Cwd unless absolute) and remembers the
// old directory in Prev.
func (s State) Cd(dir string) State {
	return State{Cwd: Join(s.Cwd, dir), Prev: s.Cwd}
}

// Back swaps Cwd and Prev.
func (s State) Back() State {
	return State{Cwd: s.Prev, Prev: s.Cwd}
}

// Up moves to the parent of Cwd.
func (s State) Up() State {
	return State{Cwd: Parent(s.Cwd), Prev: s.Cwd}
}

// Resolve maps a user supplied remote path against Cwd.
func (s State) Resolve(p string) string {
	if p == "" {
		return s.Cwd
	}
	return Join(s.Cwd, p)
}

// Normalize returns p as a clean absolute remote path.
func Normalize(p string) string {
	return path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
}

// Join resolves dir against cwd.
func Join(cwd, dir string) string {
	if strings.HasPrefix(dir, "/") {
		return Normalize(dir)
	}
	return Normalize(cwd + "/" + dir)
}

// Parent returns the parent directory; the root is its own parent.
func Parent(p string) string {
	return path.Dir(Normalize(p))
}
