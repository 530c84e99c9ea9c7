package session

import (
	"errors"
	"io/fs"
	"os"
	"sort"
	"time"

	"github.com/matheus3301/dmsync/internal/lock"
)

// Info describes one session directory.
type Info struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Configured bool      `json:"configured"`
	Running    bool      `json:"running"`
	PID        int       `json:"pid,omitempty"`
	Since      time.Time `json:"since,omitempty"`
	Default    bool      `json:"default"`
}

// List returns every session under the base directory, sorted by name.
// Directories with invalid names are skipped.
func List() ([]Info, error) {
	entries, err := os.ReadDir(sessionsDir())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	def := Resolve("")
	var out []Info
	for _, e := range entries {
		if !e.IsDir() || ValidateName(e.Name()) != nil {
			continue
		}
		l := For(e.Name())
		info := Info{Name: l.Name, Path: l.Root, Default: l.Name == def}
		if _, err := os.Stat(l.Config()); err == nil {
			info.Configured = true
		}
		if held, ok := lock.Holder(l.Lock()); ok {
			info.Running = true
			info.PID = held.PID
			info.Since = held.Since
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
