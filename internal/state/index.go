package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aristath/nixtask/internal/scheduler"
)

// Index is a snapshot of persisted records, found by ID prefix. It is built once per
// lazy-context build so every lookup within that build sees the same directory state.
type Index struct {
	outputs   []record
	artifacts []record
}

// record is one "{name}-{idPrefix}" entry of the output or artifacts directory.
type record struct {
	base    string // entry name without .json
	path    string
	modTime time.Time
}

// NewIndex scans the output and artifacts directories of layout. Missing directories
// produce an empty index.
func NewIndex(layout Layout) (*Index, error) {
	idx := &Index{}
	var err error
	if idx.outputs, err = scan(layout.OutputDir(), false); err != nil {
		return nil, err
	}
	if idx.artifacts, err = scan(layout.ArtifactsDir(), true); err != nil {
		return nil, err
	}
	return idx, nil
}

func scan(dir string, wantDirs bool) ([]record, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning %s: %w", dir, err)
	}
	var records []record
	for _, e := range entries {
		if e.IsDir() != wantDirs {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed since ReadDir
			continue
		}
		base := e.Name()
		if !wantDirs {
			base = strings.TrimSuffix(base, ".json")
		}
		records = append(records, record{
			base:    base,
			path:    filepath.Join(dir, e.Name()),
			modTime: info.ModTime(),
		})
	}
	return records, nil
}

// find picks the record belonging to task. An entry under the task's current name wins;
// among entries left over from earlier names the newest is taken.
func find(records []record, task *scheduler.Task) (string, bool) {
	var best *record
	for i := range records {
		r := &records[i]
		if !hasIDPrefix(r.base, task.IDPrefix()) {
			continue
		}
		if r.base == task.DirName() {
			return r.path, true
		}
		if best == nil || r.modTime.After(best.modTime) {
			best = r
		}
	}
	if best == nil {
		return "", false
	}
	return best.path, true
}

// Output returns the persisted output of task.
func (i *Index) Output(task *scheduler.Task) (json.RawMessage, bool, error) {
	path, ok := find(i.outputs, task)
	if !ok {
		return nil, false, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("reading output %s: %w", path, err)
	}
	if !json.Valid(data) {
		return nil, false, fmt.Errorf("output %s is not valid JSON", path)
	}
	return json.RawMessage(data), true, nil
}

// Artifacts returns artifact name -> absolute path for task. Only the names passed in are
// reported; an empty names slice reports every entry present.
func (i *Index) Artifacts(task *scheduler.Task, names ...string) (map[string]string, bool, error) {
	dir, ok := find(i.artifacts, task)
	if !ok {
		return nil, false, nil
	}

	result := make(map[string]string)
	if len(names) > 0 {
		for _, name := range names {
			result[name] = filepath.Join(dir, name)
		}
		return result, true, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, false, fmt.Errorf("listing artifacts %s: %w", dir, err)
	}
	for _, e := range entries {
		result[e.Name()] = filepath.Join(dir, e.Name())
	}
	return result, true, nil
}
