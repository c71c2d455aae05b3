package diffengine

import (
	"os"
	"sort"
	"sync"

	"github.com/coderloop/engine/internal/chunk"
)

// entry tracks one file's before/after content across a turn.
type entry struct {
	before     string
	beforeSeen bool
	after      string
	afterSeen  bool
}

// SessionDiff accumulates per-file before/after content across the tool
// calls of a single turn (SPEC_FULL.md §3, §4.7). Before is captured lazily
// on the first file-mutating tool call for a path; After is refreshed on
// every successful mutation. Callers read the file content themselves and
// report it via Touch/Commit — SessionDiff holds no file handles.
type SessionDiff struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewSessionDiff returns an empty SessionDiff for one turn.
func NewSessionDiff() *SessionDiff {
	return &SessionDiff{entries: make(map[string]*entry)}
}

// Touch records the "before" snapshot of path the first time it is touched
// in this turn. Subsequent calls for the same path are no-ops for before.
// before should be the file content prior to the mutating call, or "" if the
// file did not exist (new-file case).
func (s *SessionDiff) Touch(path, before string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[path]
	if !ok {
		e = &entry{}
		s.entries[path] = e
	}
	if !e.beforeSeen {
		e.before = before
		e.beforeSeen = true
	}
}

// Commit records the "after" snapshot of path following a successful
// mutation. after == "" (with the file absent) represents a deletion.
func (s *SessionDiff) Commit(path, after string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[path]
	if !ok {
		e = &entry{}
		s.entries[path] = e
	}
	e.after = after
	e.afterSeen = true
}

// TouchFromDisk is a convenience wrapper around Touch that reads path's
// current content from disk (treating a missing file as the empty string —
// the new-file case).
func (s *SessionDiff) TouchFromDisk(resolvedPath, relPath string) {
	data, err := os.ReadFile(resolvedPath)
	if err != nil {
		s.Touch(relPath, "")
		return
	}
	s.Touch(relPath, string(data))
}

// Diffs renders every touched path's unified diff, skipping paths that were
// never committed (no successful mutation) and paths where before == after.
// Results are sorted by path for deterministic output.
func (s *SessionDiff) Diffs() []chunk.FileDiff {
	s.mu.Lock()
	defer s.mu.Unlock()

	paths := make([]string, 0, len(s.entries))
	for p := range s.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	out := make([]chunk.FileDiff, 0, len(paths))
	for _, p := range paths {
		e := s.entries[p]
		if !e.afterSeen {
			continue
		}
		d := GenerateUnifiedDiff(p, e.before, e.after)
		if d == "" {
			continue
		}
		out = append(out, chunk.FileDiff{Path: p, Diff: d})
	}
	return out
}

// Empty reports whether no path has a non-empty diff to emit.
func (s *SessionDiff) Empty() bool {
	return len(s.Diffs()) == 0
}
