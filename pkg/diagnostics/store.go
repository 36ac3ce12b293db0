// Package diagnostics keeps the diagnostics a client has been told about,
// grouped by document and build target.
//
// A publication with reset=true replaces the whole set for its
// (document, target) pair. A publication with reset=false appends to it:
// entries are never merged, deduplicated or replaced by range.
package diagnostics

import (
	"sort"
	"sync"

	"github.com/ajitpratap0/bsp-sdk-go/pkg/protocol"
)

// Key identifies one diagnostic set
type Key struct {
	Document protocol.URI
	Target   protocol.URI
}

// KeyOf returns the key a publication applies to
func KeyOf(p protocol.PublishDiagnosticsParams) Key {
	return Key{Document: p.TextDocument.URI, Target: p.BuildTarget.URI}
}

type entry struct {
	diagnostics []protocol.Diagnostic
	originID    string
}

// Store is safe for concurrent use
type Store struct {
	mu      sync.RWMutex
	entries map[Key]*entry
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{entries: make(map[Key]*entry)}
}

// Apply folds a publication into the store and returns the resulting set
func (s *Store) Apply(p protocol.PublishDiagnosticsParams) []protocol.Diagnostic {
	key := KeyOf(p)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	if p.Reset {
		e.diagnostics = append([]protocol.Diagnostic(nil), p.Diagnostics...)
	} else {
		e.diagnostics = append(e.diagnostics, p.Diagnostics...)
	}
	e.originID = p.OriginID

	if len(e.diagnostics) == 0 {
		delete(s.entries, key)
		return nil
	}
	return append([]protocol.Diagnostic(nil), e.diagnostics...)
}

// Get returns the current set for a key
func (s *Store) Get(key Key) []protocol.Diagnostic {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	return append([]protocol.Diagnostic(nil), e.diagnostics...)
}

// OriginOf returns the originId of the last publication for a key
func (s *Store) OriginOf(key Key) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.entries[key]; ok {
		return e.originID
	}
	return ""
}

// Document returns the diagnostics of a document across all targets
func (s *Store) Document(uri protocol.URI) []protocol.Diagnostic {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []protocol.Diagnostic
	for _, key := range s.sortedKeys() {
		if key.Document == uri {
			out = append(out, s.entries[key].diagnostics...)
		}
	}
	return out
}

// Keys lists every non-empty set, ordered by document then target
func (s *Store) Keys() []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedKeys()
}

func (s *Store) sortedKeys() []Key {
	keys := make([]Key, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Document != keys[j].Document {
			return keys[i].Document < keys[j].Document
		}
		return keys[i].Target < keys[j].Target
	})
	return keys
}

// ClearTarget drops every set belonging to a target
func (s *Store) ClearTarget(target protocol.URI) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.entries {
		if k.Target == target {
			delete(s.entries, k)
		}
	}
}

// Summary counts diagnostics by severity
type Summary struct {
	Errors      int
	Warnings    int
	Information int
	Hints       int
}

// Total returns the number of diagnostics counted
func (s Summary) Total() int {
	return s.Errors + s.Warnings + s.Information + s.Hints
}

// Summarize counts diagnostics by severity. A missing severity counts as an
// error.
func Summarize(diags []protocol.Diagnostic) Summary {
	var sum Summary
	for _, d := range diags {
		switch d.Severity {
		case protocol.SeverityWarning:
			sum.Warnings++
		case protocol.SeverityInformation:
			sum.Information++
		case protocol.SeverityHint:
			sum.Hints++
		default:
			sum.Errors++
		}
	}
	return sum
}

// Target summarizes every set of a target
func (s *Store) Target(target protocol.URI) Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum Summary
	for k, e := range s.entries {
		if k.Target != target {
			continue
		}
		part := Summarize(e.diagnostics)
		sum.Errors += part.Errors
		sum.Warnings += part.Warnings
		sum.Information += part.Information
		sum.Hints += part.Hints
	}
	return sum
}
