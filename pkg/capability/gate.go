package capability

import (
	"encoding/json"
	"sync"

	bsperrors "github.com/ajitpratap0/bsp-sdk-go/pkg/errors"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/protocol"
)

// TargetResolver looks up a build target by identifier
type TargetResolver interface {
	Target(id protocol.BuildTargetIdentifier) (protocol.BuildTarget, bool)
}

// Gate checks requests against a fixed set of advertised capabilities. The
// capabilities never change after the handshake; the target resolver may.
type Gate struct {
	caps     protocol.BuildServerCapabilities
	resolver TargetResolver
}

// NewGate creates a gate. A nil resolver disables language checks.
func NewGate(caps protocol.BuildServerCapabilities, resolver TargetResolver) *Gate {
	return &Gate{caps: caps, resolver: resolver}
}

// Capabilities returns the capabilities the gate enforces
func (g *Gate) Capabilities() protocol.BuildServerCapabilities {
	return g.caps
}

// Supports reports whether method's capability was advertised at all
func (g *Gate) Supports(method string) bool {
	rule, ok := Lookup(method)
	if !ok {
		return true
	}
	return rule.Present(&g.caps)
}

// Check decides whether a request may be sent or served. params are the raw
// request parameters and are only decoded for language-scoped methods.
func (g *Gate) Check(method string, params json.RawMessage) error {
	rule, ok := Lookup(method)
	if !ok {
		return nil
	}
	if !rule.Present(&g.caps) {
		return bsperrors.CapabilityRequired(rule.Capability, method)
	}
	if !rule.LanguageScoped() || g.resolver == nil {
		return nil
	}

	targets, err := rule.Targets(params)
	if err != nil {
		return bsperrors.CreateInvalidParamsError(method, nil, err.Error())
	}
	return g.checkLanguages(rule, method, targets)
}

// CheckTargets is Check for callers holding typed parameters
func (g *Gate) CheckTargets(method string, targets []protocol.BuildTargetIdentifier) error {
	rule, ok := Lookup(method)
	if !ok {
		return nil
	}
	if !rule.Present(&g.caps) {
		return bsperrors.CapabilityRequired(rule.Capability, method)
	}
	if !rule.LanguageScoped() || g.resolver == nil {
		return nil
	}
	return g.checkLanguages(rule, method, targets)
}

func (g *Gate) checkLanguages(rule Rule, method string, targets []protocol.BuildTargetIdentifier) error {
	provider := rule.Provider(&g.caps)
	for _, id := range targets {
		target, ok := g.resolver.Target(id)
		if !ok {
			// the handler reports unknown targets
			continue
		}
		if !provider.Supports(target.LanguageIDs) {
			return bsperrors.LanguageNotSupported(rule.Capability, method, string(id.URI),
				target.LanguageIDs, provider.LanguageIDs)
		}
	}
	return nil
}

// TargetIndex is a TargetResolver over the latest workspace/buildTargets
// snapshot. A snapshot is replaced as a whole, never edited.
type TargetIndex struct {
	mu      sync.RWMutex
	targets map[protocol.URI]protocol.BuildTarget
	order   []protocol.BuildTargetIdentifier
}

// NewTargetIndex creates an index holding targets
func NewTargetIndex(targets ...protocol.BuildTarget) *TargetIndex {
	idx := &TargetIndex{}
	idx.Replace(targets)
	return idx
}

// Replace swaps in a new snapshot
func (idx *TargetIndex) Replace(targets []protocol.BuildTarget) {
	m := make(map[protocol.URI]protocol.BuildTarget, len(targets))
	order := make([]protocol.BuildTargetIdentifier, 0, len(targets))
	for _, t := range targets {
		if _, dup := m[t.ID.URI]; !dup {
			order = append(order, t.ID)
		}
		m[t.ID.URI] = t
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.targets = m
	idx.order = order
}

// Target implements TargetResolver
func (idx *TargetIndex) Target(id protocol.BuildTargetIdentifier) (protocol.BuildTarget, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	t, ok := idx.targets[id.URI]
	return t, ok
}

// All returns the snapshot in its original order
func (idx *TargetIndex) All() []protocol.BuildTarget {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]protocol.BuildTarget, 0, len(idx.order))
	for _, id := range idx.order {
		out = append(out, idx.targets[id.URI])
	}
	return out
}

// Len returns the number of targets in the snapshot
func (idx *TargetIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.order)
}

// FilterByLanguage keeps the targets sharing a language with languageIDs. An
// empty languageIDs keeps everything.
func FilterByLanguage(targets []protocol.BuildTarget, languageIDs []string) []protocol.BuildTarget {
	if len(languageIDs) == 0 {
		return targets
	}
	out := make([]protocol.BuildTarget, 0, len(targets))
	for _, t := range targets {
		if t.HasLanguage(languageIDs) {
			out = append(out, t)
		}
	}
	return out
}
