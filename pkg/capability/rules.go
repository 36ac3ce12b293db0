// Package capability decides whether a method may be used under the
// capabilities a build server advertised during the handshake.
//
// The decision is a pure function of a static rule table, the advertised
// capabilities and the languages of the targets a request refers to. Both
// the server (before dispatch) and the client (before sending) consult it.
package capability

import (
	"encoding/json"

	"github.com/ajitpratap0/bsp-sdk-go/pkg/protocol"
)

// Capability names as they appear in the initialize result
const (
	CompileProvider            = "compileProvider"
	TestProvider               = "testProvider"
	RunProvider                = "runProvider"
	DebugProvider              = "debugProvider"
	InverseSourcesProvider     = "inverseSourcesProvider"
	DependencySourcesProvider  = "dependencySourcesProvider"
	DependencyModulesProvider  = "dependencyModulesProvider"
	ResourcesProvider          = "resourcesProvider"
	CanReload                  = "canReload"
	BuildTargetChangedProvider = "buildTargetChangedProvider"
)

// Rule ties a method to the capability that enables it
type Rule struct {
	Capability string

	// Present reports whether the capability was advertised
	Present func(caps *protocol.BuildServerCapabilities) bool

	// Provider returns the language-scoped provider, or nil for capabilities
	// that are plain flags
	Provider func(caps *protocol.BuildServerCapabilities) *protocol.LanguageProvider

	// Targets extracts the targets a request refers to. Nil for methods that
	// are not gated per target.
	Targets func(params json.RawMessage) ([]protocol.BuildTargetIdentifier, error)
}

// LanguageScoped reports whether the rule also checks target languages
func (r Rule) LanguageScoped() bool {
	return r.Provider != nil && r.Targets != nil
}

func providerRule(name string, get func(*protocol.BuildServerCapabilities) *protocol.LanguageProvider, targets func(json.RawMessage) ([]protocol.BuildTargetIdentifier, error)) Rule {
	return Rule{
		Capability: name,
		Present: func(caps *protocol.BuildServerCapabilities) bool {
			return get(caps) != nil
		},
		Provider: get,
		Targets:  targets,
	}
}

func flagRule(name string, get func(*protocol.BuildServerCapabilities) bool) Rule {
	return Rule{Capability: name, Present: get}
}

// targetList decodes the common {"targets": [...]} shape
func targetList(params json.RawMessage) ([]protocol.BuildTargetIdentifier, error) {
	if len(params) == 0 {
		return nil, nil
	}
	var p struct {
		Targets []protocol.BuildTargetIdentifier `json:"targets"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	return p.Targets, nil
}

// singleTarget decodes the {"target": {...}} shape used by run
func singleTarget(params json.RawMessage) ([]protocol.BuildTargetIdentifier, error) {
	if len(params) == 0 {
		return nil, nil
	}
	var p struct {
		Target *protocol.BuildTargetIdentifier `json:"target"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.Target == nil {
		return nil, nil
	}
	return []protocol.BuildTargetIdentifier{*p.Target}, nil
}

var rules = map[string]Rule{
	protocol.MethodBuildTargetCompile: providerRule(CompileProvider,
		func(c *protocol.BuildServerCapabilities) *protocol.LanguageProvider { return c.CompileProvider }, targetList),
	protocol.MethodBuildTargetTest: providerRule(TestProvider,
		func(c *protocol.BuildServerCapabilities) *protocol.LanguageProvider { return c.TestProvider }, targetList),
	protocol.MethodBuildTargetRun: providerRule(RunProvider,
		func(c *protocol.BuildServerCapabilities) *protocol.LanguageProvider { return c.RunProvider }, singleTarget),
	protocol.MethodDebugSession: providerRule(DebugProvider,
		func(c *protocol.BuildServerCapabilities) *protocol.LanguageProvider { return c.DebugProvider }, targetList),
	protocol.MethodDebugSessionStart: providerRule(DebugProvider,
		func(c *protocol.BuildServerCapabilities) *protocol.LanguageProvider { return c.DebugProvider }, targetList),

	protocol.MethodTextDocumentInverseSources: flagRule(InverseSourcesProvider,
		func(c *protocol.BuildServerCapabilities) bool { return c.InverseSourcesProvider }),
	protocol.MethodBuildTargetDependencySources: flagRule(DependencySourcesProvider,
		func(c *protocol.BuildServerCapabilities) bool { return c.DependencySourcesProvider }),
	protocol.MethodBuildTargetDependencyModules: flagRule(DependencyModulesProvider,
		func(c *protocol.BuildServerCapabilities) bool { return c.DependencyModulesProvider }),
	protocol.MethodBuildTargetResources: flagRule(ResourcesProvider,
		func(c *protocol.BuildServerCapabilities) bool { return c.ResourcesProvider }),
	protocol.MethodWorkspaceReload: flagRule(CanReload,
		func(c *protocol.BuildServerCapabilities) bool { return c.CanReload }),
	protocol.MethodBuildTargetDidChange: flagRule(BuildTargetChangedProvider,
		func(c *protocol.BuildServerCapabilities) bool { return c.BuildTargetChangedProvider }),
}

// Lookup returns the rule for a method. Methods without a rule are always
// available.
func Lookup(method string) (Rule, bool) {
	r, ok := rules[method]
	return r, ok
}

// Methods lists every gated method
func Methods() []string {
	out := make([]string, 0, len(rules))
	for m := range rules {
		out = append(out, m)
	}
	return out
}
