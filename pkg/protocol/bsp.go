package protocol

const (
	// Version is the protocol version advertised during the handshake
	Version = "2.1.0"

	// Lifecycle
	MethodBuildInitialize  = "build/initialize"
	MethodBuildInitialized = "build/initialized"
	MethodBuildShutdown    = "build/shutdown"
	MethodBuildExit        = "build/exit"

	// Workspace
	MethodWorkspaceBuildTargets = "workspace/buildTargets"
	MethodWorkspaceReload       = "workspace/reload"

	// Target queries
	MethodBuildTargetSources           = "buildTarget/sources"
	MethodTextDocumentInverseSources   = "textDocument/inverseSources"
	MethodBuildTargetDependencySources = "buildTarget/dependencySources"
	MethodBuildTargetDependencyModules = "buildTarget/dependencyModules"
	MethodBuildTargetResources         = "buildTarget/resources"

	// Actions
	MethodBuildTargetCompile    = "buildTarget/compile"
	MethodBuildTargetTest       = "buildTarget/test"
	MethodBuildTargetRun        = "buildTarget/run"
	MethodBuildTargetCleanCache = "buildTarget/cleanCache"
	MethodDebugSession          = "debugSession/debug"

	// MethodDebugSessionStart is accepted as an alias of debugSession/debug;
	// the capability documentation of the protocol refers to it by this name.
	MethodDebugSessionStart = "debugSession/start"

	// Server to client notifications
	MethodBuildTargetDidChange    = "buildTarget/didChange"
	MethodBuildShowMessage        = "build/showMessage"
	MethodBuildLogMessage         = "build/logMessage"
	MethodBuildPublishDiagnostics = "build/publishDiagnostics"
	MethodBuildTaskStart          = "build/taskStart"
	MethodBuildTaskProgress       = "build/taskProgress"
	MethodBuildTaskFinish         = "build/taskFinish"
)

// IsQueryMethod reports whether a request only reads workspace state and
// may therefore be retried safely.
func IsQueryMethod(method string) bool {
	switch method {
	case MethodWorkspaceBuildTargets,
		MethodBuildTargetSources,
		MethodTextDocumentInverseSources,
		MethodBuildTargetDependencySources,
		MethodBuildTargetDependencyModules,
		MethodBuildTargetResources:
		return true
	}
	return false
}

// BuildClientCapabilities describes what the client understands
type BuildClientCapabilities struct {
	// LanguageIDs lists the languages the client supports. The server must not
	// return build targets for other languages.
	LanguageIDs []string `json:"languageIds"`
}

// InitializeBuildParams defines the parameters for build/initialize
type InitializeBuildParams struct {
	DisplayName  string                  `json:"displayName"`
	Version      string                  `json:"version"`
	BspVersion   string                  `json:"bspVersion"`
	RootURI      URI                     `json:"rootUri"`
	Capabilities BuildClientCapabilities `json:"capabilities"`
	DataKind     string                  `json:"dataKind,omitempty"`
	Data         RawData                 `json:"data,omitempty"`
}

// InitializeBuildResult is the server's answer to build/initialize
type InitializeBuildResult struct {
	DisplayName  string                  `json:"displayName"`
	Version      string                  `json:"version"`
	BspVersion   string                  `json:"bspVersion"`
	Capabilities BuildServerCapabilities `json:"capabilities"`
	DataKind     string                  `json:"dataKind,omitempty"`
	Data         RawData                 `json:"data,omitempty"`
}

// LanguageProvider advertises a request family together with the languages
// it can serve.
type LanguageProvider struct {
	LanguageIDs []string `json:"languageIds"`
}

// Supports reports whether the provider serves at least one of the given
// languages. A target without language ids is always supported.
func (p *LanguageProvider) Supports(languageIDs []string) bool {
	if p == nil {
		return false
	}
	if len(languageIDs) == 0 {
		return true
	}
	for _, want := range languageIDs {
		for _, have := range p.LanguageIDs {
			if want == have {
				return true
			}
		}
	}
	return false
}

// BuildServerCapabilities is the contract the server commits to for the
// whole session. A nil provider or a false flag means the corresponding
// request family must never be sent.
type BuildServerCapabilities struct {
	CompileProvider            *LanguageProvider `json:"compileProvider,omitempty"`
	TestProvider               *LanguageProvider `json:"testProvider,omitempty"`
	RunProvider                *LanguageProvider `json:"runProvider,omitempty"`
	DebugProvider              *LanguageProvider `json:"debugProvider,omitempty"`
	InverseSourcesProvider     bool              `json:"inverseSourcesProvider,omitempty"`
	DependencySourcesProvider  bool              `json:"dependencySourcesProvider,omitempty"`
	DependencyModulesProvider  bool              `json:"dependencyModulesProvider,omitempty"`
	ResourcesProvider          bool              `json:"resourcesProvider,omitempty"`
	CanReload                  bool              `json:"canReload,omitempty"`
	BuildTargetChangedProvider bool              `json:"buildTargetChangedProvider,omitempty"`
}

// InitializedBuildParams is sent as a notification once the client has
// processed the initialize result.
type InitializedBuildParams struct{}
