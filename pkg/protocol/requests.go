package protocol

// WorkspaceBuildTargetsResult lists every target of the workspace
type WorkspaceBuildTargetsResult struct {
	Targets []BuildTarget `json:"targets"`
}

// SourcesParams asks for the sources of the given targets
type SourcesParams struct {
	Targets []BuildTargetIdentifier `json:"targets"`
}

// SourceItem is a source file or directory belonging to a target
type SourceItem struct {
	URI       URI            `json:"uri"`
	Kind      SourceItemKind `json:"kind"`
	Generated bool           `json:"generated"`
}

// SourcesItem groups the sources of one target
type SourcesItem struct {
	Target  BuildTargetIdentifier `json:"target"`
	Sources []SourceItem          `json:"sources"`
	Roots   []URI                 `json:"roots,omitempty"`
}

// SourcesResult answers buildTarget/sources
type SourcesResult struct {
	Items []SourcesItem `json:"items"`
}

// InverseSourcesParams asks which targets own a document
type InverseSourcesParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

// InverseSourcesResult answers textDocument/inverseSources
type InverseSourcesResult struct {
	Targets []BuildTargetIdentifier `json:"targets"`
}

// DependencySourcesParams asks for the sources of the targets' dependencies
type DependencySourcesParams struct {
	Targets []BuildTargetIdentifier `json:"targets"`
}

// DependencySourcesItem groups dependency sources for one target
type DependencySourcesItem struct {
	Target  BuildTargetIdentifier `json:"target"`
	Sources []URI                 `json:"sources"`
}

// DependencySourcesResult answers buildTarget/dependencySources
type DependencySourcesResult struct {
	Items []DependencySourcesItem `json:"items"`
}

// DependencyModulesParams asks for the modules the targets depend on
type DependencyModulesParams struct {
	Targets []BuildTargetIdentifier `json:"targets"`
}

// DependencyModule is a named, versioned dependency
type DependencyModule struct {
	Name     string  `json:"name"`
	Version  string  `json:"version"`
	DataKind string  `json:"dataKind,omitempty"`
	Data     RawData `json:"data,omitempty"`
}

// DependencyModulesItem groups dependency modules for one target
type DependencyModulesItem struct {
	Target  BuildTargetIdentifier `json:"target"`
	Modules []DependencyModule    `json:"modules"`
}

// DependencyModulesResult answers buildTarget/dependencyModules
type DependencyModulesResult struct {
	Items []DependencyModulesItem `json:"items"`
}

// ResourcesParams asks for the resources of the given targets
type ResourcesParams struct {
	Targets []BuildTargetIdentifier `json:"targets"`
}

// ResourcesItem groups resources for one target
type ResourcesItem struct {
	Target    BuildTargetIdentifier `json:"target"`
	Resources []URI                 `json:"resources"`
}

// ResourcesResult answers buildTarget/resources
type ResourcesResult struct {
	Items []ResourcesItem `json:"items"`
}

// CompileParams asks the server to compile targets
type CompileParams struct {
	Targets   []BuildTargetIdentifier `json:"targets"`
	OriginID  string                  `json:"originId,omitempty"`
	Arguments []string                `json:"arguments,omitempty"`
}

// CompileResult reports the overall outcome of a compile request
type CompileResult struct {
	OriginID   string     `json:"originId,omitempty"`
	StatusCode StatusCode `json:"statusCode"`
	DataKind   string     `json:"dataKind,omitempty"`
	Data       RawData    `json:"data,omitempty"`
}

// TestParams asks the server to run the tests of targets
type TestParams struct {
	Targets   []BuildTargetIdentifier `json:"targets"`
	OriginID  string                  `json:"originId,omitempty"`
	Arguments []string                `json:"arguments,omitempty"`
	DataKind  string                  `json:"dataKind,omitempty"`
	Data      RawData                 `json:"data,omitempty"`
}

// TestResult reports the overall outcome of a test request
type TestResult struct {
	OriginID   string     `json:"originId,omitempty"`
	StatusCode StatusCode `json:"statusCode"`
	DataKind   string     `json:"dataKind,omitempty"`
	Data       RawData    `json:"data,omitempty"`
}

// RunParams asks the server to run a single target
type RunParams struct {
	Target    BuildTargetIdentifier `json:"target"`
	OriginID  string                `json:"originId,omitempty"`
	Arguments []string              `json:"arguments,omitempty"`
	DataKind  string                `json:"dataKind,omitempty"`
	Data      RawData               `json:"data,omitempty"`
}

// RunResult reports the outcome of a run request
type RunResult struct {
	OriginID   string     `json:"originId,omitempty"`
	StatusCode StatusCode `json:"statusCode"`
}

// DebugSessionParams asks the server to start a debug adapter
type DebugSessionParams struct {
	Targets  []BuildTargetIdentifier `json:"targets"`
	DataKind string                  `json:"dataKind,omitempty"`
	Data     RawData                 `json:"data,omitempty"`
}

// DebugSessionAddress is where the debug adapter listens
type DebugSessionAddress struct {
	URI string `json:"uri"`
}

// CleanCacheParams asks the server to drop cached build outputs
type CleanCacheParams struct {
	Targets []BuildTargetIdentifier `json:"targets"`
}

// CleanCacheResult answers buildTarget/cleanCache
type CleanCacheResult struct {
	Message string `json:"message,omitempty"`
	Cleaned bool   `json:"cleaned"`
}
