package protocol

import (
	"encoding/json"
	"fmt"
)

// URI is a document or target location
type URI string

// BuildTargetIdentifier identifies a build target by URI. Two identifiers are
// equal exactly when their URIs are equal.
type BuildTargetIdentifier struct {
	URI URI `json:"uri"`
}

func (id BuildTargetIdentifier) String() string {
	return string(id.URI)
}

// Build target tags. The set is open: clients must tolerate unknown values.
const (
	TagLibrary         = "library"
	TagApplication     = "application"
	TagTest            = "test"
	TagIntegrationTest = "integration-test"
	TagBenchmark       = "benchmark"
	TagNoIDE           = "no-ide"
	TagManual          = "manual"
)

// BuildTargetCapabilities lists which actions apply to a target
type BuildTargetCapabilities struct {
	CanCompile bool `json:"canCompile"`
	CanTest    bool `json:"canTest"`
	CanRun     bool `json:"canRun"`
	CanDebug   bool `json:"canDebug"`
}

// BuildTarget is the unit of compilation, testing and running
type BuildTarget struct {
	ID            BuildTargetIdentifier   `json:"id"`
	DisplayName   string                  `json:"displayName,omitempty"`
	BaseDirectory URI                     `json:"baseDirectory,omitempty"`
	Tags          []string                `json:"tags"`
	Capabilities  BuildTargetCapabilities `json:"capabilities"`
	LanguageIDs   []string                `json:"languageIds"`
	Dependencies  []BuildTargetIdentifier `json:"dependencies"`
	DataKind      string                  `json:"dataKind,omitempty"`
	Data          RawData                 `json:"data,omitempty"`
}

// HasLanguage reports whether the target lists any of the given languages
func (t BuildTarget) HasLanguage(languageIDs []string) bool {
	for _, want := range languageIDs {
		for _, have := range t.LanguageIDs {
			if want == have {
				return true
			}
		}
	}
	return false
}

// TaskID identifies a long running task. A task is a child of every task
// listed in Parents.
type TaskID struct {
	ID      string   `json:"id"`
	Parents []string `json:"parents,omitempty"`
}

// StatusCode is the outcome of a compile, test or run request and of a task
type StatusCode int

const (
	StatusOK        StatusCode = 1
	StatusError     StatusCode = 2
	StatusCancelled StatusCode = 3
)

func (s StatusCode) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// UnmarshalJSON rejects values outside the defined range
func (s *StatusCode) UnmarshalJSON(data []byte) error {
	var v int
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	code := StatusCode(v)
	if code < StatusOK || code > StatusCancelled {
		return fmt.Errorf("invalid status code %d", v)
	}
	*s = code
	return nil
}

// MessageType is the severity of a showMessage or logMessage notification
type MessageType int

const (
	MessageError   MessageType = 1
	MessageWarning MessageType = 2
	MessageInfo    MessageType = 3
	MessageLog     MessageType = 4
)

func (m MessageType) String() string {
	switch m {
	case MessageError:
		return "error"
	case MessageWarning:
		return "warning"
	case MessageInfo:
		return "info"
	case MessageLog:
		return "log"
	default:
		return fmt.Sprintf("message(%d)", int(m))
	}
}

// BuildTargetEventKind describes a change to a build target
type BuildTargetEventKind int

const (
	BuildTargetCreated BuildTargetEventKind = 1
	BuildTargetChanged BuildTargetEventKind = 2
	BuildTargetDeleted BuildTargetEventKind = 3
)

// SourceItemKind distinguishes files from directories in sources results
type SourceItemKind int

const (
	SourceItemFile      SourceItemKind = 1
	SourceItemDirectory SourceItemKind = 2
)

// TestStatus is the outcome of a single test case
type TestStatus int

const (
	TestPassed    TestStatus = 1
	TestFailed    TestStatus = 2
	TestIgnored   TestStatus = 3
	TestCancelled TestStatus = 4
	TestSkipped   TestStatus = 5
)
