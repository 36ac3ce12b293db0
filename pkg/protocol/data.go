package protocol

import (
	"encoding/json"
	"fmt"
	"sync"
)

// RawData is an extension payload kept verbatim until its kind is decoded
type RawData = json.RawMessage

// Known dataKind values for task notifications
const (
	DataKindCompileTask   = "compile-task"
	DataKindCompileReport = "compile-report"
	DataKindTestTask      = "test-task"
	DataKindTestReport    = "test-report"
	DataKindTestStart     = "test-start"
	DataKindTestFinish    = "test-finish"
)

// Known dataKind values for build targets
const (
	DataKindScala = "scala"
	DataKindSbt   = "sbt"
	DataKindJvm   = "jvm"
)

// CompileTask is the payload of a compile task start
type CompileTask struct {
	Target BuildTargetIdentifier `json:"target"`
}

// CompileReport summarises a finished compile task
type CompileReport struct {
	Target   BuildTargetIdentifier `json:"target"`
	OriginID string                `json:"originId,omitempty"`
	Errors   int                   `json:"errors"`
	Warnings int                   `json:"warnings"`
	Time     *int64                `json:"time,omitempty"`
	NoOp     *bool                 `json:"noOp,omitempty"`
}

// TestTask is the payload of a test task start
type TestTask struct {
	Target BuildTargetIdentifier `json:"target"`
}

// TestReport summarises a finished test task
type TestReport struct {
	OriginID  string                `json:"originId,omitempty"`
	Target    BuildTargetIdentifier `json:"target"`
	Passed    int                   `json:"passed"`
	Failed    int                   `json:"failed"`
	Ignored   int                   `json:"ignored"`
	Cancelled int                   `json:"cancelled"`
	Skipped   int                   `json:"skipped"`
	Time      *int64                `json:"time,omitempty"`
}

// TestStart marks the start of one test case
type TestStart struct {
	DisplayName string    `json:"displayName"`
	Location    *Location `json:"location,omitempty"`
}

// TestFinish reports the outcome of one test case
type TestFinish struct {
	DisplayName string     `json:"displayName"`
	Message     string     `json:"message,omitempty"`
	Status      TestStatus `json:"status"`
	Location    *Location  `json:"location,omitempty"`
	DataKind    string     `json:"dataKind,omitempty"`
	Data        RawData    `json:"data,omitempty"`
}

// JvmBuildTarget is the payload of a target whose dataKind is "jvm"
type JvmBuildTarget struct {
	JavaHome    URI    `json:"javaHome,omitempty"`
	JavaVersion string `json:"javaVersion,omitempty"`
}

// UnknownData is the variant used for kinds without a registered decoder.
// The raw payload is kept so it can be forwarded unchanged.
type UnknownData struct {
	Kind string
	Raw  RawData
}

var (
	dataKindsMu sync.RWMutex
	dataKinds   = map[string]func() interface{}{
		DataKindCompileTask:   func() interface{} { return &CompileTask{} },
		DataKindCompileReport: func() interface{} { return &CompileReport{} },
		DataKindTestTask:      func() interface{} { return &TestTask{} },
		DataKindTestReport:    func() interface{} { return &TestReport{} },
		DataKindTestStart:     func() interface{} { return &TestStart{} },
		DataKindTestFinish:    func() interface{} { return &TestFinish{} },
		"test-started":        func() interface{} { return &TestStart{} },
		"test-finished":       func() interface{} { return &TestFinish{} },
		DataKindJvm:           func() interface{} { return &JvmBuildTarget{} },
	}
)

// RegisterDataKind installs a decoder for an extension kind. The factory must
// return a pointer that json.Unmarshal can fill.
func RegisterDataKind(kind string, factory func() interface{}) {
	dataKindsMu.Lock()
	defer dataKindsMu.Unlock()
	dataKinds[kind] = factory
}

// DecodeData resolves a (dataKind, data) pair into its typed variant. Kinds
// without a decoder yield *UnknownData; an empty kind with no data yields nil.
func DecodeData(kind string, raw RawData) (interface{}, error) {
	if kind == "" && len(raw) == 0 {
		return nil, nil
	}

	dataKindsMu.RLock()
	factory, ok := dataKinds[kind]
	dataKindsMu.RUnlock()

	if !ok {
		return &UnknownData{Kind: kind, Raw: raw}, nil
	}

	v := factory()
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, fmt.Errorf("failed to decode %q payload: %w", kind, err)
	}
	return v, nil
}

// EncodeData marshals a payload and pairs it with its kind. *UnknownData is
// passed through unchanged.
func EncodeData(kind string, v interface{}) (string, RawData, error) {
	if v == nil {
		return kind, nil, nil
	}
	if u, ok := v.(*UnknownData); ok {
		return u.Kind, u.Raw, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode %q payload: %w", kind, err)
	}
	return kind, raw, nil
}
