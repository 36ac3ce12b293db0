package protocol

// BuildTargetEvent describes one changed target
type BuildTargetEvent struct {
	Target   BuildTargetIdentifier `json:"target"`
	Kind     BuildTargetEventKind  `json:"kind,omitempty"`
	DataKind string                `json:"dataKind,omitempty"`
	Data     RawData               `json:"data,omitempty"`
}

// DidChangeBuildTarget is sent when targets are created, changed or deleted
type DidChangeBuildTarget struct {
	Changes []BuildTargetEvent `json:"changes"`
}

// ShowMessageParams asks the client to display a message
type ShowMessageParams struct {
	Type     MessageType `json:"type"`
	Task     *TaskID     `json:"task,omitempty"`
	OriginID string      `json:"originId,omitempty"`
	Message  string      `json:"message"`
}

// LogMessageParams asks the client to log a message
type LogMessageParams struct {
	Type     MessageType `json:"type"`
	Task     *TaskID     `json:"task,omitempty"`
	OriginID string      `json:"originId,omitempty"`
	Message  string      `json:"message"`
}

// PublishDiagnosticsParams carries the diagnostics of one document for one
// target. When Reset is true the set replaces everything previously published
// for the pair; otherwise it is added to it.
type PublishDiagnosticsParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	BuildTarget  BuildTargetIdentifier  `json:"buildTarget"`
	OriginID     string                 `json:"originId,omitempty"`
	Diagnostics  []Diagnostic           `json:"diagnostics"`
	Reset        bool                   `json:"reset"`
}

// TaskStartParams opens a task
type TaskStartParams struct {
	TaskID    TaskID  `json:"taskId"`
	OriginID  string  `json:"originId,omitempty"`
	EventTime int64   `json:"eventTime,omitempty"`
	Message   string  `json:"message,omitempty"`
	DataKind  string  `json:"dataKind,omitempty"`
	Data      RawData `json:"data,omitempty"`
}

// Payload decodes the typed start payload
func (p TaskStartParams) Payload() (interface{}, error) {
	return DecodeData(p.DataKind, p.Data)
}

// TaskProgressParams reports progress on an open task. Total, Progress and
// Unit are all optional.
type TaskProgressParams struct {
	TaskID    TaskID  `json:"taskId"`
	OriginID  string  `json:"originId,omitempty"`
	EventTime int64   `json:"eventTime,omitempty"`
	Message   string  `json:"message,omitempty"`
	Total     *int64  `json:"total,omitempty"`
	Progress  *int64  `json:"progress,omitempty"`
	Unit      string  `json:"unit,omitempty"`
	DataKind  string  `json:"dataKind,omitempty"`
	Data      RawData `json:"data,omitempty"`
}

// TaskFinishParams closes a task with a status
type TaskFinishParams struct {
	TaskID    TaskID     `json:"taskId"`
	OriginID  string     `json:"originId,omitempty"`
	EventTime int64      `json:"eventTime,omitempty"`
	Message   string     `json:"message,omitempty"`
	Status    StatusCode `json:"status"`
	DataKind  string     `json:"dataKind,omitempty"`
	Data      RawData    `json:"data,omitempty"`
}

// Payload decodes the typed finish payload
func (p TaskFinishParams) Payload() (interface{}, error) {
	return DecodeData(p.DataKind, p.Data)
}
