// Package event describes the lifecycle records handed to the instance.
//
// Records are write-once: they are built here, delivered to an instance and
// never read back by the execution manager.
package event

import (
	"log/slog"
	"time"

	"github.com/pipekeeper/pipekeeper/internal/failure"
	"github.com/pipekeeper/pipekeeper/internal/model"
)

type Type string

const (
	PipelineStart    Type = "PIPELINE_START"
	PipelineSuccess  Type = "PIPELINE_SUCCESS"
	PipelineFailure  Type = "PIPELINE_FAILURE"
	PipelineCanceled Type = "PIPELINE_CANCELED"

	ProcessStart   Type = "PIPELINE_PROCESS_START"
	ProcessStarted Type = "PIPELINE_PROCESS_STARTED"
	ProcessExited  Type = "PIPELINE_PROCESS_EXITED"

	StepStart   Type = "STEP_START"
	StepOutput  Type = "STEP_OUTPUT"
	StepSuccess Type = "STEP_SUCCESS"
	StepFailure Type = "STEP_FAILURE"
	StepSkipped Type = "STEP_SKIPPED"

	EngineEvent Type = "ENGINE_EVENT"
)

// RunStatus returns the run status implied by the event type, if any.
func (t Type) RunStatus() (model.RunStatus, bool) {
	switch t {
	case PipelineStart:
		return model.RunStatusStarted, true
	case PipelineSuccess:
		return model.RunStatusSuccess, true
	case PipelineFailure:
		return model.RunStatusFailure, true
	case PipelineCanceled:
		return model.RunStatusCanceled, true
	default:
		return "", false
	}
}

// ProcessData identifies the worker process of a process lifecycle event.
type ProcessData struct {
	PipelineName string `json:"pipeline_name"`
	RunID        string `json:"run_id"`
	ProcessID    int    `json:"process_id,omitempty"`
}

// Event is the structured payload of a Record.
type Event struct {
	Type         Type         `json:"event_type"`
	PipelineName string       `json:"pipeline_name"`
	Message      string       `json:"message,omitempty"`
	StepKey      string       `json:"step_key,omitempty"`
	Process      *ProcessData `json:"process,omitempty"`
}

// Record is one lifecycle occurrence of a run.
type Record struct {
	Message      string        `json:"message"`
	UserMessage  string        `json:"user_message"`
	Level        slog.Level    `json:"level"`
	RunID        string        `json:"run_id"`
	Timestamp    time.Time     `json:"timestamp"`
	PipelineName string        `json:"pipeline_name"`
	ErrorInfo    *failure.Info `json:"error_info,omitempty"`
	Event        *Event        `json:"event,omitempty"`
}

// Type returns the event type or an empty string for plain log records.
func (r Record) Type() Type {
	if r.Event == nil {
		return ""
	}
	return r.Event.Type
}

// Synthetic reports a failure written on behalf of a run by the framework,
// not by the run's own execution path.
func (r Record) Synthetic() bool {
	return r.Type() == PipelineFailure && r.ErrorInfo != nil
}

// LogAttrs are the attributes used when a record is also logged.
func (r Record) LogAttrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String("run_id", r.RunID),
		slog.String("pipeline", r.PipelineName),
		slog.String("event_type", string(r.Type())),
	}
	if r.Event != nil && r.Event.StepKey != "" {
		attrs = append(attrs, slog.String("step", r.Event.StepKey))
	}
	return attrs
}
