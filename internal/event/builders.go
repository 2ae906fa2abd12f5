package event

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/pipekeeper/pipekeeper/internal/failure"
)

// frameworkMessage is shown to users for failures which were not raised by
// the steps themselves.
const frameworkMessage = "An error was raised during execution that is likely a framework error, " +
	"rather than an error in a step."

var now = time.Now

func newRecord(runID, pipelineName string, level slog.Level, message string, ev *Event) Record {
	return Record{
		Message:      message,
		UserMessage:  message,
		Level:        level,
		RunID:        runID,
		Timestamp:    now().UTC(),
		PipelineName: pipelineName,
		Event:        ev,
	}
}

func BuildProcessStartEvent(runID, pipelineName string) Record {
	msg := fmt.Sprintf("About to start process for pipeline %q (run_id: %s).", pipelineName, runID)
	return newRecord(runID, pipelineName, slog.LevelInfo, msg, &Event{
		Type:         ProcessStart,
		PipelineName: pipelineName,
		Message:      msg,
		Process:      &ProcessData{PipelineName: pipelineName, RunID: runID},
	})
}

func BuildProcessStartedEvent(runID, pipelineName string, pid int) Record {
	msg := fmt.Sprintf("Started process for pipeline (pid: %d).", pid)
	return newRecord(runID, pipelineName, slog.LevelInfo, msg, &Event{
		Type:         ProcessStarted,
		PipelineName: pipelineName,
		Message:      msg,
		Process:      &ProcessData{PipelineName: pipelineName, RunID: runID, ProcessID: pid},
	})
}

func BuildProcessExitedEvent(runID, pipelineName string, pid int) Record {
	msg := fmt.Sprintf("Process for pipeline exited (pid: %d).", pid)
	return newRecord(runID, pipelineName, slog.LevelInfo, msg, &Event{
		Type:         ProcessExited,
		PipelineName: pipelineName,
		Message:      msg,
		Process:      &ProcessData{PipelineName: pipelineName, RunID: runID, ProcessID: pid},
	})
}

// BuildSyntheticFailure records a pipeline failure nobody else could report:
// a crash or an error caught outside of step execution.
func BuildSyntheticFailure(runID, pipelineName string, info failure.Info) Record {
	rec := newRecord(runID, pipelineName, slog.LevelError, info.String(), &Event{
		Type:         PipelineFailure,
		PipelineName: pipelineName,
		Message:      info.Message,
	})
	rec.UserMessage = frameworkMessage + "\nOriginal error message: " + info.String()
	rec.ErrorInfo = &info
	return rec
}

func BuildPipelineStartEvent(runID, pipelineName string) Record {
	msg := fmt.Sprintf("Started execution of pipeline %q.", pipelineName)
	return newRecord(runID, pipelineName, slog.LevelDebug, msg, &Event{
		Type:         PipelineStart,
		PipelineName: pipelineName,
		Message:      msg,
	})
}

func BuildPipelineSuccessEvent(runID, pipelineName string) Record {
	msg := fmt.Sprintf("Finished execution of pipeline %q.", pipelineName)
	return newRecord(runID, pipelineName, slog.LevelDebug, msg, &Event{
		Type:         PipelineSuccess,
		PipelineName: pipelineName,
		Message:      msg,
	})
}

// BuildPipelineFailureEvent is the failure reported by the run itself after
// one or more steps failed.
func BuildPipelineFailureEvent(runID, pipelineName string, failed []string) Record {
	msg := fmt.Sprintf("Execution of pipeline %q failed, failed steps: %v.", pipelineName, failed)
	return newRecord(runID, pipelineName, slog.LevelError, msg, &Event{
		Type:         PipelineFailure,
		PipelineName: pipelineName,
		Message:      msg,
	})
}

func BuildPipelineCanceledEvent(runID, pipelineName string) Record {
	msg := fmt.Sprintf("Execution of pipeline %q was interrupted.", pipelineName)
	return newRecord(runID, pipelineName, slog.LevelWarn, msg, &Event{
		Type:         PipelineCanceled,
		PipelineName: pipelineName,
		Message:      msg,
	})
}

func BuildStepEvent(runID, pipelineName, stepKey string, typ Type, msg string) Record {
	level := slog.LevelDebug
	switch typ {
	case StepFailure:
		level = slog.LevelError
	case StepSkipped:
		level = slog.LevelWarn
	}
	return newRecord(runID, pipelineName, level, msg, &Event{
		Type:         typ,
		PipelineName: pipelineName,
		StepKey:      stepKey,
		Message:      msg,
	})
}

// BuildStepFailureEvent attaches the step error as error info.
func BuildStepFailureEvent(runID, pipelineName, stepKey string, err error) Record {
	rec := BuildStepEvent(runID, pipelineName, stepKey, StepFailure, fmt.Sprintf("Step %q failed: %v", stepKey, err))
	info := failure.InfoFromError(err)
	rec.ErrorInfo = &info
	return rec
}
