package pipeline

import (
	"errors"
	"fmt"
)

// Stage names, in execution order. Failures carry the stage so the job's
// error record says where the saga stopped.
const (
	StageContent  = "content"
	StagePrompt   = "prompt"
	StageImage    = "image"
	StageDownload = "download"
	StagePublish  = "publish"
)

// StageError tags an error with the pipeline stage that produced it.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage string, err error) error {
	return &StageError{Stage: stage, Err: err}
}

// FailedStage extracts the stage name from err, or "" if it carries none.
func FailedStage(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}
