package pipeline

import "fmt"

// Stage names used in StageError.
const (
	StageConfig       = "config"
	StageAssemble     = "assemble"
	StageSplit        = "split"
	StageClassWeights = "class_weights"
	StageBuildModel   = "build_model"
	StageTrain        = "train"
	StageExport       = "export"
)

// StageError wraps the failure of one pipeline stage.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageError(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}
