package checkpoints

import (
	"errors"
	"fmt"

	"github.com/tsawler/go-gesture/engine"
)

// Artifact names used in ExportError.
const (
	ArtifactNative = "native"
	ArtifactONNX   = "onnx"
)

// ExportError reports a failure to produce one artifact.
type ExportError struct {
	Artifact string
	Path     string
	Err      error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("export %s model to %s: %v", e.Artifact, e.Path, e.Err)
}

func (e *ExportError) Unwrap() error {
	return e.Err
}

// ExportResult lists the artifacts that were written.
type ExportResult struct {
	Written []string
}

// Export writes model as a native archive to nativePath and as ONNX to
// onnxPath. Both are attempted; when either fails the returned error joins one
// *ExportError per failed artifact and the result lists what was written.
func Export(model *engine.Model, classNames []string, nativePath, onnxPath string, meta CheckpointMetadata) (*ExportResult, error) {
	checkpoint := NewCheckpoint(model, classNames, meta)
	return ExportCheckpoint(checkpoint, nativePath, onnxPath)
}

// ExportCheckpoint is Export for an already captured checkpoint.
func ExportCheckpoint(checkpoint *Checkpoint, nativePath, onnxPath string) (*ExportResult, error) {
	result := &ExportResult{}
	var errs []error

	targets := []struct {
		artifact string
		path     string
		format   CheckpointFormat
	}{
		{ArtifactNative, nativePath, FormatNative},
		{ArtifactONNX, onnxPath, FormatONNX},
	}
	for _, t := range targets {
		if err := NewCheckpointSaver(t.format).SaveCheckpoint(checkpoint, t.path); err != nil {
			errs = append(errs, &ExportError{Artifact: t.artifact, Path: t.path, Err: err})
			continue
		}
		result.Written = append(result.Written, t.path)
	}
	return result, errors.Join(errs...)
}
