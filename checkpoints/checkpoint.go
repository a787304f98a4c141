package checkpoints

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/tsawler/go-gesture/engine"
	"github.com/tsawler/go-gesture/layers"
	"github.com/tsawler/go-gesture/weights"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	// FormatNative is the zip archive read back by LoadCheckpoint.
	FormatNative CheckpointFormat = iota
	FormatONNX
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatNative:
		return "Native"
	case FormatONNX:
		return "ONNX"
	default:
		return "Unknown"
	}
}

// Entries of a native archive.
const (
	metadataEntry = "metadata.json"
	configEntry   = "config.json"
	weightsEntry  = "model.weights.pb"
)

// Framework is recorded in every checkpoint this package writes.
const (
	Framework       = "go-gesture"
	ArchiveVersion  = "1.0.0"
	defaultDataType = "float32"
)

// Checkpoint is a trained model together with what is needed to use it:
// the compiled layer specification, every parameter tensor and the class
// names indexed by output position.
type Checkpoint struct {
	ModelSpec  *layers.ModelSpec
	Weights    map[string]*engine.Tensor
	ClassNames []string
	Metadata   CheckpointMetadata
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	RunID       string    `json:"run_id,omitempty"`
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// TensorSignature describes the model input.
type TensorSignature struct {
	Name     string `json:"name"`
	Shape    []int  `json:"shape"`
	DataType string `json:"dtype"`
}

type nativeConfig struct {
	ClassName      string            `json:"class_name"`
	Config         *layers.ModelSpec `json:"config"`
	ClassNames     []string          `json:"class_names"`
	InputSignature TensorSignature   `json:"input_signature"`
}

// NewCheckpoint captures the current weights of model.
func NewCheckpoint(model *engine.Model, classNames []string, meta CheckpointMetadata) *Checkpoint {
	return &Checkpoint{
		ModelSpec:  model.Spec(),
		Weights:    model.State(),
		ClassNames: append([]string(nil), classNames...),
		Metadata:   meta,
	}
}

// Model rebuilds an executable model from the checkpoint.
func (c *Checkpoint) Model(opts ...engine.Option) (*engine.Model, error) {
	m, err := engine.NewModel(c.ModelSpec, opts...)
	if err != nil {
		return nil, err
	}
	if err := m.LoadState(c.Weights); err != nil {
		return nil, fmt.Errorf("checkpoint does not match its model: %w", err)
	}
	return m, nil
}

func (c *Checkpoint) validate() error {
	if c == nil || c.ModelSpec == nil {
		return fmt.Errorf("checkpoint has no model spec")
	}
	if !c.ModelSpec.Compiled {
		return fmt.Errorf("checkpoint model spec is not compiled")
	}
	if units := c.ModelSpec.OutputShape[len(c.ModelSpec.OutputShape)-1]; len(c.ClassNames) != units {
		return fmt.Errorf("checkpoint has %d class names for %d outputs", len(c.ClassNames), units)
	}
	for i := range c.ModelSpec.Layers {
		l := &c.ModelSpec.Layers[i]
		for k, name := range l.ParameterNames {
			t, ok := c.Weights[l.ParamKey(name)]
			if !ok {
				return fmt.Errorf("checkpoint is missing weight tensor %q", l.ParamKey(name))
			}
			if !equalShape(t.Shape, l.ParameterShapes[k]) {
				return fmt.Errorf("weight tensor %q has shape %v, expected %v", l.ParamKey(name), t.Shape, l.ParameterShapes[k])
			}
		}
	}
	return nil
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// Encode serializes the checkpoint. Equal checkpoints encode to equal bytes.
func (cs *CheckpointSaver) Encode(checkpoint *Checkpoint) ([]byte, error) {
	if err := checkpoint.validate(); err != nil {
		return nil, err
	}
	switch cs.format {
	case FormatNative:
		return encodeNative(checkpoint)
	case FormatONNX:
		return NewONNXExporter().Encode(checkpoint)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// SaveCheckpoint writes the checkpoint to path. The file is written next to
// its destination and renamed into place.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	data, err := cs.Encode(checkpoint)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// LoadCheckpoint reads a native archive written by SaveCheckpoint.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	return decodeNative(data)
}

func encodeNative(c *Checkpoint) ([]byte, error) {
	meta := c.Metadata
	if meta.Framework == "" {
		meta.Framework = Framework
	}
	if meta.Version == "" {
		meta.Version = ArchiveVersion
	}

	metaJSON, err := marshalIndent(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	configJSON, err := marshalIndent(nativeConfig{
		ClassName:  "Functional",
		Config:     c.ModelSpec,
		ClassNames: c.ClassNames,
		InputSignature: TensorSignature{
			Name:     onnxInputName,
			Shape:    c.ModelSpec.InputShape,
			DataType: defaultDataType,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode model config: %w", err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	entries := []struct {
		name string
		data []byte
	}{
		{metadataEntry, metaJSON},
		{configEntry, configJSON},
		{weightsEntry, weights.EncodeArchive(c.ModelSpec.Name, c.Weights)},
	}
	for _, e := range entries {
		// A fixed timestamp keeps the archive byte-stable across saves.
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     e.name,
			Method:   zip.Deflate,
			Modified: meta.CreatedAt.UTC(),
		})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(e.data); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeNative(data []byte) (*Checkpoint, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint archive: %w", err)
	}

	files := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		b, err := readEntry(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f.Name, err)
		}
		files[f.Name] = b
	}
	for _, name := range []string{metadataEntry, configEntry, weightsEntry} {
		if _, ok := files[name]; !ok {
			return nil, fmt.Errorf("checkpoint archive has no %s", name)
		}
	}

	c := &Checkpoint{}
	if err := json.Unmarshal(files[metadataEntry], &c.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}

	var cfg nativeConfig
	if err := json.Unmarshal(files[configEntry], &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode model config: %w", err)
	}
	if cfg.Config == nil {
		return nil, fmt.Errorf("model config is empty")
	}
	for i := range cfg.Config.Layers {
		if cfg.Config.Layers[i].Parameters == nil {
			cfg.Config.Layers[i].Parameters = map[string]interface{}{}
		}
	}
	if err := cfg.Config.Recompile(); err != nil {
		return nil, fmt.Errorf("failed to compile stored model: %w", err)
	}
	c.ModelSpec = cfg.Config
	c.ClassNames = cfg.ClassNames

	c.Weights, err = weights.DecodeArchive(files[weightsEntry])
	if err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func marshalIndent(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeFileAtomic writes data to a temporary file in the destination
// directory and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
