package checkpoints

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tsawler/go-unet/tensor"
)

// Framework is recorded in every checkpoint written by this package.
const Framework = "go-unet"

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatBinary CheckpointFormat = iota
	FormatJSON
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatBinary:
		return "Binary"
	case FormatJSON:
		return "JSON"
	default:
		return "Unknown"
	}
}

// Checkpoint is a complete resumable training snapshot: the epoch plus the
// model, optimizer and scheduler state. It is written and read as one unit.
type Checkpoint struct {
	Epoch          int
	ModelState     tensor.StateDict
	OptimizerState tensor.StateDict
	SchedulerState tensor.StateDict

	Metadata CheckpointMetadata
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
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

// Format returns the format used for saving.
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint writes checkpoint to path. The data goes to a temporary
// file in the same directory which is then renamed over path, so readers
// see either the previous checkpoint or the complete new one.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	// Ensure metadata is set
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = Framework
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	var data []byte
	switch cs.format {
	case FormatBinary:
		data = marshalBinary(checkpoint)
	case FormatJSON:
		var err error
		if data, err = marshalJSON(checkpoint); err != nil {
			return fmt.Errorf("failed to encode checkpoint: %w", err)
		}
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}

	return writeFileAtomic(path, data)
}

// LoadCheckpoint loads a model checkpoint. The format is detected from the
// file content, so a saver of either format can read both.
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	return Load(path)
}

// Load reads a checkpoint in either format.
func Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}

	var checkpoint *Checkpoint
	switch DetectFormat(data) {
	case FormatJSON:
		checkpoint, err = unmarshalJSON(data)
	default:
		checkpoint, err = unmarshalBinary(data)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
	}
	return checkpoint, nil
}

// DetectFormat reports FormatJSON when the first non-space byte is '{'.
func DetectFormat(data []byte) CheckpointFormat {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return FormatJSON
	}
	return FormatBinary
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move checkpoint into place: %w", err)
	}
	return nil
}

// jsonTensor is the JSON form of a state dict entry.
type jsonTensor struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

type jsonCheckpoint struct {
	Epoch          int                   `json:"epoch"`
	ModelState     map[string]jsonTensor `json:"model_state_dict"`
	OptimizerState map[string]jsonTensor `json:"optimizer_state_dict"`
	SchedulerState map[string]jsonTensor `json:"scheduler_state_dict"`
	Metadata       CheckpointMetadata    `json:"metadata"`
}

func toJSONState(sd tensor.StateDict) map[string]jsonTensor {
	out := make(map[string]jsonTensor, len(sd))
	for k, t := range sd {
		out[k] = jsonTensor{Shape: t.Shape, Data: t.Data}
	}
	return out
}

func fromJSONState(in map[string]jsonTensor) (tensor.StateDict, error) {
	if in == nil {
		return nil, nil
	}
	sd := make(tensor.StateDict, len(in))
	for k, jt := range in {
		t, err := newEntryTensor(jt.Shape, jt.Data)
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", k, err)
		}
		sd[k] = t
	}
	return sd, nil
}

func marshalJSON(c *Checkpoint) ([]byte, error) {
	return json.MarshalIndent(jsonCheckpoint{
		Epoch:          c.Epoch,
		ModelState:     toJSONState(c.ModelState),
		OptimizerState: toJSONState(c.OptimizerState),
		SchedulerState: toJSONState(c.SchedulerState),
		Metadata:       c.Metadata,
	}, "", "  ")
}

func unmarshalJSON(data []byte) (*Checkpoint, error) {
	var jc jsonCheckpoint
	if err := json.Unmarshal(data, &jc); err != nil {
		return nil, err
	}

	c := &Checkpoint{Epoch: jc.Epoch, Metadata: jc.Metadata}
	var err error
	if c.ModelState, err = fromJSONState(jc.ModelState); err != nil {
		return nil, fmt.Errorf("model_state_dict: %w", err)
	}
	if c.OptimizerState, err = fromJSONState(jc.OptimizerState); err != nil {
		return nil, fmt.Errorf("optimizer_state_dict: %w", err)
	}
	if c.SchedulerState, err = fromJSONState(jc.SchedulerState); err != nil {
		return nil, fmt.Errorf("scheduler_state_dict: %w", err)
	}
	return c, nil
}

// newEntryTensor rebuilds a state entry; an empty shape is a scalar.
func newEntryTensor(shape []int, data []float64) (*tensor.Tensor, error) {
	if len(shape) == 0 {
		if len(data) != 1 {
			return nil, fmt.Errorf("scalar entry holds %d values: %w", len(data), tensor.ErrShapeMismatch)
		}
		return tensor.Scalar(data[0]), nil
	}
	// The element count is checked against the decoded values before
	// tensor.New sees the shape, so a short entry never zero-fills and a
	// huge shape never allocates.
	n := 1
	for _, d := range shape {
		if d <= 0 || n > len(data)/d {
			return nil, fmt.Errorf("entry shape %v does not fit %d values: %w", shape, len(data), tensor.ErrShapeMismatch)
		}
		n *= d
	}
	if n != len(data) {
		return nil, fmt.Errorf("entry shape %v needs %d values, has %d: %w", shape, n, len(data), tensor.ErrShapeMismatch)
	}
	return tensor.New(shape, data)
}
