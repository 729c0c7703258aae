package checkpoints

import (
	"errors"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/go-unet/tensor"
)

func testCheckpoint(t *testing.T, epoch int) *Checkpoint {
	t.Helper()
	weight, err := tensor.New([]int{2, 1, 3, 3}, []float64{
		0.1, -0.2, 0.3, 0.4, -0.5, 0.6, 0.7, -0.8, 0.9,
		1e-12, -1e12, math.Pi, 0, 1, 2, 3, 4, math.SmallestNonzeroFloat64,
	})
	if err != nil {
		t.Fatalf("Failed to create weight: %v", err)
	}
	bias, _ := tensor.New([]int{2}, []float64{0.01, 0.01})
	momentum, _ := tensor.Full([]int{2, 1, 3, 3}, 0.25)

	model := tensor.StateDict{
		"enc1.conv.weight":            weight,
		"enc1.conv.bias":              bias,
		"enc1.bn.num_batches_tracked": tensor.Scalar(12),
	}
	opt := tensor.StateDict{"momentum_0": momentum}
	opt.SetFloat("lr", 0.01)
	opt.SetFloat("step", 40)
	sched := tensor.StateDict{}
	sched.SetFloat("last_epoch", float64(epoch))

	return &Checkpoint{
		Epoch:          epoch,
		ModelState:     model,
		OptimizerState: opt,
		SchedulerState: sched,
		Metadata: CheckpointMetadata{
			CreatedAt:   time.Date(2024, 3, 1, 12, 30, 0, 123, time.UTC),
			Description: "unit test",
		},
	}
}

func TestCheckpointFormatString(t *testing.T) {
	tests := []struct {
		format CheckpointFormat
		want   string
	}{
		{FormatBinary, "Binary"},
		{FormatJSON, "JSON"},
		{CheckpointFormat(42), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.format.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatBinary, FormatJSON} {
		t.Run(format.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "model_x_epoch_3.pth")
			saver := NewCheckpointSaver(format)
			original := testCheckpoint(t, 3)

			if err := saver.SaveCheckpoint(original, path); err != nil {
				t.Fatalf("SaveCheckpoint failed: %v", err)
			}

			data, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("Failed to read checkpoint: %v", err)
			}
			if got := DetectFormat(data); got != format {
				t.Fatalf("DetectFormat = %s, want %s", got, format)
			}

			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if loaded.Epoch != 3 {
				t.Errorf("Epoch = %d, want 3", loaded.Epoch)
			}
			if !loaded.ModelState.Equal(original.ModelState) {
				t.Error("model state differs after round trip")
			}
			if !loaded.OptimizerState.Equal(original.OptimizerState) {
				t.Error("optimizer state differs after round trip")
			}
			if !loaded.SchedulerState.Equal(original.SchedulerState) {
				t.Error("scheduler state differs after round trip")
			}
			if loaded.Metadata.Framework != Framework {
				t.Errorf("Framework = %q, want %q", loaded.Metadata.Framework, Framework)
			}
			if !loaded.Metadata.CreatedAt.Equal(original.Metadata.CreatedAt) {
				t.Errorf("CreatedAt = %v, want %v", loaded.Metadata.CreatedAt, original.Metadata.CreatedAt)
			}
			if loaded.Metadata.Description != "unit test" {
				t.Errorf("Description = %q", loaded.Metadata.Description)
			}
			if n := len(loaded.ModelState["enc1.bn.num_batches_tracked"].Shape); n != 0 {
				t.Errorf("scalar entry came back with %d dimensions", n)
			}
		})
	}
}

func TestCheckpointSupersedes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.pth")
	saver := NewCheckpointSaver(FormatBinary)

	for epoch := 1; epoch <= 3; epoch++ {
		if err := saver.SaveCheckpoint(testCheckpoint(t, epoch), path); err != nil {
			t.Fatalf("SaveCheckpoint failed: %v", err)
		}
	}

	loaded, err := saver.LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if loaded.Epoch != 3 {
		t.Errorf("Epoch = %d, want 3", loaded.Epoch)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("expected only the checkpoint in %s, found %v", dir, names)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.pth"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", err)
	}
}

// binaryWithEntry encodes epoch 1 and a model state holding one entry with
// the given shape and no data field.
func binaryWithEntry(shape ...int) []byte {
	entry := protowire.AppendTag(nil, fieldEntryName, protowire.BytesType)
	entry = protowire.AppendString(entry, "w")
	var packed []byte
	for _, d := range shape {
		packed = protowire.AppendVarint(packed, uint64(int64(d)))
	}
	entry = protowire.AppendTag(entry, fieldEntryShape, protowire.BytesType)
	entry = protowire.AppendBytes(entry, packed)

	sd := protowire.AppendTag(nil, fieldEntries, protowire.BytesType)
	sd = protowire.AppendBytes(sd, entry)

	b := protowire.AppendTag(nil, fieldEpoch, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)
	b = protowire.AppendTag(b, fieldModel, protowire.BytesType)
	return protowire.AppendBytes(b, sd)
}

func TestLoadCorruptData(t *testing.T) {
	good := marshalBinary(testCheckpoint(t, 1))

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated", good[:len(good)/2]},
		{"bad json", []byte(`{"epoch": "three"}`)},
		{"json with bad tensor", []byte(`{"epoch": 1, "model_state_dict": {"w": {"shape": [2, 2], "data": [1]}}}`)},
		{"entry without data", binaryWithEntry(2, 3)},
		{"entry with huge shape", binaryWithEntry(1<<30, 1<<30)},
		{"json entry without data", []byte(`{"epoch": 1, "model_state_dict": {"w": {"shape": [2, 3]}}}`)},
		{"json entry with too much data", []byte(`{"epoch": 1, "model_state_dict": {"w": {"shape": [2], "data": [1, 2, 3]}}}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.pth")
			if err := os.WriteFile(path, tt.data, 0o644); err != nil {
				t.Fatalf("WriteFile failed: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Fatal("expected decode error")
			} else if !strings.Contains(err.Error(), "failed to decode checkpoint") {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestSaveToMissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does", "not", "exist", "model.pth")
	err := NewCheckpointSaver(FormatBinary).SaveCheckpoint(testCheckpoint(t, 1), path)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", err)
	}
}

func TestUnsupportedCheckpointFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.pth")
	err := NewCheckpointSaver(CheckpointFormat(9)).SaveCheckpoint(testCheckpoint(t, 1), path)
	if err == nil || !strings.Contains(err.Error(), "unsupported checkpoint format") {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, statErr := os.Stat(path); !errors.Is(statErr, fs.ErrNotExist) {
		t.Fatal("unsupported format left a file behind")
	}
}

func TestBinarySkipsUnknownFields(t *testing.T) {
	data := marshalBinary(testCheckpoint(t, 5))
	// field 15, varint 7
	data = append(data, 0x78, 0x07)

	c, err := unmarshalBinary(data)
	if err != nil {
		t.Fatalf("unmarshalBinary failed: %v", err)
	}
	if c.Epoch != 5 {
		t.Errorf("Epoch = %d, want 5", c.Epoch)
	}
}
