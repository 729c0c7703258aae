package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tsawler/go-unet/vision/dataset"
)

func TestRunExportsLoadableDataset(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	var out bytes.Buffer
	if err := run([]string{"-out", dir, "-samples", "8", "-size", "16", "-seed", "3"}, &out); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.Contains(out.String(), "8 train and 2 valid") {
		t.Errorf("unexpected output %q", out.String())
	}

	ds, err := dataset.NewCraterDataset(dir, dataset.Config{Channels: 1}, 0)
	if err != nil {
		t.Fatalf("NewCraterDataset failed: %v", err)
	}
	if ds.Train.Len() != 8 || ds.Valid.Len() != 2 {
		t.Errorf("got %d/%d pairs, want 8/2", ds.Train.Len(), ds.Valid.Len())
	}
}

func TestRunRejectsBadArguments(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"zero samples", []string{"-samples", "0"}},
		{"bad channels", []string{"-channels", "2", "-out", t.TempDir()}},
		{"unknown flag", []string{"-nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			if err := run(tt.args, &out); err == nil {
				t.Error("expected error")
			}
		})
	}
}
