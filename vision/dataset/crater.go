package dataset

import (
	"fmt"
	"path/filepath"
)

// Split directories written by the synthetic generator and expected by the
// training driver.
const (
	TrainDir = "train"
	ValidDir = "valid"
)

// CraterDataset bundles the train and validation folders of a crater
// segmentation dataset laid out as <dataDir>/{train,valid}/{images,masks}.
type CraterDataset struct {
	Train *ImageFolderDataset
	Valid *ImageFolderDataset
}

// NewCraterDataset loads both splits. maxSamples > 0 keeps only the first
// maxSamples pairs of each split.
func NewCraterDataset(dataDir string, cfg Config, maxSamples int) (*CraterDataset, error) {
	train, err := NewImageFolderDataset(filepath.Join(dataDir, TrainDir), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load train split: %w", err)
	}
	valid, err := NewImageFolderDataset(filepath.Join(dataDir, ValidDir), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load valid split: %w", err)
	}

	return &CraterDataset{
		Train: limit(train, maxSamples),
		Valid: limit(valid, maxSamples),
	}, nil
}

func limit(d *ImageFolderDataset, maxSamples int) *ImageFolderDataset {
	if maxSamples <= 0 || maxSamples >= d.Len() {
		return d
	}
	indices := make([]int, maxSamples)
	for i := range indices {
		indices[i] = i
	}
	return d.Subset(indices)
}

// Summary returns a summary of the dataset
func (d *CraterDataset) Summary() string {
	return fmt.Sprintf("Crater Dataset: %d train pairs, %d valid pairs",
		d.Train.Len(), d.Valid.Len())
}
