package training

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/tsawler/go-unet/tensor"
)

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int                                                           // Total number of samples
	Get(idx int) (image *tensor.Tensor, mask *tensor.Tensor, err error) // (C,H,W) image and (1,H,W) or (H,W) mask
}

// DataSource is a finite, restartable sequence of batches. Next returns
// nil, nil once the epoch is exhausted.
type DataSource interface {
	Len() int
	Reset()
	Next() (*Batch, error)
}

// Batch is a pair of (B,C,H,W) images and (B,1,H,W) masks.
type Batch struct {
	Images *tensor.Tensor
	Masks  *tensor.Tensor
}

// Size returns the number of samples in the batch
func (b *Batch) Size() int {
	if b == nil || b.Images == nil || len(b.Images.Shape) == 0 {
		return 0
	}
	return b.Images.Shape[0]
}

// DataLoader provides batching and shuffling over a Dataset
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	indices   []int
	position  int
	mutex     sync.Mutex
}

// NewDataLoader creates a new DataLoader. A nil rng falls back to the
// global source when shuffling.
func NewDataLoader(dataset Dataset, batchSize int, shuffle bool, rng *rand.Rand) (*DataLoader, error) {
	if dataset == nil {
		return nil, fmt.Errorf("dataset cannot be nil")
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rng,
		indices:   indices,
	}, nil
}

// BatchSize returns the configured batch size
func (dl *DataLoader) BatchSize() int {
	return dl.batchSize
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (len(dl.indices) + dl.batchSize - 1) / dl.batchSize
}

// Reset rewinds the loader for a new epoch, reshuffling if enabled
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0

	if dl.shuffle {
		swap := func(i, j int) { dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i] }
		if dl.rng != nil {
			dl.rng.Shuffle(len(dl.indices), swap)
		} else {
			rand.Shuffle(len(dl.indices), swap)
		}
	}
}

// Next returns the next batch or nil if epoch is complete
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, nil // End of epoch
	}

	batchEnd := min(dl.position+dl.batchSize, len(dl.indices))
	batchIndices := dl.indices[dl.position:batchEnd]
	dl.position = batchEnd

	batch, err := dl.loadBatch(batchIndices)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}
	return batch, nil
}

// HasNext returns true if there are more batches in the current epoch
func (dl *DataLoader) HasNext() bool {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.position < len(dl.indices)
}

// loadBatch stacks the samples at indices into batched tensors
func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	if len(indices) == 0 {
		return nil, fmt.Errorf("empty batch indices")
	}

	var images, masks *tensor.Tensor
	for i, idx := range indices {
		image, mask, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %w", idx, err)
		}
		mask, err = sampleMask(image, mask)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", idx, err)
		}

		if i == 0 {
			if images, err = tensor.Zeros(append([]int{len(indices)}, image.Shape...)); err != nil {
				return nil, fmt.Errorf("failed to create batch image tensor: %w", err)
			}
			if masks, err = tensor.Zeros(append([]int{len(indices)}, mask.Shape...)); err != nil {
				return nil, fmt.Errorf("failed to create batch mask tensor: %w", err)
			}
		}

		if err := copyInto(images, image, i); err != nil {
			return nil, fmt.Errorf("failed to copy image for sample %d: %w", idx, err)
		}
		if err := copyInto(masks, mask, i); err != nil {
			return nil, fmt.Errorf("failed to copy mask for sample %d: %w", idx, err)
		}
	}

	return &Batch{Images: images, Masks: masks}, nil
}

// sampleMask checks that mask covers the image's spatial grid and returns it
// as (1,H,W).
func sampleMask(image, mask *tensor.Tensor) (*tensor.Tensor, error) {
	if len(image.Shape) != 3 {
		return nil, fmt.Errorf("image must be (C,H,W), got %v: %w", image.Shape, tensor.ErrShapeMismatch)
	}
	h, w := image.Shape[1], image.Shape[2]

	switch {
	case len(mask.Shape) == 2 && mask.Shape[0] == h && mask.Shape[1] == w:
		return mask.Reshape([]int{1, h, w})
	case len(mask.Shape) == 3 && mask.Shape[0] == 1 && mask.Shape[1] == h && mask.Shape[2] == w:
		return mask, nil
	}
	return nil, fmt.Errorf("mask shape %v does not match image %v: %w", mask.Shape, image.Shape, tensor.ErrShapeMismatch)
}

// copyInto copies a sample tensor into a specific position in the batch tensor
func copyInto(batchTensor, sampleTensor *tensor.Tensor, batchIndex int) error {
	sampleSize := len(sampleTensor.Data)
	if sampleSize*batchTensor.Shape[0] != len(batchTensor.Data) {
		return fmt.Errorf("sample shape %v does not fit batch %v: %w",
			sampleTensor.Shape, batchTensor.Shape, tensor.ErrShapeMismatch)
	}
	offset := batchIndex * sampleSize
	copy(batchTensor.Data[offset:offset+sampleSize], sampleTensor.Data)
	return nil
}

// SimpleDataset provides a basic in-memory implementation of Dataset
type SimpleDataset struct {
	images []*tensor.Tensor
	masks  []*tensor.Tensor
}

// NewSimpleDataset creates a dataset from parallel image and mask slices
func NewSimpleDataset(images, masks []*tensor.Tensor) (*SimpleDataset, error) {
	if len(images) != len(masks) {
		return nil, fmt.Errorf("images and masks must have same length: %d vs %d", len(images), len(masks))
	}
	return &SimpleDataset{images: images, masks: masks}, nil
}

// Len returns the number of samples
func (ds *SimpleDataset) Len() int {
	return len(ds.images)
}

// Get returns the sample at idx
func (ds *SimpleDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	if idx < 0 || idx >= len(ds.images) {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(ds.images))
	}
	return ds.images[idx], ds.masks[idx], nil
}

// SubsetDataset exposes at most limit samples of an underlying dataset.
type SubsetDataset struct {
	originalDataset Dataset
	limit           int
}

// NewSubsetDataset wraps original, clamping limit to its length.
func NewSubsetDataset(original Dataset, limit int) (*SubsetDataset, error) {
	if limit < 0 {
		return nil, fmt.Errorf("limit cannot be negative")
	}
	return &SubsetDataset{
		originalDataset: original,
		limit:           min(limit, original.Len()),
	}, nil
}

// Len returns the number of exposed samples
func (sd *SubsetDataset) Len() int {
	return sd.limit
}

// Get returns a sample at the given index from the original dataset.
func (sd *SubsetDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	if idx < 0 || idx >= sd.limit {
		return nil, nil, fmt.Errorf("index out of bounds for subset: %d (limit: %d)", idx, sd.limit)
	}
	return sd.originalDataset.Get(idx)
}
