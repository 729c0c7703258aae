package training

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/tsawler/go-unet/tensor"
)

func newSampleDataset(t *testing.T, n int) *SimpleDataset {
	t.Helper()
	images := make([]*tensor.Tensor, n)
	masks := make([]*tensor.Tensor, n)
	for i := range images {
		images[i], _ = tensor.Full([]int{2, 3, 3}, float64(i))
		masks[i], _ = tensor.Full([]int{3, 3}, float64(i%2))
	}
	ds, err := NewSimpleDataset(images, masks)
	if err != nil {
		t.Fatalf("NewSimpleDataset failed: %v", err)
	}
	return ds
}

func TestDataLoaderBatches(t *testing.T) {
	dl, err := NewDataLoader(newSampleDataset(t, 5), 2, false, nil)
	if err != nil {
		t.Fatalf("NewDataLoader failed: %v", err)
	}
	if dl.Len() != 3 {
		t.Fatalf("Len = %d, want 3", dl.Len())
	}

	for epoch := 0; epoch < 2; epoch++ {
		dl.Reset()
		var sizes []int
		first := -1.0
		for dl.HasNext() {
			batch, err := dl.Next()
			if err != nil {
				t.Fatalf("Next failed: %v", err)
			}
			if first < 0 {
				first = batch.Images.Data[0]
			}
			sizes = append(sizes, batch.Size())
			if got := batch.Masks.Shape; len(got) != 4 || got[1] != 1 || got[2] != 3 || got[3] != 3 {
				t.Errorf("mask batch shape %v", got)
			}
		}
		if len(sizes) != 3 || sizes[0] != 2 || sizes[2] != 1 {
			t.Errorf("epoch %d: batch sizes %v", epoch, sizes)
		}
		if first != 0 {
			t.Errorf("epoch %d: unshuffled loader started at sample %g", epoch, first)
		}
		if batch, err := dl.Next(); batch != nil || err != nil {
			t.Errorf("exhausted loader returned %v, %v", batch, err)
		}
	}
}

func TestDataLoaderStacksSamples(t *testing.T) {
	dl, _ := NewDataLoader(newSampleDataset(t, 2), 2, false, nil)
	batch, err := dl.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if batch.Images.At(1, 1, 2, 2) != 1 || batch.Images.At(0, 0, 0, 0) != 0 {
		t.Error("images not stacked in order")
	}
	if batch.Masks.At(1, 0, 0, 0) != 1 || batch.Masks.At(0, 0, 0, 0) != 0 {
		t.Error("masks not stacked in order")
	}
}

func TestDataLoaderShuffleSeeded(t *testing.T) {
	order := func(seed int64) []float64 {
		dl, _ := NewDataLoader(newSampleDataset(t, 8), 1, true, rand.New(rand.NewSource(seed)))
		dl.Reset()
		var got []float64
		for {
			batch, err := dl.Next()
			if err != nil {
				t.Fatalf("Next failed: %v", err)
			}
			if batch == nil {
				return got
			}
			got = append(got, batch.Images.Data[0])
		}
	}

	a, b := order(5), order(5)
	seen := make(map[float64]bool)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same seed gave different orders %v vs %v", a, b)
		}
		seen[a[i]] = true
	}
	if len(seen) != 8 {
		t.Errorf("shuffle lost samples: %v", a)
	}
}

func TestDataLoaderRejectsMismatchedMask(t *testing.T) {
	image, _ := tensor.Zeros([]int{1, 4, 4})
	mask, _ := tensor.Zeros([]int{1, 4, 3})
	ds, _ := NewSimpleDataset([]*tensor.Tensor{image}, []*tensor.Tensor{mask})
	dl, _ := NewDataLoader(ds, 1, false, nil)

	if _, err := dl.Next(); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Fatalf("expected shape mismatch, got %v", err)
	}
}

func TestDataLoaderValidation(t *testing.T) {
	if _, err := NewDataLoader(nil, 1, false, nil); err == nil {
		t.Error("expected error for nil dataset")
	}
	if _, err := NewDataLoader(newSampleDataset(t, 1), 0, false, nil); err == nil {
		t.Error("expected error for zero batch size")
	}
	if _, err := NewSimpleDataset(make([]*tensor.Tensor, 2), nil); err == nil {
		t.Error("expected error for unpaired dataset")
	}
}

func TestSubsetDataset(t *testing.T) {
	base := newSampleDataset(t, 5)
	sub, err := NewSubsetDataset(base, 3)
	if err != nil {
		t.Fatalf("NewSubsetDataset failed: %v", err)
	}
	if sub.Len() != 3 {
		t.Errorf("Len = %d, want 3", sub.Len())
	}
	if _, _, err := sub.Get(3); err == nil {
		t.Error("expected out of bounds error")
	}
	if clamped, _ := NewSubsetDataset(base, 50); clamped.Len() != 5 {
		t.Errorf("limit not clamped: %d", clamped.Len())
	}
	if _, err := NewSubsetDataset(base, -1); err == nil {
		t.Error("expected error for negative limit")
	}
}
