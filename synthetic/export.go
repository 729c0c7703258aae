package synthetic

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"github.com/tsawler/go-unet/tensor"
	"github.com/tsawler/go-unet/vision/dataset"
)

// Export renders train and valid tiles into the folder layout read by
// dataset.NewCraterDataset: <dir>/{train,valid}/{images,masks}/sample_NNNNN.png.
// The valid split uses its own generator seeded with seed+1.
func Export(dir string, cfg Config, train, valid int, seed int64) error {
	splits := []struct {
		name string
		n    int
		seed int64
	}{
		{dataset.TrainDir, train, seed},
		{dataset.ValidDir, valid, seed + 1},
	}
	for _, split := range splits {
		if err := exportSplit(filepath.Join(dir, split.name), cfg, split.n, split.seed); err != nil {
			return fmt.Errorf("failed to export %s split: %w", split.name, err)
		}
	}
	return nil
}

func exportSplit(root string, cfg Config, n int, seed int64) error {
	if n <= 0 {
		return fmt.Errorf("sample count must be positive, got %d", n)
	}
	g, err := NewGenerator(cfg, seed)
	if err != nil {
		return err
	}
	imagesDir := filepath.Join(root, dataset.ImagesDir)
	masksDir := filepath.Join(root, dataset.MasksDir)
	for _, d := range []string{imagesDir, masksDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}

	for i := 0; i < n; i++ {
		img, mask, _, err := g.Sample()
		if err != nil {
			return err
		}
		name := fmt.Sprintf("sample_%05d.png", i)
		if err := writePNG(filepath.Join(imagesDir, name), ToImage(img)); err != nil {
			return err
		}
		if err := writePNG(filepath.Join(masksDir, name), ToImage(mask)); err != nil {
			return err
		}
	}
	return nil
}

// ToImage converts a (1,H,W) or (3,H,W) tensor in [0, 1] to an 8-bit image.
func ToImage(t *tensor.Tensor) image.Image {
	c, h, w := t.Shape[0], t.Shape[1], t.Shape[2]
	plane := h * w
	level := func(v float64) uint8 {
		return uint8(math.Round(math.Min(1, math.Max(0, v)) * 255))
	}

	if c == 1 {
		img := image.NewGray(image.Rect(0, 0, w, h))
		for i, v := range t.Data[:plane] {
			img.Pix[(i/w)*img.Stride+i%w] = level(v)
		}
		return img
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < plane; i++ {
		img.SetRGBA(i%w, i/w, color.RGBA{
			R: level(t.Data[i]),
			G: level(t.Data[plane+i]),
			B: level(t.Data[2*plane+i]),
			A: 255,
		})
	}
	return img
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return f.Close()
}
