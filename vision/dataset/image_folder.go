package dataset

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tsawler/go-unet/tensor"
	"github.com/tsawler/go-unet/vision/preprocessing"
)

// Sub-directories holding the inputs and the masks of a segmentation folder.
const (
	ImagesDir = "images"
	MasksDir  = "masks"
)

// DefaultExtensions lists the image file extensions picked up by default.
var DefaultExtensions = []string{".png", ".jpg", ".jpeg"}

// Config controls how a folder dataset decodes its samples.
type Config struct {
	ImageSize  int // Side length after resizing; 0 keeps the source size
	Channels   int // 1 or 3
	Extensions []string
}

// ImageFolderDataset pairs every file in <root>/images with the file of the
// same stem in <root>/masks.
type ImageFolderDataset struct {
	root       string
	imagePaths []string
	maskPaths  []string
	channels   int
	processor  *preprocessing.ImageProcessor
}

// NewImageFolderDataset scans root for image/mask pairs. Images without a
// mask are an error; masks without an image are ignored.
func NewImageFolderDataset(root string, cfg Config) (*ImageFolderDataset, error) {
	if cfg.Channels == 0 {
		cfg.Channels = 3
	}
	if cfg.Channels != 1 && cfg.Channels != 3 {
		return nil, fmt.Errorf("unsupported channel count %d", cfg.Channels)
	}
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = DefaultExtensions
	}

	images, err := listImages(filepath.Join(root, ImagesDir), cfg.Extensions)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	masks, err := listImages(filepath.Join(root, MasksDir), cfg.Extensions)
	if err != nil {
		return nil, fmt.Errorf("failed to list masks: %w", err)
	}

	maskByStem := make(map[string]string, len(masks))
	for _, m := range masks {
		maskByStem[stem(m)] = m
	}

	dataset := &ImageFolderDataset{
		root:      root,
		channels:  cfg.Channels,
		processor: preprocessing.NewImageProcessor(cfg.ImageSize),
	}
	var missing []string
	for _, img := range images {
		mask, ok := maskByStem[stem(img)]
		if !ok {
			missing = append(missing, filepath.Base(img))
			continue
		}
		dataset.imagePaths = append(dataset.imagePaths, img)
		dataset.maskPaths = append(dataset.maskPaths, mask)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("no mask found for %d images in %s: %v", len(missing), root, missing)
	}
	if len(dataset.imagePaths) == 0 {
		return nil, fmt.Errorf("no images found in %s", root)
	}
	return dataset, nil
}

// listImages returns the sorted files in dir with one of extensions.
func listImages(dir string, extensions []string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		for _, want := range extensions {
			if ext == want {
				files = append(files, filepath.Join(dir, e.Name()))
				break
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Len returns the number of items in the dataset
func (d *ImageFolderDataset) Len() int {
	return len(d.imagePaths)
}

// Root returns the directory the dataset was loaded from.
func (d *ImageFolderDataset) Root() string {
	return d.root
}

// Channels returns the number of image channels produced by Get.
func (d *ImageFolderDataset) Channels() int {
	return d.channels
}

// Paths returns the image and mask file of the given index.
func (d *ImageFolderDataset) Paths(index int) (imagePath, maskPath string, err error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", "", fmt.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return d.imagePaths[index], d.maskPaths[index], nil
}

// Key identifies a sample for caching.
func (d *ImageFolderDataset) Key(index int) string {
	if index < 0 || index >= len(d.imagePaths) {
		return ""
	}
	return d.imagePaths[index]
}

// Get decodes the image (C,H,W) and its binary mask (1,H,W).
func (d *ImageFolderDataset) Get(index int) (*tensor.Tensor, *tensor.Tensor, error) {
	imagePath, maskPath, err := d.Paths(index)
	if err != nil {
		return nil, nil, err
	}
	image, err := d.processor.LoadImage(imagePath, d.channels)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load image: %w", err)
	}
	mask, err := d.processor.LoadMask(maskPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load mask: %w", err)
	}
	return image, mask, nil
}

// Split divides the dataset into train and validation parts. The order is
// shuffled with seed, so equal seeds give equal splits.
func (d *ImageFolderDataset) Split(trainRatio float64, seed int64) (*ImageFolderDataset, *ImageFolderDataset, error) {
	if trainRatio <= 0 || trainRatio >= 1 {
		return nil, nil, fmt.Errorf("train ratio must be in (0, 1): %f", trainRatio)
	}
	n := len(d.imagePaths)
	trainSize := int(float64(n) * trainRatio)
	if trainSize == 0 || trainSize == n {
		return nil, nil, fmt.Errorf("cannot split %d samples with ratio %.2f", n, trainRatio)
	}

	indices := rand.New(rand.NewSource(seed)).Perm(n)
	return d.Subset(indices[:trainSize]), d.Subset(indices[trainSize:]), nil
}

// Subset creates a subset of the dataset with the specified indices
func (d *ImageFolderDataset) Subset(indices []int) *ImageFolderDataset {
	subset := &ImageFolderDataset{
		root:       d.root,
		imagePaths: make([]string, len(indices)),
		maskPaths:  make([]string, len(indices)),
		channels:   d.channels,
		processor:  preprocessing.NewImageProcessor(d.processor.TargetSize()),
	}

	for i, idx := range indices {
		subset.imagePaths[i] = d.imagePaths[idx]
		subset.maskPaths[i] = d.maskPaths[idx]
	}

	return subset
}

// String returns a string representation of the dataset
func (d *ImageFolderDataset) String() string {
	size := "source size"
	if s := d.processor.TargetSize(); s > 0 {
		size = fmt.Sprintf("%dx%d", s, s)
	}
	return fmt.Sprintf("ImageFolderDataset: %d samples, %d channels, %s, root %s",
		len(d.imagePaths), d.channels, size, d.root)
}
