package preprocessing

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"sync"

	"github.com/tsawler/go-unet/tensor"
)

// MaskThreshold is the normalised intensity at or above which a mask pixel
// counts as foreground.
const MaskThreshold = 0.5

// ImageProcessor decodes PNG/JPEG images and converts them to CHW tensors
// normalised to [0, 1], resized with nearest-neighbour sampling.
type ImageProcessor struct {
	mu         sync.Mutex
	resized    *image.RGBA
	targetSize int
}

// NewImageProcessor creates a processor producing targetSize x targetSize
// tensors. A targetSize of 0 keeps the source resolution.
func NewImageProcessor(targetSize int) *ImageProcessor {
	return &ImageProcessor{
		targetSize: targetSize,
	}
}

// TargetSize returns the output side length, 0 when images keep their size.
func (p *ImageProcessor) TargetSize() int {
	return p.targetSize
}

// DecodeAndPreprocess decodes an image and returns a (channels, H, W) tensor.
// channels must be 1 (luminance) or 3 (RGB).
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader, channels int) (*tensor.Tensor, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return p.Preprocess(img, channels)
}

// DecodeMask decodes a mask image and returns a (1, H, W) tensor holding 0
// or 1 per pixel.
func (p *ImageProcessor) DecodeMask(reader io.Reader) (*tensor.Tensor, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode mask: %w", err)
	}
	mask, err := p.Preprocess(img, 1)
	if err != nil {
		return nil, err
	}
	Binarize(mask, MaskThreshold)
	return mask, nil
}

// Preprocess resizes img and converts it to a (channels, H, W) tensor.
func (p *ImageProcessor) Preprocess(img image.Image, channels int) (*tensor.Tensor, error) {
	if channels != 1 && channels != 3 {
		return nil, fmt.Errorf("unsupported channel count %d", channels)
	}
	bounds := img.Bounds()
	if bounds.Empty() {
		return nil, fmt.Errorf("empty image")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	src := p.resize(img)
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h

	out, err := tensor.Zeros([]int{channels, h, w})
	if err != nil {
		return nil, err
	}
	data := out.Data
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := y*w + x
			c := src.RGBAAt(b.Min.X+x, b.Min.Y+y)
			if channels == 1 {
				g := color.GrayModel.Convert(c).(color.Gray)
				data[idx] = float64(g.Y) / 255
				continue
			}
			data[idx] = float64(c.R) / 255
			data[plane+idx] = float64(c.G) / 255
			data[2*plane+idx] = float64(c.B) / 255
		}
	}
	return out, nil
}

// resize samples img onto the reusable RGBA buffer. The caller holds p.mu.
func (p *ImageProcessor) resize(img image.Image) *image.RGBA {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	tw, th := p.targetSize, p.targetSize
	if p.targetSize <= 0 {
		tw, th = width, height
	}

	if p.resized == nil || p.resized.Bounds().Dx() != tw || p.resized.Bounds().Dy() != th {
		p.resized = image.NewRGBA(image.Rect(0, 0, tw, th))
	}
	dst := p.resized

	scaleX := float64(width) / float64(tw)
	scaleY := float64(height) / float64(th)
	for y := 0; y < th; y++ {
		srcY := int(float64(y) * scaleY)
		if srcY >= height {
			srcY = height - 1
		}
		for x := 0; x < tw; x++ {
			srcX := int(float64(x) * scaleX)
			if srcX >= width {
				srcX = width - 1
			}
			dst.Set(x, y, img.At(bounds.Min.X+srcX, bounds.Min.Y+srcY))
		}
	}
	return dst
}

// Binarize sets every element of t to 1 when it is at least threshold and
// to 0 otherwise.
func Binarize(t *tensor.Tensor, threshold float64) {
	for i, v := range t.Data {
		if v >= threshold {
			t.Data[i] = 1
		} else {
			t.Data[i] = 0
		}
	}
}

// LoadImage reads and preprocesses the image file at path.
func (p *ImageProcessor) LoadImage(path string, channels int) (*tensor.Tensor, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	t, err := p.DecodeAndPreprocess(file, channels)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// LoadMask reads and binarises the mask file at path.
func (p *ImageProcessor) LoadMask(path string) (*tensor.Tensor, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	t, err := p.DecodeMask(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// PreprocessBatch loads images concurrently. Each worker owns its processor.
func PreprocessBatch(imagePaths []string, targetSize, channels, maxWorkers int) ([]*tensor.Tensor, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	results := make([]*tensor.Tensor, len(imagePaths))
	errs := make([]error, len(imagePaths))

	type job struct {
		index int
		path  string
	}

	jobs := make(chan job, len(imagePaths))
	var wg sync.WaitGroup

	for w := 0; w < maxWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			processor := NewImageProcessor(targetSize)
			for j := range jobs {
				results[j.index], errs[j.index] = processor.LoadImage(j.path, channels)
			}
		}()
	}

	for i, path := range imagePaths {
		jobs <- job{index: i, path: path}
	}
	close(jobs)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("failed to process image %d: %w", i, err)
		}
	}
	return results, nil
}
