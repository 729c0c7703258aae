// Package synthetic renders crater-like terrain tiles with their ground-truth
// segmentation masks, for smoke runs and tests without a real dataset.
package synthetic

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-unet/tensor"
)

// Config controls tile rendering.
type Config struct {
	Size       int // Tile side length in pixels
	Channels   int // 1 or 3; colour tiles repeat the grey level
	MinCraters int // Craters per tile, inclusive range
	MaxCraters int
	MinRadius  float64 // Crater radius in pixels, inclusive range
	MaxRadius  float64
	Noise      float64 // Standard deviation of the terrain noise
}

// DefaultConfig returns 64x64 single channel tiles with one to four craters.
func DefaultConfig() Config {
	return Config{
		Size:       64,
		Channels:   1,
		MinCraters: 1,
		MaxCraters: 4,
		MinRadius:  3,
		MaxRadius:  10,
		Noise:      0.03,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.Size < 4:
		return fmt.Errorf("tile size must be at least 4, got %d", c.Size)
	case c.Channels != 1 && c.Channels != 3:
		return fmt.Errorf("unsupported channel count %d", c.Channels)
	case c.MinCraters < 0 || c.MaxCraters < c.MinCraters:
		return fmt.Errorf("invalid crater count range [%d, %d]", c.MinCraters, c.MaxCraters)
	case c.MinRadius <= 0 || c.MaxRadius < c.MinRadius:
		return fmt.Errorf("invalid crater radius range [%g, %g]", c.MinRadius, c.MaxRadius)
	case c.MaxRadius*2 >= float64(c.Size):
		return fmt.Errorf("max radius %g does not fit a %d pixel tile", c.MaxRadius, c.Size)
	case c.Noise < 0:
		return fmt.Errorf("noise cannot be negative: %g", c.Noise)
	}
	return nil
}

// Crater is a circular depression centred at (X, Y).
type Crater struct {
	X, Y   float64
	Radius float64
}

func (c Crater) contains(x, y float64) bool {
	dx, dy := x-c.X, y-c.Y
	return dx*dx+dy*dy <= c.Radius*c.Radius
}

// Generator draws tiles from a seeded source, so equal seeds render equal
// sequences of tiles.
type Generator struct {
	cfg Config
	rng *rand.Rand
}

// NewGenerator validates cfg and seeds the generator.
func NewGenerator(cfg Config, seed int64) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Generator{cfg: cfg, rng: rand.New(rand.NewSource(seed))}, nil
}

// Config returns the rendering configuration.
func (g *Generator) Config() Config {
	return g.cfg
}

// Sample renders one tile. The image is (C,S,S) in [0, 1] and the mask is
// (1,S,S) with 1 inside a crater.
func (g *Generator) Sample() (image, mask *tensor.Tensor, craters []Crater, err error) {
	cfg := g.cfg
	s := cfg.Size

	n := cfg.MinCraters + g.rng.Intn(cfg.MaxCraters-cfg.MinCraters+1)
	craters = make([]Crater, n)
	for i := range craters {
		r := cfg.MinRadius + g.rng.Float64()*(cfg.MaxRadius-cfg.MinRadius)
		craters[i] = Crater{
			X:      r + g.rng.Float64()*(float64(s)-2*r),
			Y:      r + g.rng.Float64()*(float64(s)-2*r),
			Radius: r,
		}
	}

	base := 0.4 + 0.2*g.rng.Float64()
	grey := make([]float64, s*s)
	if mask, err = tensor.Zeros([]int{1, s, s}); err != nil {
		return nil, nil, nil, err
	}

	for y := 0; y < s; y++ {
		for x := 0; x < s; x++ {
			px, py := float64(x)+0.5, float64(y)+0.5
			v := base + cfg.Noise*g.rng.NormFloat64()
			for _, c := range craters {
				v += shade(c, px, py)
				if c.contains(px, py) {
					mask.Data[y*s+x] = 1
				}
			}
			grey[y*s+x] = math.Min(1, math.Max(0, v))
		}
	}

	if image, err = tensor.Zeros([]int{cfg.Channels, s, s}); err != nil {
		return nil, nil, nil, err
	}
	for ch := 0; ch < cfg.Channels; ch++ {
		copy(image.Data[ch*s*s:(ch+1)*s*s], grey)
	}
	return image, mask, craters, nil
}

// shade is the brightness offset crater c adds at (x, y): a floor that is
// lit from the left and a bright raised rim just outside the edge.
func shade(c Crater, x, y float64) float64 {
	dx, dy := x-c.X, y-c.Y
	d := math.Hypot(dx, dy) / c.Radius
	switch {
	case d <= 1:
		return -0.25 + 0.15*dx/c.Radius
	case d <= 1.25:
		return 0.2 * (1.25 - d) / 0.25
	default:
		return 0
	}
}

// Dataset is an in-memory set of rendered tiles.
type Dataset struct {
	seed   int64
	images []*tensor.Tensor
	masks  []*tensor.Tensor
}

// NewDataset renders n tiles with a generator seeded by seed.
func NewDataset(cfg Config, n int, seed int64) (*Dataset, error) {
	if n <= 0 {
		return nil, fmt.Errorf("sample count must be positive, got %d", n)
	}
	g, err := NewGenerator(cfg, seed)
	if err != nil {
		return nil, err
	}
	ds := &Dataset{
		seed:   seed,
		images: make([]*tensor.Tensor, n),
		masks:  make([]*tensor.Tensor, n),
	}
	for i := 0; i < n; i++ {
		if ds.images[i], ds.masks[i], _, err = g.Sample(); err != nil {
			return nil, fmt.Errorf("failed to render sample %d: %w", i, err)
		}
	}
	return ds, nil
}

// Len returns the number of tiles.
func (ds *Dataset) Len() int {
	return len(ds.images)
}

// Key identifies a tile for caching. Datasets drawn with different seeds
// never share keys.
func (ds *Dataset) Key(idx int) string {
	return fmt.Sprintf("synthetic-%d-%d", ds.seed, idx)
}

// Get returns the tile at idx.
func (ds *Dataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	if idx < 0 || idx >= len(ds.images) {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(ds.images))
	}
	return ds.images[idx], ds.masks[idx], nil
}
