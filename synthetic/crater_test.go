package synthetic

import (
	"testing"

	"github.com/tsawler/go-unet/tensor"
	"github.com/tsawler/go-unet/vision/dataset"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"tiny tile", func(c *Config) { c.Size = 2 }},
		{"two channels", func(c *Config) { c.Channels = 2 }},
		{"inverted count", func(c *Config) { c.MinCraters, c.MaxCraters = 3, 1 }},
		{"zero radius", func(c *Config) { c.MinRadius = 0 }},
		{"radius too big", func(c *Config) { c.MaxRadius = 40 }},
		{"negative noise", func(c *Config) { c.Noise = -1 }},
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestGeneratorDeterministic(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Size = 24
	cfg.MaxRadius = 6

	render := func(seed int64) (*tensor.Tensor, *tensor.Tensor) {
		g, err := NewGenerator(cfg, seed)
		if err != nil {
			t.Fatalf("NewGenerator failed: %v", err)
		}
		img, mask, _, err := g.Sample()
		if err != nil {
			t.Fatalf("Sample failed: %v", err)
		}
		return img, mask
	}

	img1, mask1 := render(42)
	img2, mask2 := render(42)
	if !tensor.AllClose(img1, img2, 0) || !tensor.AllClose(mask1, mask2, 0) {
		t.Error("same seed rendered different tiles")
	}
	img3, _ := render(43)
	if tensor.AllClose(img1, img3, 0) {
		t.Error("different seeds rendered identical tiles")
	}
}

func TestSampleMaskMatchesCraters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Channels = 3
	g, err := NewGenerator(cfg, 1)
	if err != nil {
		t.Fatalf("NewGenerator failed: %v", err)
	}
	img, mask, craters, err := g.Sample()
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	if img.Shape[0] != 3 || mask.Shape[0] != 1 {
		t.Fatalf("shapes %v / %v", img.Shape, mask.Shape)
	}
	if n := len(craters); n < cfg.MinCraters || n > cfg.MaxCraters {
		t.Fatalf("%d craters outside [%d, %d]", n, cfg.MinCraters, cfg.MaxCraters)
	}

	s := cfg.Size
	for y := 0; y < s; y++ {
		for x := 0; x < s; x++ {
			inside := false
			for _, c := range craters {
				if c.contains(float64(x)+0.5, float64(y)+0.5) {
					inside = true
				}
			}
			if got := mask.Data[y*s+x] == 1; got != inside {
				t.Fatalf("mask(%d,%d) = %v, want %v", y, x, got, inside)
			}
		}
	}

	plane := s * s
	for i := 0; i < plane; i++ {
		v := img.Data[i]
		if v < 0 || v > 1 {
			t.Fatalf("pixel %d = %v outside [0, 1]", i, v)
		}
		if img.Data[plane+i] != v || img.Data[2*plane+i] != v {
			t.Fatalf("channels differ at %d", i)
		}
	}
}

func TestNewDataset(t *testing.T) {
	ds, err := NewDataset(DefaultConfig(), 3, 5)
	if err != nil {
		t.Fatalf("NewDataset failed: %v", err)
	}
	if ds.Len() != 3 {
		t.Errorf("Len() = %d, want 3", ds.Len())
	}
	if _, _, err := ds.Get(3); err == nil {
		t.Error("expected out of range error")
	}
	if ds.Key(0) == ds.Key(1) {
		t.Error("keys must be unique")
	}
	other, err := NewDataset(DefaultConfig(), 1, 6)
	if err != nil {
		t.Fatal(err)
	}
	if other.Key(0) == ds.Key(0) {
		t.Error("datasets with different seeds share a key")
	}
	if _, err := NewDataset(DefaultConfig(), 0, 5); err == nil {
		t.Error("expected error for zero samples")
	}
}

func TestExportRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Size = 16
	cfg.MaxRadius = 4
	if err := Export(dir, cfg, 3, 2, 9); err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	loaded, err := dataset.NewCraterDataset(dir, dataset.Config{Channels: 1}, 0)
	if err != nil {
		t.Fatalf("NewCraterDataset failed: %v", err)
	}
	if loaded.Train.Len() != 3 || loaded.Valid.Len() != 2 {
		t.Fatalf("sizes %d/%d, want 3/2", loaded.Train.Len(), loaded.Valid.Len())
	}

	g, _ := NewGenerator(cfg, 9)
	wantImg, wantMask, _, _ := g.Sample()
	img, mask, err := loaded.Train.Get(0)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !tensor.AllClose(mask, wantMask, 0) {
		t.Error("mask changed through export")
	}
	// 8-bit quantisation
	if !tensor.AllClose(img, wantImg, 1.0/255) {
		t.Error("image changed through export beyond quantisation")
	}
}
