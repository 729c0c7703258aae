// Package config holds the run configuration of the training driver. A JSON
// file overrides the defaults and command-line flags override the file.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/tsawler/go-unet/checkpoints"
	"github.com/tsawler/go-unet/device"
	"github.com/tsawler/go-unet/layers"
	"github.com/tsawler/go-unet/optimizer"
	"github.com/tsawler/go-unet/training"
)

// OptimizerConfig is the JSON form of optimizer.Config.
type OptimizerConfig struct {
	Name         string  `json:"name"` // sgd, adam, rmsprop
	LearningRate float64 `json:"learning_rate"`
	Momentum     float64 `json:"momentum"`
	WeightDecay  float64 `json:"weight_decay"`
	Nesterov     bool    `json:"nesterov"`
	Beta1        float64 `json:"beta1"`
	Beta2        float64 `json:"beta2"`
	Epsilon      float64 `json:"epsilon"`
	Alpha        float64 `json:"alpha"`
}

// ModelConfig is the JSON form of layers.UNetConfig.
type ModelConfig struct {
	InChannels   int `json:"in_channels"`
	OutChannels  int `json:"out_channels"`
	BaseFeatures int `json:"base_features"`
	Depth        int `json:"depth"`
}

// SyntheticConfig sizes the generated dataset used when no data directory
// is given.
type SyntheticConfig struct {
	TrainSamples int `json:"train_samples"`
	ValidSamples int `json:"valid_samples"`
}

// Config is a complete training run.
type Config struct {
	RunName  string `json:"run_name,omitempty"` // defaults to the start timestamp
	DataDir  string `json:"data_dir,omitempty"` // <dir>/{train,valid}/{images,masks}; empty means synthetic
	Channels int    `json:"channels"`
	// ImageSize resizes every sample; 0 keeps the source size.
	ImageSize  int             `json:"image_size"`
	MaxSamples int             `json:"max_samples"`
	CacheSize  int             `json:"cache_size"`
	Prefetch   int             `json:"prefetch"` // batches loaded ahead; 0 loads in the training goroutine
	Synthetic  SyntheticConfig `json:"synthetic"`

	Model     ModelConfig              `json:"model"`
	Optimizer OptimizerConfig          `json:"optimizer"`
	Scheduler training.SchedulerConfig `json:"scheduler"`
	Loss      string                   `json:"loss"`

	Epochs           int    `json:"epochs"`
	BatchSize        int    `json:"batch_size"`
	SaveInterval     int    `json:"save_interval"`
	SavePath         string `json:"save_path"`
	CheckpointFormat string `json:"checkpoint_format"` // binary or json
	Resume           string `json:"resume,omitempty"`

	Device  string `json:"device"`
	Seed    int64  `json:"seed"`
	History string `json:"history,omitempty"` // SQLite file
	Monitor string `json:"monitor,omitempty"` // listen address
	Plot    string `json:"plot,omitempty"`    // curves image written after every epoch
}

// Default returns the configuration used for anything a file or flag does
// not set.
func Default() Config {
	unet := layers.DefaultUNetConfig()
	sgd := optimizer.DefaultSGDConfig()
	return Config{
		Channels:  1,
		ImageSize: 64,
		Synthetic: SyntheticConfig{TrainSamples: 64, ValidSamples: 16},
		Model: ModelConfig{
			InChannels:   1,
			OutChannels:  unet.OutChannels,
			BaseFeatures: unet.BaseFeatures,
			Depth:        unet.Depth,
		},
		Optimizer: OptimizerConfig{
			Name:         "sgd",
			LearningRate: sgd.LearningRate,
			Momentum:     sgd.Momentum,
			WeightDecay:  sgd.WeightDecay,
			Nesterov:     sgd.Nesterov,
		},
		Scheduler:        training.SchedulerConfig{Name: "step", StepSize: 1, Gamma: 0.5},
		Loss:             "bce",
		Epochs:           10,
		BatchSize:        4,
		SaveInterval:     50,
		SavePath:         "checkpoints",
		CheckpointFormat: "binary",
		Device:           "cpu",
		Seed:             42,
	}
}

// Load reads path over the defaults. Unknown fields are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Write stores cfg as indented JSON.
func (c Config) Write(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate checks the run configuration
func (c Config) Validate() error {
	if c.Channels != 1 && c.Channels != 3 {
		return fmt.Errorf("channels must be 1 or 3, got %d", c.Channels)
	}
	if c.Model.InChannels != c.Channels {
		return fmt.Errorf("model in_channels %d does not match data channels %d", c.Model.InChannels, c.Channels)
	}
	if c.Model.OutChannels != 1 {
		return fmt.Errorf("binary segmentation needs out_channels 1, got %d", c.Model.OutChannels)
	}
	if c.Model.BaseFeatures <= 0 || c.Model.Depth <= 0 {
		return fmt.Errorf("model base_features and depth must be positive")
	}
	if c.ImageSize < 0 {
		return fmt.Errorf("image size cannot be negative: %d", c.ImageSize)
	}
	if c.ImageSize > 0 && c.ImageSize%(1<<c.Model.Depth) != 0 {
		return fmt.Errorf("image size %d must be divisible by 2^depth (%d)", c.ImageSize, 1<<c.Model.Depth)
	}
	if c.Prefetch < 0 {
		return fmt.Errorf("prefetch cannot be negative: %d", c.Prefetch)
	}
	if c.DataDir == "" && (c.Synthetic.TrainSamples <= 0 || c.Synthetic.ValidSamples <= 0) {
		return fmt.Errorf("synthetic sample counts must be positive")
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be positive, got %d", c.Epochs)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.SaveInterval <= 0 {
		return fmt.Errorf("save interval must be positive, got %d", c.SaveInterval)
	}
	if c.SavePath == "" {
		return fmt.Errorf("save path cannot be empty")
	}
	if c.Optimizer.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be positive, got %g", c.Optimizer.LearningRate)
	}
	if _, err := optimizer.ParseType(c.Optimizer.Name); err != nil {
		return err
	}
	if _, err := training.NewLRScheduler(c.Scheduler); err != nil {
		return err
	}
	if _, err := training.NewLoss(c.Loss); err != nil {
		return err
	}
	if _, err := c.Format(); err != nil {
		return err
	}
	if _, err := device.Parse(c.Device); err != nil {
		return err
	}
	return nil
}

// UNet returns the network configuration.
func (c Config) UNet() layers.UNetConfig {
	return layers.UNetConfig{
		InChannels:   c.Model.InChannels,
		OutChannels:  c.Model.OutChannels,
		BaseFeatures: c.Model.BaseFeatures,
		Depth:        c.Model.Depth,
	}
}

// OptimizerSettings converts the optimizer section, filling the family
// defaults for unset Adam and RMSProp fields.
func (c Config) OptimizerSettings() (optimizer.Config, error) {
	typ, err := optimizer.ParseType(c.Optimizer.Name)
	if err != nil {
		return optimizer.Config{}, err
	}
	o := optimizer.Config{
		Type:         typ,
		LearningRate: c.Optimizer.LearningRate,
		Momentum:     c.Optimizer.Momentum,
		WeightDecay:  c.Optimizer.WeightDecay,
		Nesterov:     c.Optimizer.Nesterov,
		Beta1:        c.Optimizer.Beta1,
		Beta2:        c.Optimizer.Beta2,
		Epsilon:      c.Optimizer.Epsilon,
		Alpha:        c.Optimizer.Alpha,
	}
	switch typ {
	case optimizer.Adam:
		def := optimizer.DefaultAdamConfig()
		if o.Beta1 == 0 {
			o.Beta1 = def.Beta1
		}
		if o.Beta2 == 0 {
			o.Beta2 = def.Beta2
		}
		if o.Epsilon == 0 {
			o.Epsilon = def.Epsilon
		}
	case optimizer.RMSProp:
		def := optimizer.DefaultRMSPropConfig()
		if o.Alpha == 0 {
			o.Alpha = def.Alpha
		}
		if o.Epsilon == 0 {
			o.Epsilon = def.Epsilon
		}
	}
	return o, nil
}

// Format resolves the checkpoint format name.
func (c Config) Format() (checkpoints.CheckpointFormat, error) {
	switch strings.ToLower(c.CheckpointFormat) {
	case "", "binary":
		return checkpoints.FormatBinary, nil
	case "json":
		return checkpoints.FormatJSON, nil
	default:
		return 0, fmt.Errorf("unknown checkpoint format %q", c.CheckpointFormat)
	}
}
