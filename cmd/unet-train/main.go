// Command unet-train trains a residual U-Net on paired image/mask folders or
// on generated crater tiles.
//
//	unet-train -config run.json -data ./data -epochs 20 -history runs.db -monitor :8080
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/tsawler/go-unet/async"
	"github.com/tsawler/go-unet/config"
	"github.com/tsawler/go-unet/device"
	"github.com/tsawler/go-unet/history"
	"github.com/tsawler/go-unet/layers"
	"github.com/tsawler/go-unet/monitor"
	"github.com/tsawler/go-unet/optimizer"
	"github.com/tsawler/go-unet/synthetic"
	"github.com/tsawler/go-unet/training"
	"github.com/tsawler/go-unet/vision/dataloader"
	"github.com/tsawler/go-unet/vision/dataset"
)

// startTimeLayout names the run's checkpoints and log file.
const startTimeLayout = "2006-01-02_15-04-05"

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func run(args []string, stdout io.Writer) error {
	cfg, err := parseConfig(args)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := log.New(stdout, "", 0)
	dev, err := device.Parse(cfg.Device)
	if err != nil {
		return err
	}
	logger.Printf("Device: %s (%s)", dev, device.Detect())

	trainSource, validSource, err := loadData(cfg, logger)
	if err != nil {
		return err
	}
	if cfg.Prefetch > 0 {
		trainPrefetch, err := async.NewPrefetchLoader(trainSource, async.PrefetchConfig{Depth: cfg.Prefetch})
		if err != nil {
			return err
		}
		defer trainPrefetch.Stop()
		validPrefetch, err := async.NewPrefetchLoader(validSource, async.PrefetchConfig{Depth: cfg.Prefetch})
		if err != nil {
			return err
		}
		defer validPrefetch.Stop()
		trainSource, validSource = trainPrefetch, validPrefetch
	}

	model, err := layers.NewResidualUNet(cfg.UNet())
	if err != nil {
		return err
	}
	optSettings, err := cfg.OptimizerSettings()
	if err != nil {
		return err
	}
	opt, err := optimizer.New(optSettings, layers.Parameters(model))
	if err != nil {
		return err
	}
	policy, err := training.NewLRScheduler(cfg.Scheduler)
	if err != nil {
		return err
	}
	sched := training.NewEpochScheduler(opt, policy)
	criterion, err := training.NewLoss(cfg.Loss)
	if err != nil {
		return err
	}
	format, err := cfg.Format()
	if err != nil {
		return err
	}

	startTime := cfg.RunName
	if startTime == "" {
		startTime = time.Now().Format(startTimeLayout)
	}
	if err := os.MkdirAll(cfg.SavePath, 0o755); err != nil {
		return fmt.Errorf("failed to create save path: %w", err)
	}
	if err := cfg.Write(filepath.Join(cfg.SavePath, fmt.Sprintf("config_%s.json", startTime))); err != nil {
		return err
	}

	opts := []training.TrainerOption{
		training.WithLogger(logger),
		training.WithProgress(stdout),
		training.WithSeed(cfg.Seed),
		training.WithCheckpointFormat(format),
	}

	var store *history.Store
	if cfg.History != "" || cfg.Monitor != "" {
		path := cfg.History
		if path == "" {
			path = ":memory:"
		}
		if store, err = history.Open(path); err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, training.WithRecorder(store))
	}
	if cfg.Monitor != "" {
		srv := monitor.NewServer(store, logger)
		defer srv.Close()
		go func() {
			if err := srv.ListenAndServe(cfg.Monitor); err != nil {
				logger.Println("monitor stopped:", err)
			}
		}()
		opts = append(opts, training.WithRecorder(srv))
	}
	if cfg.Plot != "" {
		opts = append(opts, training.WithRecorder(&curveRecorder{path: cfg.Plot, title: startTime}))
	}

	trainer, err := training.NewModelTrainer(dev, model, trainSource, validSource, criterion, opt, sched, opts...)
	if err != nil {
		return err
	}
	trainer.PrintModelArchitecture("ResidualUNet")

	first := 1
	if cfg.Resume != "" {
		epoch, err := trainer.LoadState(cfg.Resume)
		if err != nil {
			return err
		}
		logger.Printf("Resumed from %s at epoch %d", cfg.Resume, epoch)
		first = epoch + 1
	} else {
		n := trainer.InitWeights()
		logger.Printf("Initialised %d layers", n)
	}

	for epoch := first; epoch <= cfg.Epochs; epoch++ {
		if err := trainer.Train(epoch, startTime, cfg.BatchSize, cfg.SavePath, cfg.SaveInterval); err != nil {
			return err
		}
		if err := trainer.Validate(epoch, startTime, cfg.BatchSize, cfg.SavePath, cfg.SaveInterval); err != nil {
			return err
		}
		if valid, ok := trainer.LastSummary(training.PhaseValid); ok {
			sched.Observe(valid.Loss)
		}
	}
	logger.Printf("Training finished: %s", training.LogPath(cfg.SavePath, startTime))
	return nil
}

// parseConfig loads -config over the defaults, then applies the flags that
// were set explicitly.
func parseConfig(args []string) (config.Config, error) {
	fs := flag.NewFlagSet("unet-train", flag.ContinueOnError)
	var (
		configPath   = fs.String("config", "", "JSON run configuration")
		dataDir      = fs.String("data", "", "dataset directory with train/ and valid/ splits")
		synth        = fs.Int("synthetic", 0, "train on N generated tiles instead of -data")
		epochs       = fs.Int("epochs", 0, "number of epochs")
		batchSize    = fs.Int("batch-size", 0, "batch size")
		lr           = fs.Float64("lr", 0, "learning rate")
		dev          = fs.String("device", "", "device: cpu or cpu:N")
		savePath     = fs.String("save-path", "", "directory for checkpoints and logs")
		saveInterval = fs.Int("save-interval", 0, "batches between checkpoints and log lines")
		prefetch     = fs.Int("prefetch", 0, "batches to load ahead in the background")
		resume       = fs.String("resume", "", "checkpoint to resume from")
		seed         = fs.Int64("seed", 0, "random seed")
		historyPath  = fs.String("history", "", "SQLite file recording epoch summaries")
		monitorAddr  = fs.String("monitor", "", "address for the training monitor, e.g. :8080")
		plotPath     = fs.String("plot", "", "learning curves image updated every epoch (.svg, .png)")
	)
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return cfg, err
		}
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "data":
			cfg.DataDir = *dataDir
		case "synthetic":
			cfg.DataDir = ""
			cfg.Synthetic.TrainSamples = *synth
			cfg.Synthetic.ValidSamples = max(1, *synth/4)
		case "epochs":
			cfg.Epochs = *epochs
		case "batch-size":
			cfg.BatchSize = *batchSize
		case "lr":
			cfg.Optimizer.LearningRate = *lr
		case "device":
			cfg.Device = *dev
		case "save-path":
			cfg.SavePath = *savePath
		case "save-interval":
			cfg.SaveInterval = *saveInterval
		case "prefetch":
			cfg.Prefetch = *prefetch
		case "resume":
			cfg.Resume = *resume
		case "seed":
			cfg.Seed = *seed
		case "history":
			cfg.History = *historyPath
		case "monitor":
			cfg.Monitor = *monitorAddr
		case "plot":
			cfg.Plot = *plotPath
		}
	})
	return cfg, nil
}

// loadData builds the train and validation sources.
func loadData(cfg config.Config, logger *log.Logger) (training.DataSource, training.DataSource, error) {
	if cfg.DataDir != "" {
		ds, err := dataset.NewCraterDataset(cfg.DataDir, dataset.Config{
			ImageSize: cfg.ImageSize,
			Channels:  cfg.Channels,
		}, cfg.MaxSamples)
		if err != nil {
			return nil, nil, err
		}
		logger.Println(ds.Summary())
		trainLoader, validLoader, err := dataloader.CreateSharedDataLoaders(ds.Train, ds.Valid, dataloader.Config{
			BatchSize:    cfg.BatchSize,
			MaxCacheSize: cfg.CacheSize,
			Seed:         cfg.Seed,
		})
		if err != nil {
			return nil, nil, err
		}
		return trainLoader, validLoader, nil
	}

	synthCfg := synthetic.DefaultConfig()
	synthCfg.Channels = cfg.Channels
	if cfg.ImageSize > 0 {
		synthCfg.Size = cfg.ImageSize
		synthCfg.MaxRadius = min(synthCfg.MaxRadius, float64(cfg.ImageSize)/4)
		synthCfg.MinRadius = min(synthCfg.MinRadius, synthCfg.MaxRadius)
	}
	train, err := synthetic.NewDataset(synthCfg, cfg.Synthetic.TrainSamples, cfg.Seed)
	if err != nil {
		return nil, nil, err
	}
	valid, err := synthetic.NewDataset(synthCfg, cfg.Synthetic.ValidSamples, cfg.Seed+1)
	if err != nil {
		return nil, nil, err
	}
	logger.Printf("Synthetic dataset: %d train tiles, %d valid tiles", train.Len(), valid.Len())

	trainLoader, err := training.NewDataLoader(train, cfg.BatchSize, true, rand.New(rand.NewSource(cfg.Seed)))
	if err != nil {
		return nil, nil, err
	}
	validLoader, err := training.NewDataLoader(valid, cfg.BatchSize, false, nil)
	if err != nil {
		return nil, nil, err
	}
	return trainLoader, validLoader, nil
}

// curveRecorder redraws the learning curves after every phase.
type curveRecorder struct {
	path      string
	title     string
	summaries []training.Summary
}

func (c *curveRecorder) RecordSummary(s training.Summary) error {
	c.summaries = append(c.summaries, s)
	return training.SaveCurves(c.path, c.title, c.summaries)
}
