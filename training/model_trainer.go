package training

import (
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/tsawler/go-unet/checkpoints"
	"github.com/tsawler/go-unet/device"
	"github.com/tsawler/go-unet/layers"
	"github.com/tsawler/go-unet/optimizer"
	"github.com/tsawler/go-unet/tensor"
)

// Model is the network driven by a ModelTrainer: a module tree whose
// Forward maps (B,C,H,W) images to (B,1,H,W) logits.
type Model interface {
	layers.Module
}

// Summary describes one completed train or validate call.
type Summary struct {
	Run          string    `json:"run"`
	Phase        Phase     `json:"phase"`
	Epoch        int       `json:"epoch"`
	Batches      int       `json:"batches"`
	Images       int       `json:"images"`
	Loss         float64   `json:"loss"`
	LossStdDev   float64   `json:"loss_std"`
	Precision    float64   `json:"precision"`
	Recall       float64   `json:"recall"`
	F1           float64   `json:"f1"`
	LearningRate float64   `json:"learning_rate"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Recorder receives every phase summary, e.g. a history store or monitor.
type Recorder interface {
	RecordSummary(s Summary) error
}

// TrainerOption configures optional ModelTrainer behaviour
type TrainerOption func(*ModelTrainer)

// WithRecorder adds a summary recorder
func WithRecorder(r Recorder) TrainerOption {
	return func(mt *ModelTrainer) { mt.recorders = append(mt.recorders, r) }
}

// WithProgress shows a per-batch progress bar on w; nil means stdout.
func WithProgress(w io.Writer) TrainerOption {
	return func(mt *ModelTrainer) {
		if w == nil {
			w = os.Stdout
		}
		mt.progressOut = w
	}
}

// WithLogger sets the logger that echoes every log line
func WithLogger(l *log.Logger) TrainerOption {
	return func(mt *ModelTrainer) { mt.logger = l }
}

// WithClock replaces time.Now for log timestamps
func WithClock(now func() time.Time) TrainerOption {
	return func(mt *ModelTrainer) { mt.now = now }
}

// WithSeed makes weight initialisation deterministic
func WithSeed(seed int64) TrainerOption {
	return func(mt *ModelTrainer) { mt.rng = rand.New(rand.NewSource(seed)) }
}

// WithCheckpointFormat selects the on-disk checkpoint encoding
func WithCheckpointFormat(format checkpoints.CheckpointFormat) TrainerOption {
	return func(mt *ModelTrainer) { mt.saver = checkpoints.NewCheckpointSaver(format) }
}

// ModelTrainer owns the model, optimizer and scheduler for a run and drives
// the train and validate passes over its data sources.
type ModelTrainer struct {
	device      device.Device
	model       Model
	trainSource DataSource
	validSource DataSource
	criterion   Loss
	optimizer   optimizer.Optimizer
	scheduler   Scheduler

	saver       *checkpoints.CheckpointSaver
	logger      *log.Logger
	now         func() time.Time
	rng         *rand.Rand
	recorders   []Recorder
	progressOut io.Writer

	summaries map[Phase]Summary
}

// NewModelTrainer moves model onto dev and wires the training collaborators.
func NewModelTrainer(
	dev device.Device,
	model Model,
	trainSource, validSource DataSource,
	criterion Loss,
	opt optimizer.Optimizer,
	sched Scheduler,
	opts ...TrainerOption,
) (*ModelTrainer, error) {
	switch {
	case model == nil:
		return nil, fmt.Errorf("model cannot be nil")
	case trainSource == nil || validSource == nil:
		return nil, fmt.Errorf("train and validation sources are required")
	case criterion == nil:
		return nil, fmt.Errorf("loss criterion cannot be nil")
	case opt == nil:
		return nil, fmt.Errorf("optimizer cannot be nil")
	case sched == nil:
		return nil, fmt.Errorf("scheduler cannot be nil")
	}

	mt := &ModelTrainer{
		device:      dev,
		model:       model,
		trainSource: trainSource,
		validSource: validSource,
		criterion:   criterion,
		optimizer:   opt,
		scheduler:   sched,
		saver:       checkpoints.NewCheckpointSaver(checkpoints.FormatBinary),
		logger:      log.New(os.Stdout, "", 0),
		now:         time.Now,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		summaries:   make(map[Phase]Summary),
	}
	for _, o := range opts {
		o(mt)
	}

	layers.To(model, dev)
	return mt, nil
}

// CheckpointPath returns <savePath>/model_<startTime>_epoch_<epoch>.pth
func CheckpointPath(savePath, startTime string, epoch int) string {
	return filepath.Join(savePath, fmt.Sprintf("model_%s_epoch_%d.pth", startTime, epoch))
}

// LogPath returns <savePath>/train_info_<startTime>.txt
func LogPath(savePath, startTime string) string {
	return filepath.Join(savePath, fmt.Sprintf("train_info_%s.txt", startTime))
}

// LoadState installs the model, optimizer and scheduler state stored at
// path and returns the saved epoch. Either all three load or none does.
func (mt *ModelTrainer) LoadState(path string) (int, error) {
	checkpoint, err := checkpoints.Load(path)
	if err != nil {
		return 0, err
	}

	modelState := layers.StateDict(mt.model)
	optimizerState := mt.optimizer.StateDict()

	if err := layers.LoadStateDict(mt.model, checkpoint.ModelState); err != nil {
		return 0, fmt.Errorf("failed to load model state from %s: %w", path, err)
	}
	if err := mt.optimizer.LoadStateDict(checkpoint.OptimizerState); err != nil {
		mt.restore(modelState, nil)
		return 0, fmt.Errorf("failed to load optimizer state from %s: %w", path, err)
	}
	if err := mt.scheduler.LoadStateDict(checkpoint.SchedulerState); err != nil {
		mt.restore(modelState, optimizerState)
		return 0, fmt.Errorf("failed to load scheduler state from %s: %w", path, err)
	}

	return checkpoint.Epoch, nil
}

// restore reinstalls snapshots taken by LoadState. They were produced by
// the live objects, so loading them back cannot fail.
func (mt *ModelTrainer) restore(modelState, optimizerState tensor.StateDict) {
	if modelState != nil {
		_ = layers.LoadStateDict(mt.model, modelState)
	}
	if optimizerState != nil {
		_ = mt.optimizer.LoadStateDict(optimizerState)
	}
}

// SaveModel writes {epoch, model, optimizer, scheduler} to path, replacing
// any existing file.
func (mt *ModelTrainer) SaveModel(epoch int, path string) error {
	checkpoint := &checkpoints.Checkpoint{
		Epoch:          epoch,
		ModelState:     layers.StateDict(mt.model),
		OptimizerState: mt.optimizer.StateDict(),
		SchedulerState: mt.scheduler.StateDict(),
		Metadata: checkpoints.CheckpointMetadata{
			CreatedAt: mt.now(),
		},
	}
	if err := mt.saver.SaveCheckpoint(checkpoint, path); err != nil {
		return fmt.Errorf("failed to save model to %s: %w", path, err)
	}
	return nil
}

// InitWeights re-draws every convolution and linear weight from a Kaiming
// uniform distribution and sets their biases to 0.01. It returns the number
// of layers initialised.
func (mt *ModelTrainer) InitWeights() int {
	return layers.InitWeights(mt.model, mt.rng, layers.DefaultBiasInit)
}

// Train runs one training epoch over the training source. Every
// saveInterval-th batch (from index 0) saves a checkpoint and appends a
// progress line to the run log; the scheduler steps once at the end.
func (mt *ModelTrainer) Train(epoch int, startTime string, batchSize int, savePath string, saveInterval int) error {
	return mt.runPhase(PhaseTrain, epoch, startTime, batchSize, savePath, saveInterval)
}

// Validate runs one evaluation pass over the validation source. It logs like
// Train but never saves, steps the optimizer or steps the scheduler.
func (mt *ModelTrainer) Validate(epoch int, startTime string, batchSize int, savePath string, saveInterval int) error {
	return mt.runPhase(PhaseValid, epoch, startTime, batchSize, savePath, saveInterval)
}

// LastSummary returns the summary of the most recent call for phase
func (mt *ModelTrainer) LastSummary(phase Phase) (Summary, bool) {
	s, ok := mt.summaries[phase]
	return s, ok
}

func (mt *ModelTrainer) runPhase(phase Phase, epoch int, startTime string, batchSize int, savePath string, saveInterval int) error {
	if saveInterval <= 0 {
		return fmt.Errorf("save interval must be positive, got %d", saveInterval)
	}

	training := phase == PhaseTrain
	source := mt.validSource
	if training {
		source = mt.trainSource
	}
	batches := source.Len()
	if batches == 0 {
		return fmt.Errorf("%s source has no batches", phase)
	}

	layers.SetTraining(mt.model, training)
	source.Reset()
	startedAt := mt.now()

	var bar *ProgressBar
	if mt.progressOut != nil {
		bar = NewProgressBar(fmt.Sprintf("Epoch %d %s", epoch, phase), batches)
		bar.SetOutput(mt.progressOut)
	}

	acc := &MetricAccumulator{}
	images := 0
	for batchIdx := 0; ; batchIdx++ {
		batch, err := source.Next()
		if err != nil {
			return fmt.Errorf("%s epoch %d: %w", phase, epoch, err)
		}
		if batch == nil {
			break
		}

		metrics, err := mt.step(batch, training)
		if err != nil {
			return fmt.Errorf("%s epoch %d batch %d: %w", phase, epoch, batchIdx, err)
		}
		acc.Add(metrics)
		images += batch.Size()

		if batchIdx%saveInterval == 0 {
			if training {
				if err := mt.SaveModel(epoch, CheckpointPath(savePath, startTime, epoch)); err != nil {
					return err
				}
			}
			err := mt.report(savePath, startTime, LogLine{
				Time:      mt.now(),
				Phase:     phase,
				Epoch:     epoch,
				Images:    batchIdx * batchSize,
				Loss:      metrics.Loss,
				Precision: metrics.Precision,
				Recall:    metrics.Recall,
			})
			if err != nil {
				return err
			}
		}

		if bar != nil {
			bar.Update(batchIdx+1, map[string]float64{
				"loss":      metrics.Loss,
				"precision": metrics.Precision,
				"recall":    metrics.Recall,
			})
		}
	}
	if bar != nil {
		bar.Finish()
	}

	average := acc.Average(batches)
	if training {
		mt.scheduler.Step()
	}

	finishedAt := mt.now()
	err := mt.report(savePath, startTime, LogLine{
		Time:      finishedAt,
		Phase:     phase,
		End:       true,
		Epoch:     epoch,
		Loss:      average.Loss,
		Precision: average.Precision,
		Recall:    average.Recall,
		F1:        average.F1,
	})
	if err != nil {
		return err
	}

	summary := Summary{
		Run:          startTime,
		Phase:        phase,
		Epoch:        epoch,
		Batches:      acc.Batches(),
		Images:       images,
		Loss:         average.Loss,
		LossStdDev:   acc.LossStdDev(),
		Precision:    average.Precision,
		Recall:       average.Recall,
		F1:           average.F1,
		LearningRate: mt.optimizer.LearningRate(),
		StartedAt:    startedAt,
		FinishedAt:   finishedAt,
	}
	mt.summaries[phase] = summary
	for _, r := range mt.recorders {
		if err := r.RecordSummary(summary); err != nil {
			return fmt.Errorf("failed to record %s summary: %w", phase, err)
		}
	}
	return nil
}

// step runs one batch: forward, metrics and loss, plus backward and an
// optimizer step when training.
func (mt *ModelTrainer) step(batch *Batch, training bool) (BatchMetrics, error) {
	if training {
		mt.optimizer.ZeroGrad()
	}

	outputs, err := mt.model.Forward(batch.Images)
	if err != nil {
		return BatchMetrics{}, fmt.Errorf("forward pass failed: %w", err)
	}

	metrics, _, err := BinaryMetrics(outputs, batch.Masks)
	if err != nil {
		return BatchMetrics{}, err
	}
	if metrics.Loss, err = mt.criterion.Forward(outputs, batch.Masks); err != nil {
		return BatchMetrics{}, fmt.Errorf("loss computation failed: %w", err)
	}
	if !training {
		return metrics, nil
	}

	grad, err := mt.criterion.Backward(outputs, batch.Masks)
	if err != nil {
		return BatchMetrics{}, fmt.Errorf("loss gradient failed: %w", err)
	}
	if _, err := mt.model.Backward(grad); err != nil {
		return BatchMetrics{}, fmt.Errorf("backward pass failed: %w", err)
	}
	if err := mt.optimizer.Step(); err != nil {
		return BatchMetrics{}, fmt.Errorf("optimizer step failed: %w", err)
	}
	return metrics, nil
}

// report appends line to the run log and echoes it to the logger
func (mt *ModelTrainer) report(savePath, startTime string, line LogLine) error {
	text := line.String()

	f, err := os.OpenFile(LogPath(savePath, startTime), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open training log: %w", err)
	}
	if _, err := f.WriteString(text + "\n"); err != nil {
		f.Close()
		return fmt.Errorf("failed to write training log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close training log: %w", err)
	}

	mt.logger.Println(text)
	return nil
}

// GetModelSpec describes the model's layers
func (mt *ModelTrainer) GetModelSpec() *layers.ModelSpec {
	return layers.Describe(mt.model)
}

// PrintModelArchitecture writes a PyTorch-style summary to the logger output
func (mt *ModelTrainer) PrintModelArchitecture(modelName string) {
	NewModelArchitecturePrinter(modelName, mt.logger.Writer()).PrintArchitecture(mt.GetModelSpec())
}

// Device returns the device the model runs on
func (mt *ModelTrainer) Device() device.Device {
	return mt.device
}
