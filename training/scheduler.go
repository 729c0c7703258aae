package training

import (
	"fmt"
	"math"
	"strings"

	"github.com/tsawler/go-unet/optimizer"
	"github.com/tsawler/go-unet/tensor"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// GetLR is a pure function of the epoch; EpochScheduler owns the counter.
type LRScheduler interface {
	// GetLR returns the learning rate for the current epoch/step
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// policyState is implemented by policies whose hyperparameters or internal
// counters travel with the scheduler state.
type policyState interface {
	stateKeys() []string
	appendState(sd tensor.StateDict)
	loadState(values map[string]float64)
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30 // Default: reduce every 30 epochs
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1 // Default: reduce by 10x
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

func (s *StepLRScheduler) stateKeys() []string { return []string{"step_size", "gamma"} }

func (s *StepLRScheduler) appendState(sd tensor.StateDict) {
	sd.SetFloat("step_size", float64(s.StepSize))
	sd.SetFloat("gamma", s.Gamma)
}

func (s *StepLRScheduler) loadState(values map[string]float64) {
	s.StepSize = int(values["step_size"])
	s.Gamma = values["gamma"]
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95 // Default: 5% reduction per epoch
	}
	return &ExponentialLRScheduler{
		Gamma: gamma,
	}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

func (s *ExponentialLRScheduler) stateKeys() []string { return []string{"gamma"} }

func (s *ExponentialLRScheduler) appendState(sd tensor.StateDict) {
	sd.SetFloat("gamma", s.Gamma)
}

func (s *ExponentialLRScheduler) loadState(values map[string]float64) {
	s.Gamma = values["gamma"]
}

// CosineAnnealingLRScheduler implements cosine annealing schedule
type CosineAnnealingLRScheduler struct {
	TMax   int     // Maximum number of epochs
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100 // Default: 100 epochs
	}
	if etaMin < 0 {
		etaMin = 0 // Default: anneal to 0
	}
	return &CosineAnnealingLRScheduler{
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

func (s *CosineAnnealingLRScheduler) stateKeys() []string { return []string{"t_max", "eta_min"} }

func (s *CosineAnnealingLRScheduler) appendState(sd tensor.StateDict) {
	sd.SetFloat("t_max", float64(s.TMax))
	sd.SetFloat("eta_min", s.EtaMin)
}

func (s *CosineAnnealingLRScheduler) loadState(values map[string]float64) {
	s.TMax = int(values["t_max"])
	s.EtaMin = values["eta_min"]
}

// ReduceLROnPlateauScheduler reduces LR when a metric has stopped improving.
// It is driven by EpochScheduler.Observe rather than by Step.
type ReduceLROnPlateauScheduler struct {
	Factor    float64 // Factor by which the learning rate will be reduced
	Patience  int     // Number of epochs with no improvement after which LR will be reduced
	Threshold float64 // Threshold for measuring the new optimum
	Mode      string  // One of "min" or "max"

	bestMetric  float64
	badEpochs   int
	currentLR   float64
	initialized bool
}

// NewReduceLROnPlateauScheduler creates a plateau-based scheduler
func NewReduceLROnPlateauScheduler(factor float64, patience int, threshold float64, mode string) *ReduceLROnPlateauScheduler {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 10
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	if mode != "min" && mode != "max" {
		mode = "min" // Default: minimize loss
	}

	return &ReduceLROnPlateauScheduler{
		Factor:    factor,
		Patience:  patience,
		Threshold: threshold,
		Mode:      mode,
	}
}

// Step checks if LR should be reduced based on metric
func (s *ReduceLROnPlateauScheduler) Step(metric float64, currentLR float64) float64 {
	if !s.initialized {
		s.bestMetric = metric
		s.currentLR = currentLR
		s.initialized = true
		return currentLR
	}

	var improved bool
	if s.Mode == "min" {
		improved = metric < s.bestMetric-s.Threshold
	} else {
		improved = metric > s.bestMetric+s.Threshold
	}

	if improved {
		s.bestMetric = metric
		s.badEpochs = 0
	} else {
		s.badEpochs++
		if s.badEpochs >= s.Patience {
			s.currentLR *= s.Factor
			s.badEpochs = 0
		}
	}

	return s.currentLR
}

func (s *ReduceLROnPlateauScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if s.initialized {
		return s.currentLR
	}
	return baseLR
}

func (s *ReduceLROnPlateauScheduler) GetName() string {
	return "ReduceLROnPlateau"
}

func (s *ReduceLROnPlateauScheduler) stateKeys() []string {
	return []string{"factor", "patience", "threshold", "mode_max", "best", "bad_epochs", "current_lr", "initialized"}
}

func (s *ReduceLROnPlateauScheduler) appendState(sd tensor.StateDict) {
	sd.SetFloat("factor", s.Factor)
	sd.SetFloat("patience", float64(s.Patience))
	sd.SetFloat("threshold", s.Threshold)
	sd.SetFloat("mode_max", boolFloat(s.Mode == "max"))
	sd.SetFloat("best", s.bestMetric)
	sd.SetFloat("bad_epochs", float64(s.badEpochs))
	sd.SetFloat("current_lr", s.currentLR)
	sd.SetFloat("initialized", boolFloat(s.initialized))
}

func (s *ReduceLROnPlateauScheduler) loadState(values map[string]float64) {
	s.Factor = values["factor"]
	s.Patience = int(values["patience"])
	s.Threshold = values["threshold"]
	s.Mode = "min"
	if values["mode_max"] != 0 {
		s.Mode = "max"
	}
	s.bestMetric = values["best"]
	s.badEpochs = int(values["bad_epochs"])
	s.currentLR = values["current_lr"]
	s.initialized = values["initialized"] != 0
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// NoOpScheduler maintains constant learning rate (default behavior)
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}

// SchedulerConfig selects and parameterises an LRScheduler
type SchedulerConfig struct {
	Name      string  `json:"name"` // constant, step, exponential, cosine, plateau
	StepSize  int     `json:"step_size,omitempty"`
	Gamma     float64 `json:"gamma,omitempty"`
	TMax      int     `json:"t_max,omitempty"`
	EtaMin    float64 `json:"eta_min,omitempty"`
	Factor    float64 `json:"factor,omitempty"`
	Patience  int     `json:"patience,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	Mode      string  `json:"mode,omitempty"`
}

// NewLRScheduler builds the policy named in config
func NewLRScheduler(config SchedulerConfig) (LRScheduler, error) {
	switch strings.ToLower(config.Name) {
	case "", "constant", "none":
		return &NoOpScheduler{}, nil
	case "step", "steplr":
		return NewStepLRScheduler(config.StepSize, config.Gamma), nil
	case "exponential", "exponentiallr":
		return NewExponentialLRScheduler(config.Gamma), nil
	case "cosine", "cosineannealinglr":
		return NewCosineAnnealingLRScheduler(config.TMax, config.EtaMin), nil
	case "plateau", "reducelronplateau":
		return NewReduceLROnPlateauScheduler(config.Factor, config.Patience, config.Threshold, config.Mode), nil
	default:
		return nil, fmt.Errorf("unknown scheduler %q", config.Name)
	}
}

// Scheduler is the stateful learning-rate schedule the trainer steps once
// per training phase.
type Scheduler interface {
	Step()
	StateDict() tensor.StateDict
	LoadStateDict(sd tensor.StateDict) error
}

// EpochScheduler applies an LRScheduler policy to an optimizer, one epoch
// per Step.
type EpochScheduler struct {
	optimizer optimizer.Optimizer
	policy    LRScheduler
	baseLR    float64
	lastEpoch int
}

// NewEpochScheduler takes the optimizer's current learning rate as the base
func NewEpochScheduler(opt optimizer.Optimizer, policy LRScheduler) *EpochScheduler {
	if policy == nil {
		policy = &NoOpScheduler{}
	}
	s := &EpochScheduler{
		optimizer: opt,
		policy:    policy,
		baseLR:    opt.LearningRate(),
	}
	opt.UpdateLearningRate(policy.GetLR(0, 0, s.baseLR))
	return s
}

// Step advances the epoch counter and updates the optimizer learning rate
func (s *EpochScheduler) Step() {
	s.lastEpoch++
	s.optimizer.UpdateLearningRate(s.policy.GetLR(s.lastEpoch, 0, s.baseLR))
}

// Observe feeds a monitored metric to metric-driven policies. Other
// policies ignore it.
func (s *EpochScheduler) Observe(metric float64) {
	if plateau, ok := s.policy.(*ReduceLROnPlateauScheduler); ok {
		s.optimizer.UpdateLearningRate(plateau.Step(metric, s.optimizer.LearningRate()))
	}
}

// LastEpoch returns the number of completed steps
func (s *EpochScheduler) LastEpoch() int {
	return s.lastEpoch
}

// BaseLR returns the learning rate the schedule started from
func (s *EpochScheduler) BaseLR() float64 {
	return s.baseLR
}

// CurrentLR returns the optimizer's current learning rate
func (s *EpochScheduler) CurrentLR() float64 {
	return s.optimizer.LearningRate()
}

// Policy returns the wrapped LRScheduler
func (s *EpochScheduler) Policy() LRScheduler {
	return s.policy
}

func (s *EpochScheduler) stateKeys() []string {
	keys := []string{"last_epoch", "base_lr"}
	if ps, ok := s.policy.(policyState); ok {
		keys = append(keys, ps.stateKeys()...)
	}
	return keys
}

// StateDict extracts scheduler state for checkpointing
func (s *EpochScheduler) StateDict() tensor.StateDict {
	sd := tensor.StateDict{}
	sd.SetFloat("last_epoch", float64(s.lastEpoch))
	sd.SetFloat("base_lr", s.baseLR)
	if ps, ok := s.policy.(policyState); ok {
		ps.appendState(sd)
	}
	return sd
}

// LoadStateDict restores scheduler state. The state must hold exactly the
// keys this policy writes; nothing is changed on error.
func (s *EpochScheduler) LoadStateDict(sd tensor.StateDict) error {
	keys := s.stateKeys()
	values := make(map[string]float64, len(keys))
	for _, key := range keys {
		v, err := sd.Float(key)
		if err != nil {
			return fmt.Errorf("%s state: %w", s.policy.GetName(), err)
		}
		values[key] = v
	}
	if len(sd) != len(keys) {
		var unexpected []string
		for _, key := range sd.Keys() {
			if _, ok := values[key]; !ok {
				unexpected = append(unexpected, key)
			}
		}
		return fmt.Errorf("unexpected %s state entries %v", s.policy.GetName(), unexpected)
	}

	s.lastEpoch = int(values["last_epoch"])
	s.baseLR = values["base_lr"]
	if ps, ok := s.policy.(policyState); ok {
		ps.loadState(values)
	}
	return nil
}
