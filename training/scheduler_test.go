package training

import (
	"math"
	"strings"
	"testing"

	"github.com/tsawler/go-unet/layers"
)

func TestStepLRScheduler(t *testing.T) {
	scheduler := NewStepLRScheduler(2, 0.1)
	baseLR := 0.1

	tests := []struct {
		epoch      int
		expectedLR float64
	}{
		{0, 0.1},    // Initial
		{1, 0.1},    // No change yet
		{2, 0.01},   // First reduction
		{3, 0.01},   // Same
		{4, 0.001},  // Second reduction
		{5, 0.001},  // Same
		{6, 0.0001}, // Third reduction
	}

	for _, tt := range tests {
		lr := scheduler.GetLR(tt.epoch, 0, baseLR)
		if math.Abs(lr-tt.expectedLR) > 1e-8 {
			t.Errorf("Epoch %d: expected LR %f, got %f", tt.epoch, tt.expectedLR, lr)
		}
	}
}

func TestExponentialLRScheduler(t *testing.T) {
	scheduler := NewExponentialLRScheduler(0.9)
	baseLR := 0.1

	tests := []struct {
		epoch      int
		expectedLR float64
	}{
		{0, 0.1},      // Initial
		{1, 0.09},     // 0.1 * 0.9
		{2, 0.081},    // 0.1 * 0.9^2
		{3, 0.0729},   // 0.1 * 0.9^3
		{4, 0.06561},  // 0.1 * 0.9^4
		{5, 0.059049}, // 0.1 * 0.9^5
	}

	for _, tt := range tests {
		lr := scheduler.GetLR(tt.epoch, 0, baseLR)
		if math.Abs(lr-tt.expectedLR) > 1e-8 {
			t.Errorf("Epoch %d: expected LR %f, got %f", tt.epoch, tt.expectedLR, lr)
		}
	}
}

func TestCosineAnnealingLRScheduler(t *testing.T) {
	scheduler := NewCosineAnnealingLRScheduler(5, 0.0001)
	baseLR := 0.01

	// Test specific points in the cosine curve
	tests := []struct {
		epoch      int
		expectedLR float64
		tolerance  float64
	}{
		{0, 0.01, 1e-6},     // Initial (max)
		{5, 0.0001, 1e-6},   // Final (min)
		{2, 0.006580, 1e-6}, // Midpoint calculation
	}

	for _, tt := range tests {
		lr := scheduler.GetLR(tt.epoch, 0, baseLR)
		if math.Abs(lr-tt.expectedLR) > tt.tolerance {
			t.Errorf("Epoch %d: expected LR %f, got %f", tt.epoch, tt.expectedLR, lr)
		}
	}

	// Test beyond TMax
	lr := scheduler.GetLR(10, 0, baseLR)
	if lr != 0.0001 {
		t.Errorf("Beyond TMax: expected LR %f, got %f", 0.0001, lr)
	}
}

func TestReduceLROnPlateauScheduler(t *testing.T) {
	scheduler := NewReduceLROnPlateauScheduler(0.5, 2, 0.01, "min")

	// Test basic functionality
	currentLR := scheduler.Step(1.0, 0.1) // Initial
	if currentLR != 0.1 {
		t.Errorf("Initial: expected LR %f, got %f", 0.1, currentLR)
	}

	currentLR = scheduler.Step(0.98, currentLR) // Improvement
	if currentLR != 0.1 {
		t.Errorf("After improvement: expected LR %f, got %f", 0.1, currentLR)
	}

	currentLR = scheduler.Step(0.99, currentLR) // No improvement
	if currentLR != 0.1 {
		t.Errorf("No improvement 1: expected LR %f, got %f", 0.1, currentLR)
	}

	currentLR = scheduler.Step(0.99, currentLR) // No improvement - should reduce
	if currentLR != 0.05 {
		t.Errorf("No improvement 2: expected LR %f, got %f", 0.05, currentLR)
	}
}

func TestSchedulerNames(t *testing.T) {
	tests := []struct {
		scheduler LRScheduler
		expected  string
	}{
		{NewStepLRScheduler(10, 0.1), "StepLR"},
		{NewExponentialLRScheduler(0.95), "ExponentialLR"},
		{NewCosineAnnealingLRScheduler(100, 0.0), "CosineAnnealingLR"},
		{NewReduceLROnPlateauScheduler(0.1, 10, 0.001, "min"), "ReduceLROnPlateau"},
		{&NoOpScheduler{}, "ConstantLR"},
	}

	for _, tt := range tests {
		name := tt.scheduler.GetName()
		if name != tt.expected {
			t.Errorf("Expected name %s, got %s", tt.expected, name)
		}
	}
}

func TestNewLRScheduler(t *testing.T) {
	tests := []struct {
		name     string
		expected string
		wantErr  bool
	}{
		{"", "ConstantLR", false},
		{"step", "StepLR", false},
		{"ExponentialLR", "ExponentialLR", false},
		{"cosine", "CosineAnnealingLR", false},
		{"plateau", "ReduceLROnPlateau", false},
		{"warmup", "", true},
	}

	for _, tt := range tests {
		s, err := NewLRScheduler(SchedulerConfig{Name: tt.name})
		if tt.wantErr {
			if err == nil {
				t.Errorf("%q: expected error", tt.name)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: unexpected error: %v", tt.name, err)
			continue
		}
		if s.GetName() != tt.expected {
			t.Errorf("%q: expected %s, got %s", tt.name, tt.expected, s.GetName())
		}
	}
}

func TestEpochSchedulerUpdatesOptimizer(t *testing.T) {
	conv := layers.NewConv2D(1, 1, 3, 1, 1, true, "conv")
	opt := newSGD(t, conv, 0.1, 0)
	sched := NewEpochScheduler(opt, NewStepLRScheduler(2, 0.1))

	expected := []float64{0.1, 0.01, 0.01, 0.001}
	for i, want := range expected {
		sched.Step()
		if sched.LastEpoch() != i+1 {
			t.Errorf("LastEpoch = %d, want %d", sched.LastEpoch(), i+1)
		}
		if math.Abs(opt.LearningRate()-want) > 1e-12 {
			t.Errorf("Step %d: expected LR %g, got %g", i+1, want, opt.LearningRate())
		}
	}
}

func TestEpochSchedulerStateRoundTrip(t *testing.T) {
	conv := layers.NewConv2D(1, 1, 3, 1, 1, true, "conv")
	source := NewEpochScheduler(newSGD(t, conv, 0.1, 0), NewStepLRScheduler(2, 0.1))
	for i := 0; i < 3; i++ {
		source.Step()
	}
	state := source.StateDict()

	opt := newSGD(t, conv, 0.5, 0)
	policy := NewStepLRScheduler(7, 0.5)
	target := NewEpochScheduler(opt, policy)
	if err := target.LoadStateDict(state); err != nil {
		t.Fatalf("LoadStateDict failed: %v", err)
	}
	if target.LastEpoch() != 3 || target.BaseLR() != 0.1 {
		t.Errorf("restored last_epoch=%d base_lr=%g", target.LastEpoch(), target.BaseLR())
	}
	if policy.StepSize != 2 || policy.Gamma != 0.1 {
		t.Errorf("policy not restored: %+v", policy)
	}
	if !target.StateDict().Equal(state) {
		t.Error("state differs after round trip")
	}

	target.Step()
	if math.Abs(opt.LearningRate()-0.001) > 1e-12 {
		t.Errorf("expected LR 0.001 after resumed step, got %g", opt.LearningRate())
	}
}

func TestEpochSchedulerRejectsMismatchedState(t *testing.T) {
	conv := layers.NewConv2D(1, 1, 3, 1, 1, true, "conv")
	sched := NewEpochScheduler(newSGD(t, conv, 0.1, 0), NewCosineAnnealingLRScheduler(10, 0))
	sched.Step()
	good := sched.StateDict()

	missing := good.Clone()
	delete(missing, "t_max")
	extra := good.Clone()
	extra.SetFloat("gamma", 0.5)

	tests := []struct {
		name string
		sd   func() error
		want string
	}{
		{name: "missing", sd: func() error { return sched.LoadStateDict(missing) }, want: "t_max"},
		{name: "unexpected", sd: func() error { return sched.LoadStateDict(extra) }, want: "unexpected"},
		{name: "nil", sd: func() error { return sched.LoadStateDict(nil) }, want: "last_epoch"},
	}
	for _, tt := range tests {
		err := tt.sd()
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: expected error containing %q, got %v", tt.name, tt.want, err)
		}
		if sched.LastEpoch() != 1 {
			t.Errorf("%s: failed load changed last_epoch to %d", tt.name, sched.LastEpoch())
		}
	}
}

func TestEpochSchedulerPlateau(t *testing.T) {
	conv := layers.NewConv2D(1, 1, 3, 1, 1, true, "conv")
	opt := newSGD(t, conv, 0.1, 0)
	sched := NewEpochScheduler(opt, NewReduceLROnPlateauScheduler(0.5, 1, 0, "min"))

	for _, loss := range []float64{1.0, 0.5, 0.6} {
		sched.Step()
		sched.Observe(loss)
	}
	if math.Abs(opt.LearningRate()-0.05) > 1e-12 {
		t.Fatalf("expected LR 0.05 after plateau, got %g", opt.LearningRate())
	}

	// Step must not undo the reduction
	sched.Step()
	if math.Abs(opt.LearningRate()-0.05) > 1e-12 {
		t.Errorf("Step reset plateau LR to %g", opt.LearningRate())
	}

	state := sched.StateDict()
	restoredPolicy := NewReduceLROnPlateauScheduler(0.1, 10, 0, "max")
	restored := NewEpochScheduler(newSGD(t, conv, 0.1, 0), restoredPolicy)
	if err := restored.LoadStateDict(state); err != nil {
		t.Fatalf("LoadStateDict failed: %v", err)
	}
	if restoredPolicy.Mode != "min" || restoredPolicy.Patience != 1 || restoredPolicy.GetLR(0, 0, 1) != 0.05 {
		t.Errorf("plateau state not restored: %+v", restoredPolicy)
	}
}
