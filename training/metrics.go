package training

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/tsawler/go-unet/tensor"
)

// MetricType represents different evaluation metrics
type MetricType int

const (
	Precision MetricType = iota
	Recall
	F1Score
	Specificity
	NPV // Negative Predictive Value
	IoU // Intersection over union of the positive class
	Accuracy
)

func (mt MetricType) String() string {
	switch mt {
	case Precision:
		return "Precision"
	case Recall:
		return "Recall"
	case F1Score:
		return "F1Score"
	case Specificity:
		return "Specificity"
	case NPV:
		return "NPV"
	case IoU:
		return "IoU"
	case Accuracy:
		return "Accuracy"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// BinaryConfusionMatrix counts pixel outcomes for a binary mask. Every
// ratio whose denominator is zero is reported as 0.
type BinaryConfusionMatrix struct {
	TruePositives  int
	FalsePositives int
	TrueNegatives  int
	FalseNegatives int
}

// Reset clears the counts
func (cm *BinaryConfusionMatrix) Reset() {
	*cm = BinaryConfusionMatrix{}
}

// Update adds one observation per element. Values greater than zero are the
// positive class.
func (cm *BinaryConfusionMatrix) Update(predictions, targets []float64) error {
	if len(predictions) != len(targets) {
		return fmt.Errorf("predictions length mismatch: expected %d, got %d: %w",
			len(targets), len(predictions), tensor.ErrShapeMismatch)
	}
	for i, p := range predictions {
		predicted, actual := p > 0, targets[i] > 0
		switch {
		case predicted && actual:
			cm.TruePositives++
		case predicted:
			cm.FalsePositives++
		case actual:
			cm.FalseNegatives++
		default:
			cm.TrueNegatives++
		}
	}
	return nil
}

// Total returns the number of observations
func (cm *BinaryConfusionMatrix) Total() int {
	return cm.TruePositives + cm.FalsePositives + cm.TrueNegatives + cm.FalseNegatives
}

// GetMetric returns the requested metric
func (cm *BinaryConfusionMatrix) GetMetric(metric MetricType) float64 {
	switch metric {
	case Precision:
		return ratio(cm.TruePositives, cm.TruePositives+cm.FalsePositives)
	case Recall:
		return ratio(cm.TruePositives, cm.TruePositives+cm.FalseNegatives)
	case F1Score:
		return ratio(2*cm.TruePositives, 2*cm.TruePositives+cm.FalsePositives+cm.FalseNegatives)
	case Specificity:
		return ratio(cm.TrueNegatives, cm.TrueNegatives+cm.FalsePositives)
	case NPV:
		return ratio(cm.TrueNegatives, cm.TrueNegatives+cm.FalseNegatives)
	case IoU:
		return ratio(cm.TruePositives, cm.TruePositives+cm.FalsePositives+cm.FalseNegatives)
	case Accuracy:
		return ratio(cm.TruePositives+cm.TrueNegatives, cm.Total())
	default:
		return 0
	}
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// BatchMetrics holds the per-batch scores reported by the trainer
type BatchMetrics struct {
	Loss      float64
	Precision float64
	Recall    float64
	F1        float64
}

// BinaryMetrics thresholds logits with a rounded sigmoid, rounds masks to
// {0,1} and scores the flattened pixels.
func BinaryMetrics(logits, masks *tensor.Tensor) (BatchMetrics, *BinaryConfusionMatrix, error) {
	if len(logits.Data) != len(masks.Data) {
		return BatchMetrics{}, nil, fmt.Errorf("output shape %v does not match mask %v: %w",
			logits.Shape, masks.Shape, tensor.ErrShapeMismatch)
	}

	preds := tensor.Round(tensor.Sigmoid(logits))
	targets := tensor.Round(masks)

	cm := &BinaryConfusionMatrix{}
	if err := cm.Update(preds.Data, targets.Data); err != nil {
		return BatchMetrics{}, nil, err
	}
	return BatchMetrics{
		Precision: cm.GetMetric(Precision),
		Recall:    cm.GetMetric(Recall),
		F1:        cm.GetMetric(F1Score),
	}, cm, nil
}

// MetricAccumulator collects per-batch metrics for one phase invocation.
type MetricAccumulator struct {
	losses     []float64
	precisions []float64
	recalls    []float64
	f1s        []float64
}

// Add records one batch
func (ma *MetricAccumulator) Add(m BatchMetrics) {
	ma.losses = append(ma.losses, m.Loss)
	ma.precisions = append(ma.precisions, m.Precision)
	ma.recalls = append(ma.recalls, m.Recall)
	ma.f1s = append(ma.f1s, m.F1)
}

// Batches returns the number of recorded batches
func (ma *MetricAccumulator) Batches() int {
	return len(ma.losses)
}

// Average divides the running sums by batches, the length of the source.
func (ma *MetricAccumulator) Average(batches int) BatchMetrics {
	if batches <= 0 {
		return BatchMetrics{Loss: math.NaN(), Precision: math.NaN(), Recall: math.NaN(), F1: math.NaN()}
	}
	n := float64(batches)
	return BatchMetrics{
		Loss:      floats.Sum(ma.losses) / n,
		Precision: floats.Sum(ma.precisions) / n,
		Recall:    floats.Sum(ma.recalls) / n,
		F1:        floats.Sum(ma.f1s) / n,
	}
}

// LossStdDev returns the sample standard deviation of the batch losses
func (ma *MetricAccumulator) LossStdDev() float64 {
	if len(ma.losses) < 2 {
		return 0
	}
	return stat.StdDev(ma.losses, nil)
}
