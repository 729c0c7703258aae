package training

import (
	"fmt"
	"math"
	"strings"

	"github.com/tsawler/go-unet/tensor"
)

// Loss interface for all loss functions. Forward returns the reduced loss
// and Backward the gradient with respect to the logits.
type Loss interface {
	Forward(logits, target *tensor.Tensor) (float64, error)
	Backward(logits, target *tensor.Tensor) (*tensor.Tensor, error)
	Name() string
}

func checkLossShapes(logits, target *tensor.Tensor) error {
	if !tensor.SameShape(logits, target) {
		return fmt.Errorf("logits shape %v does not match target %v: %w",
			logits.Shape, target.Shape, tensor.ErrShapeMismatch)
	}
	if len(logits.Data) == 0 {
		return fmt.Errorf("empty loss input")
	}
	return nil
}

// BCEWithLogitsLoss is binary cross entropy on raw logits, computed in the
// numerically stable form. PosWeight scales the positive term.
type BCEWithLogitsLoss struct {
	reduction string // "mean" or "sum"
	PosWeight float64
}

// NewBCEWithLogitsLoss creates a new BCE loss; posWeight <= 0 means 1.
func NewBCEWithLogitsLoss(reduction string, posWeight float64) *BCEWithLogitsLoss {
	if reduction == "" {
		reduction = "mean"
	}
	if posWeight <= 0 {
		posWeight = 1
	}
	return &BCEWithLogitsLoss{reduction: reduction, PosWeight: posWeight}
}

func (bce *BCEWithLogitsLoss) Name() string { return "bce" }

// Forward computes (1-y)x + (1+(w-1)y)(log(1+exp(-|x|)) + max(-x,0))
func (bce *BCEWithLogitsLoss) Forward(logits, target *tensor.Tensor) (float64, error) {
	if err := checkLossShapes(logits, target); err != nil {
		return 0, err
	}
	var sum float64
	for i, x := range logits.Data {
		y := target.Data[i]
		weight := 1 + (bce.PosWeight-1)*y
		sum += (1-y)*x + weight*(math.Log1p(math.Exp(-math.Abs(x)))+math.Max(-x, 0))
	}
	return bce.reduce(sum, len(logits.Data)), nil
}

// Backward computes (1-y) - (1+(w-1)y)(1-sigmoid(x)), scaled by the reduction
func (bce *BCEWithLogitsLoss) Backward(logits, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkLossShapes(logits, target); err != nil {
		return nil, err
	}
	grad := tensor.Sigmoid(logits)
	scale := bce.reduce(1, len(logits.Data))
	for i, p := range grad.Data {
		y := target.Data[i]
		weight := 1 + (bce.PosWeight-1)*y
		grad.Data[i] = ((1 - y) - weight*(1-p)) * scale
	}
	return grad, nil
}

func (bce *BCEWithLogitsLoss) reduce(sum float64, n int) float64 {
	if bce.reduction == "sum" {
		return sum
	}
	return sum / float64(n)
}

// DiceLoss is 1 - (2*sum(p*y) + smooth) / (sum(p) + sum(y) + smooth) over
// the whole batch, with p = sigmoid(logits).
type DiceLoss struct {
	Smooth float64
}

// NewDiceLoss creates a new Dice loss
func NewDiceLoss(smooth float64) *DiceLoss {
	return &DiceLoss{Smooth: smooth}
}

func (d *DiceLoss) Name() string { return "dice" }

func (d *DiceLoss) sums(probs, target *tensor.Tensor) (intersection, denominator float64) {
	for i, p := range probs.Data {
		intersection += p * target.Data[i]
		denominator += p + target.Data[i]
	}
	return 2*intersection + d.Smooth, denominator + d.Smooth
}

// Forward computes the Dice loss
func (d *DiceLoss) Forward(logits, target *tensor.Tensor) (float64, error) {
	if err := checkLossShapes(logits, target); err != nil {
		return 0, err
	}
	num, den := d.sums(tensor.Sigmoid(logits), target)
	if den == 0 {
		return 0, nil
	}
	return 1 - num/den, nil
}

// Backward computes the Dice gradient with respect to the logits
func (d *DiceLoss) Backward(logits, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkLossShapes(logits, target); err != nil {
		return nil, err
	}
	probs := tensor.Sigmoid(logits)
	num, den := d.sums(probs, target)
	grad, err := tensor.Zeros(logits.Shape)
	if err != nil {
		return nil, err
	}
	if den == 0 {
		return grad, nil
	}
	for i, p := range probs.Data {
		dp := -(2*target.Data[i]*den - num) / (den * den)
		grad.Data[i] = dp * p * (1 - p)
	}
	return grad, nil
}

// CombinedLoss is a weighted sum of losses, e.g. BCE + Dice.
type CombinedLoss struct {
	losses  []Loss
	weights []float64
}

// NewCombinedLoss pairs each loss with a weight
func NewCombinedLoss(losses []Loss, weights []float64) (*CombinedLoss, error) {
	if len(losses) == 0 || len(losses) != len(weights) {
		return nil, fmt.Errorf("combined loss needs one weight per loss: %d losses, %d weights", len(losses), len(weights))
	}
	return &CombinedLoss{losses: losses, weights: weights}, nil
}

func (c *CombinedLoss) Name() string {
	names := make([]string, len(c.losses))
	for i, l := range c.losses {
		names[i] = l.Name()
	}
	return strings.Join(names, "+")
}

// Forward returns the weighted sum of each loss
func (c *CombinedLoss) Forward(logits, target *tensor.Tensor) (float64, error) {
	var total float64
	for i, l := range c.losses {
		v, err := l.Forward(logits, target)
		if err != nil {
			return 0, fmt.Errorf("%s loss: %w", l.Name(), err)
		}
		total += c.weights[i] * v
	}
	return total, nil
}

// Backward returns the weighted sum of each gradient
func (c *CombinedLoss) Backward(logits, target *tensor.Tensor) (*tensor.Tensor, error) {
	total, err := tensor.Zeros(logits.Shape)
	if err != nil {
		return nil, err
	}
	for i, l := range c.losses {
		g, err := l.Backward(logits, target)
		if err != nil {
			return nil, fmt.Errorf("%s loss gradient: %w", l.Name(), err)
		}
		tensor.Scale(g, c.weights[i])
		if err := tensor.AddInPlace(total, g); err != nil {
			return nil, err
		}
	}
	return total, nil
}

// NewLoss builds a loss by name: "bce", "dice" or "bce_dice".
func NewLoss(name string) (Loss, error) {
	switch strings.ToLower(name) {
	case "", "bce", "bce_with_logits":
		return NewBCEWithLogitsLoss("mean", 1), nil
	case "dice":
		return NewDiceLoss(1), nil
	case "bce_dice", "bce+dice":
		return NewCombinedLoss(
			[]Loss{NewBCEWithLogitsLoss("mean", 1), NewDiceLoss(1)},
			[]float64{0.5, 0.5},
		)
	default:
		return nil, fmt.Errorf("unknown loss %q", name)
	}
}
