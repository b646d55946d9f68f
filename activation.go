package locoprop

import (
	"math"

	"github.com/unixpickle/autofunc"
	"github.com/unixpickle/num-analysis/linalg"
	"github.com/unixpickle/weakai/neuralnet"
)

// An Activation identifies an elementwise non-linearity with a known
// convex potential and pseudo-inverse.
type Activation int

const (
	Sigmoid Activation = iota
	Tanh
	ReLU
	Softmax
)

// String returns a human-readable name like "Sigmoid".
func (a Activation) String() string {
	switch a {
	case Sigmoid:
		return "Sigmoid"
	case Tanh:
		return "Tanh"
	case ReLU:
		return "ReLU"
	case Softmax:
		return "Softmax"
	}
	return "unknown"
}

// activationOps bundles what a LocoLayer needs to know about one
// activation kind. The potential is a convex function whose gradient
// is the activation, and the inverse is a closed-form pseudo-inverse
// of the activation.
type activationOps struct {
	fn        autofunc.RFunc
	potential func(pre autofunc.Result) autofunc.Result
	inverse   func(target linalg.Vector, eps float64) linalg.Vector
}

var activationTable = map[Activation]*activationOps{
	Sigmoid: {&autofunc.Sigmoid{}, softplusPotential, sigmoidInverse},
	Tanh:    {&neuralnet.HyperbolicTangent{}, softplusPotential, tanhInverse},
	ReLU:    {&neuralnet.ReLU{}, reluPotential, reluInverse},
	Softmax: {&autofunc.Softmax{}, logSumExpPotential, softmaxInverse},
}

// value applies the activation to a constant pre-activation vector.
func (a *activationOps) value(pre linalg.Vector) linalg.Vector {
	return a.fn.Apply(&autofunc.Variable{Vector: pre}).Output()
}

// softplusPotential is the log-partition potential shared by Sigmoid
// and Tanh: F(x) = sum(x + log(1+exp(-x))).
func softplusPotential(pre autofunc.Result) autofunc.Result {
	exp := autofunc.Exp{}
	log := autofunc.Log{}
	negExp := exp.Apply(autofunc.Scale(pre, -1))
	perComp := autofunc.Add(pre, log.Apply(autofunc.AddScaler(negExp, 1)))
	return autofunc.SumAll(perComp)
}

// reluPotential is F(x) = 0.5*sum(x*relu(x)).
func reluPotential(pre autofunc.Result) autofunc.Result {
	relu := neuralnet.ReLU{}
	return autofunc.Scale(autofunc.SumAll(autofunc.Mul(pre, relu.Apply(pre))), 0.5)
}

// logSumExpPotential is F(x) = log(sum(exp(x))).
// The sum is shifted by max(x) so that large pre-activations do not
// overflow; the shift is constant, so gradients are unaffected.
func logSumExpPotential(pre autofunc.Result) autofunc.Result {
	max := pre.Output()[0]
	for _, x := range pre.Output() {
		if x > max {
			max = x
		}
	}
	exp := autofunc.Exp{}
	log := autofunc.Log{}
	expSum := autofunc.SumAll(exp.Apply(autofunc.AddScaler(pre, -max)))
	return autofunc.AddScaler(log.Apply(expSum), max)
}

func sigmoidInverse(target linalg.Vector, eps float64) linalg.Vector {
	res := make(linalg.Vector, len(target))
	for i, y := range target {
		a := clipValue(y, eps, 1-eps)
		res[i] = math.Log(a / (1 - a))
	}
	return res
}

func tanhInverse(target linalg.Vector, eps float64) linalg.Vector {
	res := make(linalg.Vector, len(target))
	for i, y := range target {
		a := clipValue((y+1)/2, eps, 1-eps)
		res[i] = 0.5 * math.Log(a/(1-a))
	}
	return res
}

func reluInverse(target linalg.Vector, eps float64) linalg.Vector {
	res := make(linalg.Vector, len(target))
	for i, y := range target {
		if y > 0 {
			res[i] = y
		}
	}
	return res
}

// softmaxInverse is log(target), with no clipping: a zero probability
// legitimately maps to an infinitely negative pre-activation.
func softmaxInverse(target linalg.Vector, eps float64) linalg.Vector {
	res := make(linalg.Vector, len(target))
	for i, y := range target {
		res[i] = math.Log(y)
	}
	return res
}

func clipValue(x, min, max float64) float64 {
	if x < min {
		return min
	} else if x > max {
		return max
	}
	return x
}
