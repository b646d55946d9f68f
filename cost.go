package locoprop

import (
	"github.com/unixpickle/autofunc"
	"github.com/unixpickle/num-analysis/linalg"
	"github.com/unixpickle/weakai/neuralnet"
)

// SoftmaxCECost is a neuralnet.CostFunc which measures cross entropy
// between an expected distribution and an actual vector of
// unnormalized log-probabilities. It pairs with a final Softmax
// LocoLayer in implicit mode, whose output is the raw logits.
type SoftmaxCECost struct{}

// Cost computes the cross entropy of the actual logits against the
// expected distribution.
func (s SoftmaxCECost) Cost(x linalg.Vector, a autofunc.Result) autofunc.Result {
	softmax := neuralnet.LogSoftmaxLayer{}
	logProbs := softmax.Apply(a)
	expected := &autofunc.Variable{Vector: x}
	return autofunc.Scale(autofunc.SumAll(autofunc.Mul(logProbs, expected)), -1)
}

// CostR is like Cost but for RResults.
func (s SoftmaxCECost) CostR(v autofunc.RVector, x linalg.Vector,
	a autofunc.RResult) autofunc.RResult {
	softmax := neuralnet.LogSoftmaxLayer{}
	logProbs := softmax.ApplyR(v, a)
	expected := &autofunc.RVariable{
		Variable:   &autofunc.Variable{Vector: x},
		ROutputVec: make(linalg.Vector, len(x)),
	}
	return autofunc.ScaleR(autofunc.SumAllR(autofunc.MulR(logProbs, expected)), -1)
}
