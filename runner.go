package locoprop

import (
	"github.com/unixpickle/autofunc"
	"github.com/unixpickle/num-analysis/linalg"
	"github.com/unixpickle/weakai/neuralnet"
)

// A Runner evaluates a model outside of any training step.
type Runner struct {
	Model neuralnet.Network
}

// Output applies the model to an input vector. Implicit layers
// contribute their raw pre-activations, exactly as during training.
func (r *Runner) Output(input linalg.Vector) linalg.Vector {
	in := &autofunc.Variable{Vector: input}
	return r.Model.Apply(in).Output()
}

// Activated is like Output, except that if the final layer is an
// implicit LocoLayer, its activation is applied to the result. This
// maps the logits of an implicit Softmax layer back to
// probabilities.
func (r *Runner) Activated(input linalg.Vector) linalg.Vector {
	out := r.Output(input)
	if len(r.Model) == 0 {
		return out
	}
	if loco, ok := r.Model[len(r.Model)-1].(*LocoLayer); ok && loco.Implicit {
		return loco.table().value(out)
	}
	return out
}

// Classify returns the index of the largest activated output.
func (r *Runner) Classify(input linalg.Vector) int {
	out := r.Activated(input)
	best := 0
	for i, x := range out {
		if x > out[best] {
			best = i
		}
	}
	return best
}

// RunAll applies the model to a batch of inputs.
func (r *Runner) RunAll(inputs []linalg.Vector) []linalg.Vector {
	outputs := make([]linalg.Vector, len(inputs))
	for i, input := range inputs {
		outputs[i] = r.Output(input)
	}
	return outputs
}
