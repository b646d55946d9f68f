package locoprop

import (
	"math"

	"github.com/unixpickle/autofunc"
	"github.com/unixpickle/num-analysis/linalg"
	"github.com/unixpickle/sgd"
	"github.com/unixpickle/weakai/neuralnet"
)

// An OptimizerFactory wraps the local-loss gradienter of one
// trainable layer in an update rule such as RMSProp or sgd.Adam.
// A Trainer calls the factory once per trainable layer, so each layer
// gets its own optimizer state.
//
// The identity factory
//
//	func(g sgd.Gradienter) sgd.Gradienter { return g }
//
// yields plain gradient descent on the local loss.
type OptimizerFactory func(g sgd.Gradienter) sgd.Gradienter

// A bregmanGradienter computes the gradient of one layer's mean
// Bregman loss over a batch of local samples with respect to the
// layer's parameters.
//
// Samples must be neuralnet.VectorSamples whose Output is a target in
// the layer's activation-output space.
type bregmanGradienter struct {
	Layer *LocoLayer
}

func (b *bregmanGradienter) Gradient(s sgd.SampleSet) autofunc.Gradient {
	grad := autofunc.NewGradient(b.Layer.Parameters())
	n := s.Len()
	for i := 0; i < n; i++ {
		sample := s.GetSample(i).(neuralnet.VectorSample)
		in := &autofunc.Variable{Vector: sample.Input}
		loss := b.Layer.BregmanLoss(in, sample.Output)
		loss.PropagateGradient(linalg.Vector{1 / float64(n)}, grad)
	}
	return grad
}

// RMSProp is an sgd.Gradienter which scales the gradients of a
// wrapped Gradienter by a decaying average of their squared entries,
// then optionally smooths the scaled gradients with a momentum
// buffer. The damping term is added after the square root.
//
// A DecayRate of 0 is treated as 0.9 and a Damping of 0 as 1e-6.
// A Momentum of 0 disables the momentum buffer.
type RMSProp struct {
	Gradienter sgd.Gradienter

	DecayRate float64
	Momentum  float64
	Damping   float64

	squareAvg autofunc.Gradient
	velocity  autofunc.Gradient
}

// Gradient computes the wrapped Gradienter's gradient and rescales it
// according to the RMSProp update rule.
func (r *RMSProp) Gradient(s sgd.SampleSet) autofunc.Gradient {
	decay := r.DecayRate
	if decay == 0 {
		decay = 0.9
	}
	damping := r.Damping
	if damping == 0 {
		damping = 1e-6
	}
	if r.squareAvg == nil {
		r.squareAvg = autofunc.Gradient{}
		r.velocity = autofunc.Gradient{}
	}
	grad := r.Gradienter.Gradient(s)
	for variable, g := range grad {
		sq := r.squareAvg[variable]
		if sq == nil {
			sq = make(linalg.Vector, len(g))
			r.squareAvg[variable] = sq
		}
		for i, x := range g {
			sq[i] = decay*sq[i] + (1-decay)*x*x
			g[i] = x / (math.Sqrt(sq[i]) + damping)
		}
		if r.Momentum == 0 {
			continue
		}
		vel := r.velocity[variable]
		if vel == nil {
			vel = make(linalg.Vector, len(g))
			r.velocity[variable] = vel
		}
		for i, x := range g {
			vel[i] = r.Momentum*vel[i] + x
			g[i] = vel[i]
		}
	}
	return grad
}
