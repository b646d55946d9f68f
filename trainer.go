package locoprop

import (
	"errors"
	"fmt"
	"math"

	"github.com/unixpickle/autofunc"
	"github.com/unixpickle/num-analysis/linalg"
	"github.com/unixpickle/sgd"
	"github.com/unixpickle/weakai/neuralnet"
)

// A Warning flags a model layer whose parameters a Trainer will never
// update.
type Warning struct {
	// Layer is the index of the layer in the model.
	Layer int

	Message string
}

// TrainerConfig holds the hyperparameters of a Trainer.
//
// The zero value of each field is honored as given: a Momentum of 0
// disables gradient smoothing and a Correction of 0 disables input
// correction. Use DefaultTrainerConfig for the standard settings.
type TrainerConfig struct {
	// Optimizer wraps each trainable layer's local-loss gradienter
	// in an update rule. A nil Optimizer is the identity factory,
	// giving plain gradient descent on the local loss.
	Optimizer OptimizerFactory

	// StepSize is the base step size for local optimizer updates.
	// It decays across the local iterations of each Step, never
	// below a quarter of its value.
	StepSize float64

	// LearningRate scales the step taken in activation-output space
	// when turning a captured gradient into a layer target.
	LearningRate float64

	// LocalIterations is the number of local optimizer updates per
	// layer per Step.
	LocalIterations int

	// Variant records which flavor of the algorithm this
	// configuration is meant as. It does not change the update rule.
	Variant Variant

	// Momentum is the smoothing factor, in [0, 1), of the
	// bias-corrected moving average applied to captured gradients
	// across consecutive Steps.
	Momentum float64

	// Correction caps the size of the nudge applied to the next
	// layer's recorded inputs after a layer's local updates.
	Correction float64
}

// DefaultTrainerConfig returns the standard configuration: RMSProp
// local optimization with a base step size of 2e-5, a target-space
// learning rate of 10, five local iterations, no gradient smoothing,
// and a correction cap of 0.1.
func DefaultTrainerConfig() TrainerConfig {
	return TrainerConfig{
		Optimizer: func(g sgd.Gradienter) sgd.Gradienter {
			return &RMSProp{
				Gradienter: g,
				DecayRate:  0.9,
				Momentum:   0.999,
				Damping:    1e-6,
			}
		},
		StepSize:        2e-5,
		LearningRate:    10,
		LocalIterations: 5,
		Variant:         LocoPropM,
		Correction:      0.1,
	}
}

// A Trainer updates the trainable layers of a model one at a time,
// each against its own local target, using a single global backward
// pass per Step to derive the targets.
//
// Trainers are not safe for concurrent use.
type Trainer struct {
	Model  neuralnet.Network
	Cost   neuralnet.CostFunc
	Config TrainerConfig

	// Opts has one optimizer per model layer, aligned by index.
	// A nil entry means the layer is not locally trained.
	Opts []sgd.Gradienter

	// Warnings lists the layers which hold parameters but are not
	// LocoLayers. Their parameters are never updated.
	Warnings []Warning

	grads     [][]linalg.Vector
	stepCount int
}

// NewTrainer creates a Trainer for a model, building one optimizer
// for every trainable LocoLayer in it. Layers which hold parameters
// but are not LocoLayers get no optimizer and produce a Warning.
func NewTrainer(model neuralnet.Network, cost neuralnet.CostFunc,
	config TrainerConfig) *Trainer {
	t := &Trainer{
		Model:  model,
		Cost:   cost,
		Config: config,
		Opts:   make([]sgd.Gradienter, len(model)),
	}
	factory := config.Optimizer
	if factory == nil {
		factory = func(g sgd.Gradienter) sgd.Gradienter {
			return g
		}
	}
	for i, layer := range model {
		trainable := false
		if learner, ok := layer.(sgd.Learner); ok {
			trainable = len(learner.Parameters()) > 0
		}
		if !trainable {
			continue
		}
		if loco, ok := layer.(*LocoLayer); ok {
			t.Opts[i] = factory(&bregmanGradienter{Layer: loco})
		} else {
			t.Warnings = append(t.Warnings, Warning{
				Layer: i,
				Message: fmt.Sprintf("layer %d (%T) has parameters but is not "+
					"a LocoLayer; it will not be trained", i, layer),
			})
		}
	}
	return t
}

// Step runs one training step on a batch and returns the global loss
// of the forward pass, as measured before any local updates.
//
// The batch must be non-empty and contain neuralnet.VectorSample
// values.
func (t *Trainer) Step(batch sgd.SampleSet) (float64, error) {
	n := batch.Len()
	if n == 0 {
		return 0, errors.New("empty batch")
	}
	t.stepCount++

	// Forward pass, recording every layer's inputs and capturing the
	// pre-activations of locally trained layers behind pool
	// variables.
	inps := make([][]linalg.Vector, len(t.Model))
	hiddens := make([][]autofunc.Result, len(t.Model))
	pools := make([][]*autofunc.Variable, len(t.Model))
	for i := range t.Model {
		inps[i] = make([]linalg.Vector, n)
		if t.Opts[i] != nil {
			hiddens[i] = make([]autofunc.Result, n)
			pools[i] = make([]*autofunc.Variable, n)
		}
	}
	costs := make([]autofunc.Result, n)
	for b := 0; b < n; b++ {
		sample := batch.GetSample(b).(neuralnet.VectorSample)
		var curr autofunc.Result = &autofunc.Variable{Vector: sample.Input}
		for i, layer := range t.Model {
			inps[i][b] = curr.Output().Copy()
			loco, isLoco := layer.(*LocoLayer)
			if t.Opts[i] == nil || !isLoco {
				curr = layer.Apply(curr)
				continue
			}
			hidden := loco.PreActivation(curr)
			pool := &autofunc.Variable{Vector: hidden.Output().Copy()}
			hiddens[i][b] = hidden
			pools[i][b] = pool
			out, err := loco.Forward(nil, pool)
			if err != nil {
				return 0, err
			}
			curr = out
		}
		costs[b] = t.Cost.Cost(sample.Output, curr)
	}
	total := autofunc.Scale(autofunc.SumAll(autofunc.Concat(costs...)), 1/float64(n))
	lossValue := total.Output()[0]

	// One global backward pass. The loss reaches the last pool
	// variables directly; walking the layers backward pushes each
	// captured gradient across its capture point into the earlier
	// pools.
	grad := autofunc.Gradient{}
	for _, layerPools := range pools {
		for _, pool := range layerPools {
			if pool != nil {
				grad[pool] = make(linalg.Vector, len(pool.Vector))
			}
		}
	}
	total.PropagateGradient(linalg.Vector{1}, grad)
	for i := len(t.Model) - 1; i >= 0; i-- {
		for b, hidden := range hiddens[i] {
			if hidden != nil && !hidden.Constant(grad) {
				hidden.PropagateGradient(grad[pools[i][b]].Copy(), grad)
			}
		}
	}

	fresh := make([][]linalg.Vector, len(t.Model))
	for i, layerPools := range pools {
		if layerPools == nil {
			continue
		}
		fresh[i] = make([]linalg.Vector, n)
		for b, pool := range layerPools {
			if pool != nil {
				fresh[i][b] = grad[pool]
			}
		}
	}
	t.smoothGradients(fresh)

	// Local optimization, layer by layer in model order.
	for i, layer := range t.Model {
		opt := t.Opts[i]
		if opt == nil {
			continue
		}
		loco, ok := layer.(*LocoLayer)
		if !ok {
			return 0, fmt.Errorf("layer %d (%T): %w", i, layer, ErrNotLocoLayer)
		}
		targets := make([]linalg.Vector, n)
		for b, in := range inps[i] {
			pre := loco.PreActivation(&autofunc.Variable{Vector: in}).Output()
			target := loco.table().value(pre).Copy()
			target.Add(t.grads[i][b].Copy().Scale(-t.Config.LearningRate))
			targets[b] = target
		}
		local := neuralnet.VectorSampleSet(inps[i], targets)
		for j := 0; j < t.Config.LocalIterations; j++ {
			decay := math.Max(1-float64(j)/float64(t.Config.LocalIterations), 0.25)
			applyGradient(opt.Gradient(local), -t.Config.StepSize*decay)
		}
		if t.Config.Correction > 0 && i+1 < len(t.Model) {
			t.correctInputs(loco, inps[i], inps[i+1])
		}
	}
	return lossValue, nil
}

// smoothGradients folds freshly captured gradients into the trainer's
// bias-corrected moving average. With a Momentum of 0 the average is
// the fresh gradient itself. A layer whose batch size changed since
// the last Step is restarted from the fresh gradient.
func (t *Trainer) smoothGradients(fresh [][]linalg.Vector) {
	momentum := t.Config.Momentum
	if t.grads == nil || momentum == 0 {
		t.grads = fresh
		return
	}
	debias := 1 - math.Pow(1-momentum, float64(t.stepCount))
	for i, g := range fresh {
		avg := t.grads[i]
		if g == nil || avg == nil || len(avg) != len(g) {
			t.grads[i] = g
			continue
		}
		for b, gb := range g {
			avgB := avg[b]
			if len(avgB) != len(gb) {
				avg[b] = gb
				continue
			}
			for k, x := range gb {
				avgB[k] = ((1-momentum)*x + momentum*avgB[k]) / debias
			}
		}
	}
}

// correctInputs nudges the recorded inputs of the next layer toward
// the just-updated layer's current outputs. The size of the nudge,
// measured over the whole batch, is capped at Correction times the
// square root of the layer's output dimension.
func (t *Trainer) correctInputs(layer *LocoLayer, in, next []linalg.Vector) {
	deltas := make([]linalg.Vector, len(in))
	var sqNorm float64
	for b, inVec := range in {
		out := layer.Apply(&autofunc.Variable{Vector: inVec}).Output()
		delta := out.Copy().Add(next[b].Copy().Scale(-1))
		deltas[b] = delta
		sqNorm += delta.Dot(delta)
	}
	norm := math.Sqrt(sqNorm) + 1e-5
	limit := t.Config.Correction * math.Sqrt(float64(len(next[0])))
	scale := math.Min(norm, limit) / norm
	for b, delta := range deltas {
		next[b].Add(delta.Scale(scale))
	}
}

// applyGradient adds scale times each partial to its variable.
func applyGradient(grad autofunc.Gradient, scale float64) {
	for variable, partial := range grad {
		variable.Vector.Add(partial.Copy().Scale(scale))
	}
}
