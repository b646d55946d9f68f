package locoprop

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/unixpickle/autofunc"
	"github.com/unixpickle/num-analysis/linalg"
	"github.com/unixpickle/sgd"
	"github.com/unixpickle/weakai/neuralnet"
)

// dotCost is a linear cost, sum(expected*actual), whose gradient with
// respect to the output is the expected vector itself. It makes
// hand-computed gradient checks trivial.
type dotCost struct{}

func (d dotCost) Cost(x linalg.Vector, a autofunc.Result) autofunc.Result {
	return autofunc.SumAll(autofunc.Mul(a, &autofunc.Variable{Vector: x}))
}

func (d dotCost) CostR(v autofunc.RVector, x linalg.Vector,
	a autofunc.RResult) autofunc.RResult {
	xVar := &autofunc.RVariable{
		Variable:   &autofunc.Variable{Vector: x},
		ROutputVec: make(linalg.Vector, len(x)),
	}
	return autofunc.SumAllR(autofunc.MulR(a, xVar))
}

func TestTrainerWarnings(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	plain := testDenseLayer(rng, 3, 3)
	loco, err := NewLocoLayer(testDenseLayer(rng, 3, 2), Softmax, true, 0)
	if err != nil {
		t.Fatal(err)
	}
	trainer := NewTrainer(neuralnet.Network{plain, loco}, SoftmaxCECost{},
		DefaultTrainerConfig())
	if len(trainer.Warnings) != 1 {
		t.Fatalf("expected 1 warning but got %d", len(trainer.Warnings))
	}
	if trainer.Warnings[0].Layer != 0 {
		t.Errorf("warning should name layer 0, not %d", trainer.Warnings[0].Layer)
	}
	if trainer.Opts[0] != nil {
		t.Error("unwrapped layer should have no optimizer")
	}
	if trainer.Opts[1] == nil {
		t.Error("LocoLayer should have an optimizer")
	}
}

func TestStepChainGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	loco, err := NewLocoLayer(testDenseLayer(rng, 3, 4), Sigmoid, false, 0)
	if err != nil {
		t.Fatal(err)
	}
	model := neuralnet.Network{loco, &neuralnet.Sigmoid{}}
	trainer := NewTrainer(model, dotCost{}, TrainerConfig{LearningRate: 0.1})

	input := randomVector(rng, 3)
	weights := randomVector(rng, 4)
	batch := neuralnet.VectorSampleSet([]linalg.Vector{input},
		[]linalg.Vector{weights})
	if _, err := trainer.Step(batch); err != nil {
		t.Fatal(err)
	}

	// The cost is sum(w*sigmoid(sigmoid(hidden))), so the captured
	// gradient at the hidden vector follows from two chain rules.
	hidden := loco.PreActivation(&autofunc.Variable{Vector: input}).Output()
	expected := make(linalg.Vector, len(hidden))
	for k, h := range hidden {
		act := sigmoidValue(h)
		out := sigmoidValue(act)
		expected[k] = weights[k] * out * (1 - out) * act * (1 - act)
	}
	if !vectorsClose(expected, trainer.grads[0][0]) {
		t.Errorf("expected gradient %v but got %v", expected, trainer.grads[0][0])
	}
}

func TestStepReducesLoss(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	hiddenLayer, err := NewLocoLayer(testDenseLayer(rng, 3, 4), Sigmoid, false, 0)
	if err != nil {
		t.Fatal(err)
	}
	outputLayer, err := NewLocoLayer(testDenseLayer(rng, 4, 2), Softmax, true, 0)
	if err != nil {
		t.Fatal(err)
	}
	model := neuralnet.Network{hiddenLayer, outputLayer}
	config := TrainerConfig{
		Optimizer: func(g sgd.Gradienter) sgd.Gradienter {
			return g
		},
		StepSize:        0.1,
		LearningRate:    0.5,
		LocalIterations: 3,
		Variant:         LocoPropM,
		Correction:      0.1,
	}
	trainer := NewTrainer(model, SoftmaxCECost{}, config)

	inputs := []linalg.Vector{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}, {1, 1, 0}}
	outputs := []linalg.Vector{{1, 0}, {0, 1}, {1, 0}, {0, 1}}
	batch := neuralnet.VectorSampleSet(inputs, outputs)

	losses := make([]float64, 4)
	for i := range losses {
		loss, err := trainer.Step(batch)
		if err != nil {
			t.Fatal(err)
		}
		losses[i] = loss
	}
	for i := 1; i < len(losses); i++ {
		if losses[i] >= losses[i-1] {
			t.Errorf("loss went from %f to %f at step %d", losses[i-1],
				losses[i], i)
		}
	}
}

func TestStepGradientSmoothing(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	loco, err := NewLocoLayer(testDenseLayer(rng, 3, 4), Sigmoid, false, 0)
	if err != nil {
		t.Fatal(err)
	}
	model := neuralnet.Network{loco}
	inputs := []linalg.Vector{randomVector(rng, 3), randomVector(rng, 3)}
	outputs := []linalg.Vector{randomVector(rng, 4), randomVector(rng, 4)}
	batch := neuralnet.VectorSampleSet(inputs, outputs)

	// With no local iterations the parameters never move, so every
	// Step captures the same raw gradients.
	plain := NewTrainer(model, &neuralnet.MeanSquaredCost{}, TrainerConfig{})
	if _, err := plain.Step(batch); err != nil {
		t.Fatal(err)
	}
	raw := copyGrads(plain.grads)
	if _, err := plain.Step(batch); err != nil {
		t.Fatal(err)
	}
	for b := range raw[0] {
		if !vectorsClose(raw[0][b], plain.grads[0][b]) {
			t.Error("unsmoothed gradients should repeat the raw capture")
		}
	}

	smoothed := NewTrainer(model, &neuralnet.MeanSquaredCost{},
		TrainerConfig{Momentum: 0.5})
	if _, err := smoothed.Step(batch); err != nil {
		t.Fatal(err)
	}
	for b := range raw[0] {
		if !vectorsClose(raw[0][b], smoothed.grads[0][b]) {
			t.Error("the first smoothed step should equal the raw gradient")
		}
	}
	if _, err := smoothed.Step(batch); err != nil {
		t.Fatal(err)
	}
	// ((1-m)*g + m*g) / (1-(1-m)^2) with m=0.5 is g/0.75.
	for b := range raw[0] {
		expected := raw[0][b].Copy().Scale(1 / 0.75)
		if !vectorsClose(expected, smoothed.grads[0][b]) {
			t.Errorf("expected %v but got %v", expected, smoothed.grads[0][b])
		}
	}
}

func TestStepEmptyBatch(t *testing.T) {
	trainer := NewTrainer(neuralnet.Network{}, &neuralnet.MeanSquaredCost{},
		TrainerConfig{})
	if _, err := trainer.Step(neuralnet.VectorSampleSet(nil, nil)); err == nil {
		t.Error("expected an error for an empty batch")
	}
}

func TestStepBadOptimizerSlot(t *testing.T) {
	trainer := NewTrainer(neuralnet.Network{&neuralnet.Sigmoid{}},
		&neuralnet.MeanSquaredCost{}, TrainerConfig{})
	trainer.Opts[0] = &bregmanGradienter{}
	batch := neuralnet.VectorSampleSet([]linalg.Vector{{0.5, -0.5}},
		[]linalg.Vector{{0, 1}})
	if _, err := trainer.Step(batch); !errors.Is(err, ErrNotLocoLayer) {
		t.Errorf("expected ErrNotLocoLayer but got %v", err)
	}
}

// recordingGradienter keeps every sample set it is asked to
// differentiate.
type recordingGradienter struct {
	wrapped sgd.Gradienter
	sets    []sgd.SampleSet
}

func (r *recordingGradienter) Gradient(s sgd.SampleSet) autofunc.Gradient {
	r.sets = append(r.sets, s)
	return r.wrapped.Gradient(s)
}

func TestStepNoCorrection(t *testing.T) {
	rng := rand.New(rand.NewSource(20))
	hiddenLayer, err := NewLocoLayer(testDenseLayer(rng, 3, 4), Tanh, false, 0)
	if err != nil {
		t.Fatal(err)
	}
	outputLayer, err := NewLocoLayer(testDenseLayer(rng, 4, 2), Softmax, true, 0)
	if err != nil {
		t.Fatal(err)
	}
	model := neuralnet.Network{hiddenLayer, outputLayer}

	var recorders []*recordingGradienter
	config := TrainerConfig{
		Optimizer: func(g sgd.Gradienter) sgd.Gradienter {
			rec := &recordingGradienter{wrapped: g}
			recorders = append(recorders, rec)
			return rec
		},
		StepSize:        0.1,
		LearningRate:    0.5,
		LocalIterations: 1,
	}
	trainer := NewTrainer(model, SoftmaxCECost{}, config)

	inputs := []linalg.Vector{{1, 0, 0}, {0, 1, 0.5}}
	outputs := []linalg.Vector{{1, 0}, {0, 1}}
	expected := make([]linalg.Vector, len(inputs))
	for b, in := range inputs {
		out := hiddenLayer.Apply(&autofunc.Variable{Vector: in}).Output()
		expected[b] = out.Copy()
	}
	if _, err := trainer.Step(neuralnet.VectorSampleSet(inputs, outputs)); err != nil {
		t.Fatal(err)
	}

	// With a zero Correction, the output layer's local samples are
	// exactly the inputs recorded during the forward pass, even though
	// the hidden layer's parameters changed first.
	set := recorders[1].sets[0]
	for b := 0; b < set.Len(); b++ {
		sample := set.GetSample(b).(neuralnet.VectorSample)
		for k, x := range sample.Input {
			if x != expected[b][k] {
				t.Fatalf("recorded input %d changed from %v to %v", b,
					expected[b], sample.Input)
			}
		}
	}
}

func TestCorrectInputs(t *testing.T) {
	rng := rand.New(rand.NewSource(10))
	loco, err := NewLocoLayer(testDenseLayer(rng, 3, 4), Sigmoid, false, 0)
	if err != nil {
		t.Fatal(err)
	}
	trainer := NewTrainer(neuralnet.Network{loco}, &neuralnet.MeanSquaredCost{},
		TrainerConfig{Correction: 0.2})

	ins := []linalg.Vector{randomVector(rng, 3), randomVector(rng, 3)}
	outs := make([]linalg.Vector, len(ins))
	for b, in := range ins {
		outs[b] = loco.Apply(&autofunc.Variable{Vector: in}).Output().Copy()
	}

	// Recorded inputs far from the layer's outputs: the batch-wide
	// movement is clipped to Correction*sqrt(4).
	next := make([]linalg.Vector, len(outs))
	orig := make([]linalg.Vector, len(outs))
	for b, out := range outs {
		next[b] = out.Copy()
		for i := range next[b] {
			next[b][i] += 10
		}
		orig[b] = next[b].Copy()
	}
	trainer.correctInputs(loco, ins, next)
	var moved float64
	for b := range next {
		diff := next[b].Copy().Add(orig[b].Copy().Scale(-1))
		moved += diff.Dot(diff)
		for i := range next[b] {
			if next[b][i] >= orig[b][i] {
				t.Fatal("inputs should move toward the outputs")
			}
		}
	}
	limit := 0.2 * math.Sqrt(4)
	if math.Abs(math.Sqrt(moved)-limit) > 1e-4 {
		t.Errorf("expected movement %f but got %f", limit, math.Sqrt(moved))
	}

	// Recorded inputs near the outputs are replaced almost exactly.
	for b, out := range outs {
		next[b] = out.Copy()
		for i := range next[b] {
			next[b][i] += 1e-3
		}
	}
	trainer.correctInputs(loco, ins, next)
	for b, out := range outs {
		if !vectorsClose(next[b], out) {
			t.Errorf("expected %v but got %v", out, next[b])
		}
	}
}

func TestTrainerWithAdam(t *testing.T) {
	rng := rand.New(rand.NewSource(12))
	hiddenLayer, err := NewLocoLayer(testDenseLayer(rng, 3, 4), Sigmoid, false, 0)
	if err != nil {
		t.Fatal(err)
	}
	outputLayer, err := NewLocoLayer(testDenseLayer(rng, 4, 2), Sigmoid, false, 0)
	if err != nil {
		t.Fatal(err)
	}
	model := neuralnet.Network{hiddenLayer, outputLayer}
	config := DefaultTrainerConfig()
	config.Optimizer = func(g sgd.Gradienter) sgd.Gradienter {
		return &sgd.Adam{Gradienter: g}
	}
	config.StepSize = 0.01
	config.LearningRate = 0.5
	config.LocalIterations = 2
	trainer := NewTrainer(model, &neuralnet.MeanSquaredCost{}, config)

	var before linalg.Vector
	for _, param := range hiddenLayer.Parameters() {
		before = append(before, param.Vector.Copy()...)
	}
	batch := neuralnet.VectorSampleSet(
		[]linalg.Vector{{1, 0, 0.5}, {0, 1, -0.5}},
		[]linalg.Vector{{1, 0}, {0, 1}},
	)
	for i := 0; i < 2; i++ {
		loss, err := trainer.Step(batch)
		if err != nil {
			t.Fatal(err)
		}
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			t.Fatalf("bad loss: %f", loss)
		}
	}
	var after linalg.Vector
	for _, param := range hiddenLayer.Parameters() {
		after = append(after, param.Vector.Copy()...)
	}
	if vectorsClose(before, after) {
		t.Error("parameters should change")
	}
}

func copyGrads(grads [][]linalg.Vector) [][]linalg.Vector {
	res := make([][]linalg.Vector, len(grads))
	for i, layerGrads := range grads {
		if layerGrads == nil {
			continue
		}
		res[i] = make([]linalg.Vector, len(layerGrads))
		for b, vec := range layerGrads {
			res[i][b] = vec.Copy()
		}
	}
	return res
}
