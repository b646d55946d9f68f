package locoprop

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/unixpickle/autofunc"
	"github.com/unixpickle/num-analysis/linalg"
	"github.com/unixpickle/serializer"
	"github.com/unixpickle/sgd"
	"github.com/unixpickle/weakai/neuralnet"
)

// DefaultEps is the pseudo-inverse clipping epsilon used when a
// LocoLayer is created with an epsilon of zero.
const DefaultEps = 1e-5

func init() {
	var l LocoLayer
	serializer.RegisterTypedDeserializer(l.SerializerType(), DeserializeLocoLayer)
}

// A LocoLayer wraps a parametric module and an elementwise activation
// so that a Trainer can pose the module's update as a local convex
// problem.
//
// If Implicit is set, the layer's output is the raw pre-activation
// rather than the activated value. This is meant for a final Softmax
// layer trained against a cost like SoftmaxCECost, which expects
// logits.
//
// LocoLayers should be created with NewLocoLayer or deserialized with
// DeserializeLocoLayer.
type LocoLayer struct {
	Module     neuralnet.Layer
	Activation Activation
	Implicit   bool
	Eps        float64

	ops *activationOps
}

// NewLocoLayer creates a LocoLayer around a module, typically a
// *neuralnet.DenseLayer. The module should not apply its own
// non-linearity; the activation argument supplies it.
//
// If eps is 0, DefaultEps is used. If the activation is not one of
// the supported kinds, the error wraps ErrUnsupportedActivation.
func NewLocoLayer(module neuralnet.Layer, activation Activation, implicit bool,
	eps float64) (*LocoLayer, error) {
	ops, ok := activationTable[activation]
	if !ok {
		return nil, fmt.Errorf("activation %v: %w", activation, ErrUnsupportedActivation)
	}
	if eps == 0 {
		eps = DefaultEps
	}
	return &LocoLayer{
		Module:     module,
		Activation: activation,
		Implicit:   implicit,
		Eps:        eps,
		ops:        ops,
	}, nil
}

// DeserializeLocoLayer deserializes a LocoLayer.
func DeserializeLocoLayer(d []byte) (*LocoLayer, error) {
	slice, err := serializer.DeserializeSlice(d)
	if err != nil {
		return nil, err
	}
	if len(slice) != 2 {
		return nil, errors.New("invalid LocoLayer slice")
	}
	meta, ok1 := slice[0].(serializer.Bytes)
	module, ok2 := slice[1].(neuralnet.Layer)
	if !ok1 || !ok2 {
		return nil, errors.New("invalid LocoLayer slice")
	}
	var data locoLayerData
	if err := json.Unmarshal(meta, &data); err != nil {
		return nil, err
	}
	return NewLocoLayer(module, data.Activation, data.Implicit, data.Eps)
}

// Forward computes the layer's output. If hidden is nil, the
// pre-activation is computed by applying the module to x; otherwise
// hidden is used directly and x may be nil. If both arguments are
// nil, ErrNoInput is returned.
func (l *LocoLayer) Forward(x, hidden autofunc.Result) (autofunc.Result, error) {
	if x == nil && hidden == nil {
		return nil, ErrNoInput
	}
	if hidden == nil {
		hidden = l.PreActivation(x)
	}
	if l.Implicit {
		return hidden, nil
	}
	return l.table().fn.Apply(hidden), nil
}

// Apply applies the layer to an input, making LocoLayer usable as a
// neuralnet.Layer.
func (l *LocoLayer) Apply(in autofunc.Result) autofunc.Result {
	res, err := l.Forward(in, nil)
	if err != nil {
		panic(err)
	}
	return res
}

// ApplyR is like Apply but for RResults.
func (l *LocoLayer) ApplyR(rv autofunc.RVector, in autofunc.RResult) autofunc.RResult {
	hidden := l.PreActivationR(rv, in)
	if l.Implicit {
		return hidden
	}
	return l.table().fn.ApplyR(rv, hidden)
}

// PreActivation applies the module without the activation.
func (l *LocoLayer) PreActivation(x autofunc.Result) autofunc.Result {
	return l.Module.Apply(x)
}

// PreActivationR is like PreActivation but for RResults.
func (l *LocoLayer) PreActivationR(rv autofunc.RVector, x autofunc.RResult) autofunc.RResult {
	return l.Module.ApplyR(rv, x)
}

// PseudoInverse maps a target in activation-output space back to a
// pre-activation which would roughly produce it, clipping by the
// layer's epsilon where the true inverse diverges.
func (l *LocoLayer) PseudoInverse(target linalg.Vector) linalg.Vector {
	return l.table().inverse(target, l.Eps)
}

// BregmanLoss measures how far the layer's pre-activation on x is
// from the pseudo-inverse of target, using the Bregman divergence of
// the activation's convex potential. The result has one component,
// and is zero when the pre-activation matches the pseudo-inverted
// target exactly.
func (l *LocoLayer) BregmanLoss(x autofunc.Result, target linalg.Vector) autofunc.Result {
	ops := l.table()
	a := l.PseudoInverse(target)
	aVar := &autofunc.Variable{Vector: a}
	actA := &autofunc.Variable{Vector: ops.value(a)}
	potA := ops.potential(aVar).Output()[0]
	return autofunc.Pool(l.PreActivation(x), func(pre autofunc.Result) autofunc.Result {
		diff := autofunc.Add(pre, autofunc.Scale(aVar, -1))
		inner := autofunc.SumAll(autofunc.Mul(actA, diff))
		bregman := autofunc.Add(ops.potential(pre), autofunc.Scale(inner, -1))
		return autofunc.AddScaler(bregman, -potA)
	})
}

// Parameters returns the parameters of the wrapped module, making
// LocoLayer usable as an sgd.Learner.
func (l *LocoLayer) Parameters() []*autofunc.Variable {
	if learner, ok := l.Module.(sgd.Learner); ok {
		return learner.Parameters()
	} else {
		return nil
	}
}

// SerializerType returns the unique ID used to serialize LocoLayers
// with the serializer package.
func (l *LocoLayer) SerializerType() string {
	return "github.com/unixpickle/locoprop.LocoLayer"
}

// Serialize serializes the layer's settings and its module.
func (l *LocoLayer) Serialize() ([]byte, error) {
	meta, err := json.Marshal(locoLayerData{
		Activation: l.Activation,
		Implicit:   l.Implicit,
		Eps:        l.Eps,
	})
	if err != nil {
		return nil, err
	}
	return serializer.SerializeSlice([]serializer.Serializer{
		serializer.Bytes(meta),
		l.Module,
	})
}

func (l *LocoLayer) table() *activationOps {
	if l.ops == nil {
		ops, ok := activationTable[l.Activation]
		if !ok {
			panic(ErrUnsupportedActivation)
		}
		l.ops = ops
	}
	return l.ops
}

type locoLayerData struct {
	Activation Activation `json:"activation"`
	Implicit   bool       `json:"implicit"`
	Eps        float64    `json:"eps"`
}
