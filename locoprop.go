// Package locoprop trains feed-forward neuralnet models with
// layer-local losses rather than a single end-to-end update.
//
// Each trainable layer is wrapped in a LocoLayer, which pairs the
// layer's activation function with a convex potential and a
// closed-form pseudo-inverse. A Trainer runs one global backward pass
// per batch and converts the captured pre-activation gradients into
// per-layer targets. An ordinary first-order optimizer then chases
// each target through a Bregman divergence.
package locoprop

import "errors"

// A Variant names one of the two published flavors of the algorithm.
// Both flavors share the update rule implemented by Trainer; the tag
// exists so configurations can record which flavor they meant.
type Variant string

const (
	LocoPropS Variant = "LocoPropS"
	LocoPropM Variant = "LocoPropM"
)

var (
	// ErrNoInput is returned by LocoLayer.Forward when neither an
	// input nor a pre-activation is supplied.
	ErrNoInput = errors.New("no input or pre-activation given")

	// ErrUnsupportedActivation is returned when a LocoLayer is
	// created with an activation outside the supported set.
	ErrUnsupportedActivation = errors.New("unsupported activation")

	// ErrNotLocoLayer is returned by Trainer.Step when an optimizer
	// slot refers to a layer which is not a *LocoLayer.
	ErrNotLocoLayer = errors.New("optimizer slot for non-LocoLayer")
)
