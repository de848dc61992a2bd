// Package forms defines the validation contract for workflow input forms.
// The engine treats form payloads as opaque maps; a Form normalizes and
// validates one payload before it is merged into process state.
package forms

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"

	"github.com/stepflow-io/stepflow/pkg/domain/errors"
	"github.com/stepflow-io/stepflow/pkg/domain/signal"
)

// Form validates one user-supplied payload and returns the normalized state
// delta to merge into the process state.
type Form interface {
	Validate(input signal.State) (signal.State, error)
}

// Func adapts a plain function to the Form interface.
type Func func(input signal.State) (signal.State, error)

// Validate implements Form.
func (f Func) Validate(input signal.State) (signal.State, error) { return f(input) }

// None accepts any payload unchanged.
func None() Form {
	return Func(func(input signal.State) (signal.State, error) {
		if input == nil {
			return signal.State{}, nil
		}
		return input, nil
	})
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Struct validates payloads against a struct prototype with validator tags.
// The factory returns a fresh pointer-to-struct for each validation.
type Struct struct {
	New func() any
}

// Validate decodes the payload into the prototype, runs the tag validators
// and re-encodes the normalized struct as the state delta.
func (f Struct) Validate(input signal.State) (signal.State, error) {
	target := f.New()

	raw, err := json.Marshal(input)
	if err != nil {
		return nil, errors.New(errors.CodeFormInvalid, "forms", "form input is not serializable", err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, errors.New(errors.CodeFormInvalid, "forms", "form input does not match the expected shape", err)
	}
	if err := validate.Struct(target); err != nil {
		return nil, errors.New(errors.CodeFormInvalid, "forms", "form input failed validation", err)
	}

	normalized, err := json.Marshal(target)
	if err != nil {
		return nil, errors.New(errors.CodeInternalError, "forms", "failed to re-encode form input", err)
	}
	var out signal.State
	if err := json.Unmarshal(normalized, &out); err != nil {
		return nil, errors.New(errors.CodeInternalError, "forms", "failed to decode normalized form input", err)
	}
	return out, nil
}

// ValidateAll validates an ordered list of payloads against a form, merging
// the normalized deltas left to right. Used for the initial-input form, whose
// wire shape is a list.
func ValidateAll(form Form, inputs []signal.State) (signal.State, error) {
	if form == nil {
		form = None()
	}
	merged := signal.State{}
	for _, input := range inputs {
		delta, err := form.Validate(input)
		if err != nil {
			return nil, err
		}
		for k, v := range delta {
			merged[k] = v
		}
	}
	return merged, nil
}
