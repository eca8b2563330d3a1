package actions

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire form of an action: the kind discriminator plus the
// variant's own parameters.
type Envelope struct {
	Kind   Kind            `json:"kind"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Encode wraps an action in its envelope
func Encode(a Action) (Envelope, error) {
	params, err := json.Marshal(a)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %s action: %w", a.Kind(), err)
	}
	return Envelope{Kind: a.Kind(), Params: params}, nil
}

// Decode turns an envelope back into its concrete variant and validates it
func Decode(env Envelope) (Action, error) {
	var (
		a   Action
		err error
	)
	switch env.Kind {
	case KindNavigate:
		a, err = decodeParams[Navigate](env.Params)
	case KindClick:
		a, err = decodeParams[Click](env.Params)
	case KindType:
		a, err = decodeParams[Type](env.Params)
	case KindScroll:
		a, err = decodeParams[Scroll](env.Params)
	case KindWait:
		a, err = decodeParams[Wait](env.Params)
	case KindExtract:
		a, err = decodeParams[Extract](env.Params)
	case KindScreenshot:
		a, err = decodeParams[Screenshot](env.Params)
	case KindVisitProfile:
		a, err = decodeParams[VisitProfile](env.Params)
	case KindSendMessage:
		a, err = decodeParams[SendMessage](env.Params)
	case KindSendConnection:
		a, err = decodeParams[SendConnection](env.Params)
	case KindFollow:
		a, err = decodeParams[Follow](env.Params)
	default:
		return nil, fmt.Errorf("unknown action kind %q", env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid params for %s action: %w", env.Kind, err)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

func decodeParams[T Action](raw json.RawMessage) (Action, error) {
	var v T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// EncodeAll encodes a slice of actions, preserving order
func EncodeAll(list []Action) ([]Envelope, error) {
	out := make([]Envelope, 0, len(list))
	for _, a := range list {
		env, err := Encode(a)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

// DecodeAll decodes envelopes in order, reporting the index of the first bad one
func DecodeAll(list []Envelope) ([]Action, error) {
	out := make([]Action, 0, len(list))
	for i, env := range list {
		a, err := Decode(env)
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		out = append(out, a)
	}
	return out, nil
}
