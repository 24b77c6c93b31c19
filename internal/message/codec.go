package message

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

var ErrUnknownKind = errors.New("unknown message kind")

// wire is the std-compatible sonic API; output matches encoding/json.
var wire = sonic.ConfigStd

type envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// JSON encodes v with the wire configuration used for backend requests.
func JSON(v any) ([]byte, error) {
	return wire.Marshal(v)
}

// Encode serializes msg together with its kind so it can be decoded later
// without knowing the variant in advance.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("encode nil message")
	}
	payload, err := wire.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", msg.Kind(), err)
	}
	return wire.Marshal(envelope{Kind: msg.Kind(), Payload: payload})
}

// Decode reverses Encode.
func Decode(raw []byte) (Message, error) {
	var env envelope
	if err := wire.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode message envelope: %w", err)
	}

	var msg Message
	switch env.Kind {
	case KindCreateTrace:
		msg = &CreateTrace{}
	case KindUpdateTrace:
		msg = &UpdateTrace{}
	case KindCreateSpan:
		msg = &CreateSpan{}
	case KindUpdateSpan:
		msg = &UpdateSpan{}
	case KindTraceFeedbackScores:
		msg = &AddTraceFeedbackScoresBatch{}
	case KindSpanFeedbackScores:
		msg = &AddSpanFeedbackScoresBatch{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	if err := wire.Unmarshal(env.Payload, msg); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Kind, err)
	}
	return msg, nil
}
