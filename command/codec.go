package command

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// WireVersion is the envelope format version written by Encode.
const WireVersion uint8 = 1

var (
	// ErrUnknownKind is returned when decoding an envelope with an unknown
	// kind tag.
	ErrUnknownKind = errors.New("command: unknown kind")
	// ErrUnsupportedVersion is returned for envelopes of a newer format.
	ErrUnsupportedVersion = errors.New("command: unsupported wire version")
)

type envelope struct {
	_msgpack struct{} `msgpack:",as_array"`

	Version uint8
	Kind    Kind
	Body    msgpack.RawMessage
}

// Encode serializes c. The encoding is deterministic.
func Encode(c Command) ([]byte, error) {
	if c == nil {
		return nil, errors.New("command: nil command")
	}
	body, err := msgpack.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("command: encode %s: %w", c.Kind(), err)
	}
	return msgpack.Marshal(&envelope{Version: WireVersion, Kind: c.Kind(), Body: body})
}

// Decode parses an envelope produced by Encode.
func Decode(data []byte) (Command, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("command: decode envelope: %w", err)
	}
	if env.Version != WireVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.Version)
	}

	switch env.Kind {
	case KindInsert:
		return decodeBody[Insert](env)
	case KindUpdate:
		return decodeBody[Update](env)
	case KindDelete:
		return decodeBody[Delete](env)
	case KindGet:
		return decodeBody[Get](env)
	case KindHistory:
		return decodeBody[History](env)
	case KindVectorSearch:
		return decodeBody[VectorSearch](env)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(env.Kind))
	}
}

func decodeBody[T Command](env envelope) (Command, error) {
	var c T
	if err := msgpack.Unmarshal(env.Body, &c); err != nil {
		return nil, fmt.Errorf("command: decode %s: %w", env.Kind, err)
	}
	return c, nil
}
