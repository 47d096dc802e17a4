package amqphook

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec defines the serialization contract for event envelopes.
type Codec interface {
	// Encode serializes an envelope to bytes.
	Encode(env *Envelope) ([]byte, error)

	// Decode deserializes bytes into an envelope.
	Decode(data []byte) (*Envelope, error)

	// Name returns the codec identifier (e.g., "json", "msgpack").
	Name() string

	// ContentType returns the MIME type stamped on published messages.
	ContentType() string
}

// Codec name constants for configuration.
const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// GetCodec returns a codec by name. Defaults to JSON.
func GetCodec(name string) Codec {
	switch name {
	case CodecNameMsgpack:
		return &MsgpackCodec{}
	case CodecNameJSON, "":
		return &JSONCodec{}
	default:
		return &JSONCodec{}
	}
}

// JSONCodec encodes envelopes as JSON.
type JSONCodec struct{}

func (c *JSONCodec) Encode(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (c *JSONCodec) Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (c *JSONCodec) Name() string { return CodecNameJSON }

func (c *JSONCodec) ContentType() string { return "application/json" }

// MsgpackCodec encodes envelopes as MessagePack.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(env *Envelope) ([]byte, error) {
	return msgpack.Marshal(env)
}

func (c *MsgpackCodec) Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (c *MsgpackCodec) Name() string { return CodecNameMsgpack }

func (c *MsgpackCodec) ContentType() string { return "application/msgpack" }
