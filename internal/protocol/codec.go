// ABOUTME: Message codecs for WebSocket frames: JSON text via sonic, MessagePack binary
// ABOUTME: Clients pick a codec with the format query parameter at connect time

package protocol

import (
	"bytes"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec names accepted in the format query parameter
const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// Codec encodes and decodes messages.
type Codec interface {
	Encode(msg *Message) ([]byte, error)
	Decode(data []byte) (*Message, error)
	Name() string
	// Binary reports whether frames should be sent as binary rather than text.
	Binary() bool
}

// CodecFor returns the codec for a format name; empty means JSON.
func CodecFor(name string) (Codec, error) {
	switch name {
	case "", CodecNameJSON:
		return JSONCodec{}, nil
	case CodecNameMsgpack:
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unsupported format %q", name)
	}
}

// JSONCodec encodes messages as JSON text frames.
type JSONCodec struct{}

func (JSONCodec) Encode(msg *Message) ([]byte, error) {
	return sonic.Marshal(msg)
}

func (JSONCodec) Decode(data []byte) (*Message, error) {
	var m Message
	if err := sonic.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (JSONCodec) Name() string { return CodecNameJSON }
func (JSONCodec) Binary() bool { return false }

// MsgpackCodec encodes messages as MessagePack binary frames.
// Field names follow the json tags so both encodings share one schema.
type MsgpackCodec struct{}

func (MsgpackCodec) Encode(msg *Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.SetOmitEmpty(true)
	if err := enc.Encode(msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (MsgpackCodec) Decode(data []byte) (*Message, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	var m Message
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (MsgpackCodec) Name() string { return CodecNameMsgpack }
func (MsgpackCodec) Binary() bool { return true }
