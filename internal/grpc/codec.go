package grpc

import (
	"encoding/base64"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"powernet/broker/internal/wire"
)

const (
	frameEncodingKey = "encoding"
	frameBodyKey     = "body"
	framePayloadKey  = "payload"
)

// Codec converts wire messages into structpb frames and back. Identity
// frames carry the message as a nested struct; compressed frames carry the
// encoded message as base64 bytes.
type Codec struct {
	compressor wire.Compressor
}

// NewCodec builds a codec for the named compressor (none, gzip, snappy or zstd).
func NewCodec(name string) (*Codec, error) {
	compressor, err := wire.CompressorByName(name)
	if err != nil {
		return nil, err
	}
	return &Codec{compressor: compressor}, nil
}

// Name reports the frame encoding produced by this codec.
func (c *Codec) Name() string {
	if c == nil || c.compressor == nil {
		return "identity"
	}
	return c.compressor.Name()
}

// Encode wraps msg into a frame.
func (c *Codec) Encode(msg wire.Message) (*structpb.Struct, error) {
	raw, err := wire.Encode(msg)
	if err != nil {
		return nil, err
	}
	name := c.Name()
	if name == "identity" {
		//1.- Identity frames stay inspectable as a plain nested struct.
		body := &structpb.Struct{}
		if err := protojson.Unmarshal(raw, body); err != nil {
			return nil, fmt.Errorf("encode frame body: %w", err)
		}
		return &structpb.Struct{Fields: map[string]*structpb.Value{
			frameEncodingKey: structpb.NewStringValue(name),
			frameBodyKey:     structpb.NewStructValue(body),
		}}, nil
	}
	compressed, err := c.compressor.Compress(raw)
	if err != nil {
		return nil, fmt.Errorf("compress frame: %w", err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		frameEncodingKey: structpb.NewStringValue(name),
		framePayloadKey:  structpb.NewStringValue(base64.StdEncoding.EncodeToString(compressed)),
	}}, nil
}

// Decode unwraps a frame produced by any codec. The frame names its own
// encoding so peers may use different compressors.
func (c *Codec) Decode(frame *structpb.Struct) (wire.Message, error) {
	if frame == nil {
		return nil, wire.ErrEmptyPayload
	}
	encoding := frame.GetFields()[frameEncodingKey].GetStringValue()
	if encoding == "" || encoding == "identity" {
		body := frame.GetFields()[frameBodyKey].GetStructValue()
		if body == nil {
			return nil, wire.ErrEmptyPayload
		}
		raw, err := protojson.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("decode frame body: %w", err)
		}
		return wire.Decode(raw)
	}
	compressor := c.compressor
	if encoding != c.Name() {
		var err error
		if compressor, err = wire.CompressorByName(encoding); err != nil {
			return nil, err
		}
	}
	compressed, err := base64.StdEncoding.DecodeString(frame.GetFields()[framePayloadKey].GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("decode frame payload: %w", err)
	}
	raw, err := compressor.Decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("decompress frame: %w", err)
	}
	return wire.Decode(raw)
}
