package protocol

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Subprotocol names negotiated during the WebSocket handshake.
const (
	SubprotocolJSON  = "chat.json"
	SubprotocolProto = "chat.proto"
)

// Subprotocols lists every subprotocol the server accepts, preferred first.
var Subprotocols = []string{SubprotocolJSON, SubprotocolProto}

// Codec turns records into frame payloads and back.
type Codec interface {
	Encode(m Message) ([]byte, error)
	Decode(data []byte) (Message, error)
	// Binary reports whether payloads go out as binary frames.
	Binary() bool
	Name() string
}

// CodecFor returns the codec for a negotiated subprotocol.
// Unknown or empty names fall back to JSON.
func CodecFor(subprotocol string) Codec {
	if subprotocol == SubprotocolProto {
		return ProtoCodec{}
	}
	return JSONCodec{}
}

// JSONCodec is the default codec, one JSON object per text frame.
type JSONCodec struct{}

func (JSONCodec) Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

func (JSONCodec) Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("failed to decode message: %w", err)
	}
	return m, nil
}

func (JSONCodec) Binary() bool { return false }

func (JSONCodec) Name() string { return SubprotocolJSON }

// ProtoCodec carries the same record as a protobuf Struct in binary frames.
type ProtoCodec struct{}

func (ProtoCodec) Encode(m Message) ([]byte, error) {
	data, err := proto.Marshal(m.toProto())
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

func (ProtoCodec) Decode(data []byte) (Message, error) {
	pbMsg := &structpb.Struct{}
	if err := proto.Unmarshal(data, pbMsg); err != nil {
		return Message{}, fmt.Errorf("failed to decode message: %w", err)
	}
	var m Message
	if err := m.fromProto(pbMsg); err != nil {
		return Message{}, fmt.Errorf("failed to decode message: %w", err)
	}
	return m, nil
}

func (ProtoCodec) Binary() bool { return true }

func (ProtoCodec) Name() string { return SubprotocolProto }

// toProto converts the Message to a protobuf Struct keyed like the JSON form.
// Empty fields are omitted so both encodings carry the same keys.
func (m *Message) toProto() *structpb.Struct {
	fields := make(map[string]*structpb.Value, 5)
	if m.Type != "" {
		fields["type"] = structpb.NewStringValue(string(m.Type))
	}
	if m.Text != "" {
		fields["text"] = structpb.NewStringValue(m.Text)
	}
	if m.Message != "" {
		fields["message"] = structpb.NewStringValue(m.Message)
	}
	if m.Sender != "" {
		fields["sender"] = structpb.NewStringValue(m.Sender)
	}
	if m.StatusCode != 0 {
		fields["status_code"] = structpb.NewNumberValue(float64(m.StatusCode))
	}
	return &structpb.Struct{Fields: fields}
}

// fromProto populates the Message from a protobuf Struct.
// A field holding the wrong value kind is rejected, matching how the JSON
// codec rejects `{"text": 5}`.
func (m *Message) fromProto(pbMsg *structpb.Struct) error {
	for key, v := range pbMsg.GetFields() {
		switch key {
		case "type", "text", "message", "sender":
			s, ok := v.GetKind().(*structpb.Value_StringValue)
			if !ok {
				return fmt.Errorf("field %q must be a string", key)
			}
			switch key {
			case "type":
				m.Type = Kind(s.StringValue)
			case "text":
				m.Text = s.StringValue
			case "message":
				m.Message = s.StringValue
			case "sender":
				m.Sender = s.StringValue
			}
		case "status_code":
			n, ok := v.GetKind().(*structpb.Value_NumberValue)
			if !ok {
				return fmt.Errorf("field %q must be a number", key)
			}
			m.StatusCode = int(n.NumberValue)
		}
	}
	return nil
}
