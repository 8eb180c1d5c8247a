package remote

import (
	"encoding/json"
	"fmt"

	proto "google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/hermes-sync/internal/types"
)

type frameType string

const (
	frameSubscribe frameType = "subscribe"
	frameWrite     frameType = "write"
	frameAck       frameType = "ack"
	frameNack      frameType = "nack"
	frameChange    frameType = "change"
)

// frame is the websocket message exchanged with a remote relay. It travels as
// a protobuf Struct in binary messages. RequestID pairs writes with their
// ack and changes with the subscription that asked for them.
type frame struct {
	Type          frameType           `json:"type"`
	RequestID     string              `json:"request_id,omitempty"`
	Collection    types.CollectionID  `json:"collection,omitempty"`
	ID            types.DocumentID    `json:"id,omitempty"`
	CorrelationID types.CorrelationID `json:"correlation_id,omitempty"`
	Patch         *types.Patch        `json:"patch,omitempty"`
	Change        *types.Change       `json:"change,omitempty"`
	Version       uint64              `json:"version,omitempty"`
	Error         string              `json:"error,omitempty"`
	Rejected      bool                `json:"rejected,omitempty"`
}

func encodeFrame(f frame) ([]byte, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return proto.Marshal(msg)
}

func decodeFrame(data []byte) (frame, error) {
	var msg structpb.Struct
	if err := proto.Unmarshal(data, &msg); err != nil {
		return frame{}, fmt.Errorf("decode frame: %w", err)
	}
	raw, err := json.Marshal(msg.AsMap())
	if err != nil {
		return frame{}, fmt.Errorf("decode frame: %w", err)
	}
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return frame{}, fmt.Errorf("decode frame: missing type")
	}
	return f, nil
}
