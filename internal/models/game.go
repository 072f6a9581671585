package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownMessage is returned when decoding a game message with an unrecognised kind
var ErrUnknownMessage = errors.New("unknown game message")

// MessageKind tags a GameMessage variant on the wire
type MessageKind string

const (
	KindReady     MessageKind = "READY"
	KindLoss      MessageKind = "LOSS"
	KindIdentity  MessageKind = "IDENTITY"
	KindTelemetry MessageKind = "TELEMETRY"
)

// DeliveryClass decides which path a message takes
type DeliveryClass int

const (
	// Critical messages always go through the relay and are never lost
	Critical DeliveryClass = iota
	// BestEffort messages use the peer channel and may be dropped
	BestEffort
	// PreferPeer messages use the peer channel when connected and fall back to the relay
	PreferPeer
)

func (c DeliveryClass) String() string {
	switch c {
	case Critical:
		return "critical"
	case BestEffort:
		return "best_effort"
	case PreferPeer:
		return "prefer_peer"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// GameMessage is the closed set of messages exchanged between opponents
type GameMessage interface {
	Kind() MessageKind
	Class() DeliveryClass
}

type Ready struct {
	IsReady bool `json:"isReady"`
}

type Loss struct {
	Reason string `json:"reason"`
}

type Identity struct {
	DisplayName string `json:"displayName"`
}

// EyeState is the coarse eye state carried by telemetry
type EyeState string

const (
	EyesOpen   EyeState = "open"
	EyesClosed EyeState = "closed"
)

type Telemetry struct {
	EyeState    EyeState `json:"eyeState"`
	FaceVisible bool     `json:"faceVisible"`
	Confidence  float64  `json:"confidence"`
	TS          int64    `json:"ts"`
}

func (Ready) Kind() MessageKind     { return KindReady }
func (Loss) Kind() MessageKind      { return KindLoss }
func (Identity) Kind() MessageKind  { return KindIdentity }
func (Telemetry) Kind() MessageKind { return KindTelemetry }

func (Ready) Class() DeliveryClass     { return Critical }
func (Loss) Class() DeliveryClass      { return Critical }
func (Identity) Class() DeliveryClass  { return PreferPeer }
func (Telemetry) Class() DeliveryClass { return BestEffort }

type wireGameMessage struct {
	Kind MessageKind     `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// EncodeGameMessage serialises msg with its kind tag
func EncodeGameMessage(msg GameMessage) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", msg.Kind(), err)
	}
	return json.Marshal(wireGameMessage{Kind: msg.Kind(), Body: body})
}

// DecodeGameMessage parses a tagged game message
func DecodeGameMessage(data []byte) (GameMessage, error) {
	var wire wireGameMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("failed to parse game message: %w", err)
	}

	var msg GameMessage
	var err error
	switch wire.Kind {
	case KindReady:
		var m Ready
		err = json.Unmarshal(wire.Body, &m)
		msg = m
	case KindLoss:
		var m Loss
		err = json.Unmarshal(wire.Body, &m)
		msg = m
	case KindIdentity:
		var m Identity
		err = json.Unmarshal(wire.Body, &m)
		msg = m
	case KindTelemetry:
		var m Telemetry
		err = json.Unmarshal(wire.Body, &m)
		msg = m
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, wire.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s body: %w", wire.Kind, err)
	}
	return msg, nil
}
