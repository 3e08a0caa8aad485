// ABOUTME: JSON codec for the event union: {type, data, userId, metadata}
// ABOUTME: Unknown types and missing required fields are rejected, never guessed

package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Codec errors
var (
	ErrUnknownType     = errors.New("unknown event type")
	ErrInvalidPayload  = errors.New("invalid event payload")
	ErrInvalidEnvelope = errors.New("invalid event envelope")
)

// wireEvent is the on-the-wire shape of every event.
type wireEvent struct {
	Type     Type            `json:"type"`
	Data     json.RawMessage `json:"data"`
	UserID   string          `json:"userId"`
	Metadata Metadata        `json:"metadata"`
}

// requiredFields lists the payload keys that must be present per type.
var requiredFields = map[Type][]string{
	TypeNewMessage:      {"id", "messageType", "content", "timestamp"},
	TypeTypingStart:     {"timestamp"},
	TypeTypingStop:      {"timestamp"},
	TypeMessageReaction: {"messageId", "emoji", "timestamp"},
}

// Encode validates ev and serialises it to its wire form.
func Encode(ev Event) ([]byte, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", ev.Type(), err)
	}
	return json.Marshal(wireEvent{
		Type:     ev.Type(),
		Data:     data,
		UserID:   ev.UserID,
		Metadata: ev.Metadata,
	})
}

// Decode parses a wire event. The result always satisfies Validate.
func Decode(raw []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	required, ok := requiredFields[w.Type]
	if !ok {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownType, w.Type)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(w.Data, &fields); err != nil || fields == nil {
		return Event{}, fmt.Errorf("%w: %s data is not an object", ErrInvalidPayload, w.Type)
	}
	for _, name := range required {
		if _, ok := fields[name]; !ok {
			return Event{}, fmt.Errorf("%w: %s.%s is missing", ErrInvalidPayload, w.Type, name)
		}
	}

	payload, err := decodePayload(w.Type, w.Data)
	if err != nil {
		return Event{}, err
	}

	ev := New(Envelope{UserID: w.UserID, Metadata: w.Metadata}, payload)
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func decodePayload(t Type, data json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch t {
	case TypeNewMessage:
		var v NewMessage
		err = json.Unmarshal(data, &v)
		p = v
	case TypeTypingStart:
		var v TypingStart
		err = json.Unmarshal(data, &v)
		p = v
	case TypeTypingStop:
		var v TypingStop
		err = json.Unmarshal(data, &v)
		p = v
	case TypeMessageReaction:
		var v MessageReaction
		err = json.Unmarshal(data, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, t, err)
	}
	return p, nil
}
