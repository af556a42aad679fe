// Package protocol defines the frames exchanged between sync agents and
// the relay over a websocket.
//
// Control metadata travels in JSON text frames. Replica content travels in
// binary frames: the snapshot sent right after subscribe and every delta
// afterwards, in either direction. The text frame "new" is the fresh-room
// sentinel.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type discriminates JSON control frames.
type Type string

const (
	TypeSubscribe    Type = "subscribe"
	TypeUpdate       Type = "yjs-update"
	TypeCursorUpdate Type = "cursor-update"
)

// FreshRoom is sent in place of a snapshot when the room had no replica.
const FreshRoom = "new"

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrMissingField   = errors.New("missing required field")
	ErrUnknownType    = errors.New("unknown frame type")
)

// Frame is one decoded control frame: *Subscribe, *Update or *CursorUpdate.
type Frame interface {
	Type() Type
	RoomName() string
}

// Subscribe joins the sending connection to a room.
type Subscribe struct {
	Room     string
	UserName string
}

// Update carries a replica delta inside a text frame. Agents send deltas
// as binary frames; this form exists for text-only peers.
type Update struct {
	Room     string
	UserName string
	Delta    []byte
}

// CursorUpdate announces where a user's insertion point is.
type CursorUpdate struct {
	Room     string
	UserName string
	Position Position
}

// Position is a cursor location. Column is the raw 1-based character
// index; VisualColumn is the same point adjusted for glyph width.
type Position struct {
	LineNumber   int `json:"lineNumber"`
	Column       int `json:"column"`
	VisualColumn int `json:"visualColumn"`
}

func (*Subscribe) Type() Type    { return TypeSubscribe }
func (*Update) Type() Type       { return TypeUpdate }
func (*CursorUpdate) Type() Type { return TypeCursorUpdate }

func (f *Subscribe) RoomName() string    { return f.Room }
func (f *Update) RoomName() string       { return f.Room }
func (f *CursorUpdate) RoomName() string { return f.Room }

// wireFrame is the loose JSON shape all control frames share.
type wireFrame struct {
	Type     Type         `json:"type"`
	Room     string       `json:"room,omitempty"`
	Topics   []string     `json:"topics,omitempty"`
	UserName string       `json:"userName,omitempty"`
	Position *Position    `json:"position,omitempty"`
	Content  *wireContent `json:"content,omitempty"`
}

// wireContent holds bytes as a JSON array of numbers.
type wireContent struct {
	Data []int `json:"data"`
}

// Decode parses a text frame. Frames missing a field their type requires
// are rejected rather than defaulted.
func Decode(data []byte) (Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	room := w.Room
	if room == "" && len(w.Topics) > 0 {
		room = w.Topics[0]
	}

	switch w.Type {
	case TypeSubscribe:
		if room == "" {
			return nil, fmt.Errorf("%w: subscribe: room", ErrMissingField)
		}
		if w.UserName == "" {
			return nil, fmt.Errorf("%w: subscribe: userName", ErrMissingField)
		}
		return &Subscribe{Room: room, UserName: w.UserName}, nil

	case TypeUpdate:
		if room == "" {
			return nil, fmt.Errorf("%w: update: room", ErrMissingField)
		}
		if w.Content == nil || len(w.Content.Data) == 0 {
			return nil, fmt.Errorf("%w: update: content.data", ErrMissingField)
		}
		delta := make([]byte, len(w.Content.Data))
		for i, v := range w.Content.Data {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("%w: update: byte %d out of range: %d", ErrMalformedFrame, i, v)
			}
			delta[i] = byte(v)
		}
		return &Update{Room: room, UserName: w.UserName, Delta: delta}, nil

	case TypeCursorUpdate:
		if room == "" {
			return nil, fmt.Errorf("%w: cursor-update: room", ErrMissingField)
		}
		if w.UserName == "" {
			return nil, fmt.Errorf("%w: cursor-update: userName", ErrMissingField)
		}
		if w.Position == nil {
			return nil, fmt.Errorf("%w: cursor-update: position", ErrMissingField)
		}
		return &CursorUpdate{Room: room, UserName: w.UserName, Position: *w.Position}, nil

	case "":
		return nil, fmt.Errorf("%w: type", ErrMissingField)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, w.Type)
	}
}

// Encode renders a control frame as JSON text.
func Encode(f Frame) ([]byte, error) {
	var w wireFrame
	switch f := f.(type) {
	case *Subscribe:
		w = wireFrame{Type: TypeSubscribe, Room: f.Room, UserName: f.UserName}
	case *Update:
		data := make([]int, len(f.Delta))
		for i, b := range f.Delta {
			data[i] = int(b)
		}
		w = wireFrame{Type: TypeUpdate, Room: f.Room, UserName: f.UserName, Content: &wireContent{Data: data}}
	case *CursorUpdate:
		pos := f.Position
		w = wireFrame{Type: TypeCursorUpdate, Room: f.Room, UserName: f.UserName, Position: &pos}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, f)
	}
	return json.Marshal(w)
}
