package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Codec errors
var (
	ErrUnknownType = errors.New("unknown type")
	ErrMalformed   = errors.New("malformed record")
)

// Delimiter terminates every encoded record
const Delimiter = '\n'

// Encode renders msg as a single JSON object with a leading "type" key,
// terminated by Delimiter.
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", msg.MessageType(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("encoding %s: record is not an object", msg.MessageType())
	}
	typ, err := json.Marshal(string(msg.MessageType()))
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", msg.MessageType(), err)
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(typ) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	buf.WriteByte(Delimiter)
	return buf.Bytes(), nil
}

// Decode parses one record. The frame may or may not carry its delimiter.
func Decode(frame []byte) (Message, error) {
	frame = bytes.TrimSpace(frame)

	var envelope struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	msg := newMessage(envelope.Type)
	if msg == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, envelope.Type)
	}
	if err := json.Unmarshal(frame, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return msg, nil
}

func newMessage(t Type) Message {
	switch t {
	case TypeLogin:
		return &Login{}
	case TypeLoginOK:
		return &LoginOK{}
	case TypeUserList:
		return &UserList{}
	case TypeChallenge:
		return &Challenge{}
	case TypeInvite:
		return &Invite{}
	case TypeAccept:
		return &Accept{}
	case TypeMatchStart:
		return &MatchStart{}
	case TypeYourTurn:
		return &YourTurn{}
	case TypeMove:
		return &Move{}
	case TypeMoveOK:
		return &MoveOK{}
	case TypeOpponentMove:
		return &OpponentMove{}
	case TypeMatchEnd:
		return &MatchEnd{}
	case TypeChat:
		return &Chat{}
	case TypeError:
		return &Error{}
	default:
		return nil
	}
}

// IsProtocolError reports whether err rejects one record without breaking framing
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrUnknownType) || errors.Is(err, ErrMalformed)
}
