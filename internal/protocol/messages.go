// Package protocol encodes and decodes the newline-delimited JSON records
// exchanged between game clients and the server.
//
// Every record is a JSON object whose "type" key selects one of the
// message kinds below. Decode is exhaustive over the catalogue: an unknown
// type is the only source of ErrUnknownType.
package protocol

import "errors"

// Type is the value of the reserved "type" key
type Type string

// Message types
const (
	TypeLogin        Type = "login"
	TypeLoginOK      Type = "login_ok"
	TypeUserList     Type = "user_list"
	TypeChallenge    Type = "challenge"
	TypeInvite       Type = "invite"
	TypeAccept       Type = "accept"
	TypeMatchStart   Type = "match_start"
	TypeYourTurn     Type = "your_turn"
	TypeMove         Type = "move"
	TypeMoveOK       Type = "move_ok"
	TypeOpponentMove Type = "opponent_move"
	TypeMatchEnd     Type = "match_end"
	TypeChat         Type = "chat"
	TypeError        Type = "error"
)

// Winner framing values for match_end, relative to the recipient
const (
	WinnerYou      = "you"
	WinnerOpponent = "opponent"
	WinnerNone     = "none"
)

// Message is one record of the catalogue
type Message interface {
	MessageType() Type
}

// Login requests an identity (client → server)
type Login struct {
	Name string `json:"name"`
}

// LoginOK accepts a login and carries the current roster
type LoginOK struct {
	Users []string `json:"users"`
}

// UserList is broadcast whenever the roster changes
type UserList struct {
	Users []string `json:"users"`
}

// Challenge asks the server to invite an opponent (client → server)
type Challenge struct {
	Opponent string `json:"opponent"`
}

// Invite notifies a player of a pending challenge
type Invite struct {
	From string `json:"from"`
}

// Accept accepts a pending invite from Opponent (client → server)
type Accept struct {
	Opponent string `json:"opponent"`
}

// MatchStart assigns a player their symbol
type MatchStart struct {
	You      string `json:"you"`
	Opponent string `json:"opponent"`
	Size     int    `json:"size"`
}

// YourTurn tells the turn-holder when their turn expires (epoch seconds)
type YourTurn struct {
	Deadline int64 `json:"deadline"`
}

// Move places a stone (client → server). Missing coordinates decode as nil.
type Move struct {
	X *int `json:"x"`
	Y *int `json:"y"`
}

// MoveOK acknowledges the mover
type MoveOK struct {
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Symbol string `json:"symbol"`
}

// OpponentMove relays a move to the other player
type OpponentMove struct {
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Symbol string `json:"symbol"`
}

// MatchEnd reports the outcome framed for the recipient
type MatchEnd struct {
	Reason string `json:"reason"`
	Winner string `json:"winner"`
}

// Chat carries text to the current opponent. From is set by the server.
type Chat struct {
	From string `json:"from,omitempty"`
	Text string `json:"text"`
}

// Error rejects the previous request
type Error struct {
	Msg string `json:"msg"`
}

func (*Login) MessageType() Type        { return TypeLogin }
func (*LoginOK) MessageType() Type      { return TypeLoginOK }
func (*UserList) MessageType() Type     { return TypeUserList }
func (*Challenge) MessageType() Type    { return TypeChallenge }
func (*Invite) MessageType() Type       { return TypeInvite }
func (*Accept) MessageType() Type       { return TypeAccept }
func (*MatchStart) MessageType() Type   { return TypeMatchStart }
func (*YourTurn) MessageType() Type     { return TypeYourTurn }
func (*Move) MessageType() Type         { return TypeMove }
func (*MoveOK) MessageType() Type       { return TypeMoveOK }
func (*OpponentMove) MessageType() Type { return TypeOpponentMove }
func (*MatchEnd) MessageType() Type     { return TypeMatchEnd }
func (*Chat) MessageType() Type         { return TypeChat }
func (*Error) MessageType() Type        { return TypeError }

// NewError builds an error record from err's message. Decoder detail behind
// ErrMalformed stays server-side.
func NewError(err error) *Error {
	if errors.Is(err, ErrMalformed) {
		return &Error{Msg: ErrMalformed.Error()}
	}
	return &Error{Msg: err.Error()}
}

// IntPtr is a convenience for building Move records
func IntPtr(v int) *int {
	return &v
}
