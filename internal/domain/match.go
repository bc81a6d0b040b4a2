package domain

import "time"

// Finish reasons carried by match_end and the persisted record
const (
	ReasonWin        = "win"
	ReasonTimeout    = "timeout"
	ReasonDraw       = "draw"
	ReasonDisconnect = "disconnect"
)

// NoWinner is the persisted winner value when nobody won
const NoWinner = "none"

// MoveRecord is one accepted move; immutable once appended to a match log
type MoveRecord struct {
	X         int    `json:"x"`
	Y         int    `json:"y"`
	Symbol    Symbol `json:"symbol"`
	Timestamp int64  `json:"ts"`
}

// MatchRecord is the terminal record handed to the history sink
type MatchRecord struct {
	ID         string       `json:"id"`
	PlayerX    string       `json:"player_x"`
	PlayerO    string       `json:"player_o"`
	Winner     string       `json:"winner"`
	Reason     string       `json:"reason"`
	BoardSize  int          `json:"board_size"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Moves      []MoveRecord `json:"moves"`
}

// MatchSummary describes an active match for the admin API
type MatchSummary struct {
	ID        string    `json:"id"`
	PlayerX   string    `json:"player_x"`
	PlayerO   string    `json:"player_o"`
	Turn      Symbol    `json:"turn"`
	Deadline  time.Time `json:"deadline"`
	Moves     int       `json:"moves"`
	StartedAt time.Time `json:"started_at"`
	Board     []string  `json:"board,omitempty"`
}

// InviteSummary describes a pending challenge for the admin API
type InviteSummary struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	CreatedAt time.Time `json:"created_at"`
}
