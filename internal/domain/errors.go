package domain

import "errors"

// Login errors: the server replies and closes the connection
var (
	ErrLoginRequired = errors.New("must login first")
	ErrEmptyName     = errors.New("name required")
	ErrNameTooLong   = errors.New("name too long")
	ErrNameTaken     = errors.New("name already in use")
)

// Match errors: the server replies to the sender only and changes nothing
var (
	ErrNotInMatch       = errors.New("not in a match")
	ErrNotYourTurn      = errors.New("not your turn")
	ErrOutOfRange       = errors.New("bad coords")
	ErrCellOccupied     = errors.New("occupied")
	ErrOpponentNotFound = errors.New("opponent not found")
	ErrInviteNotFound   = errors.New("no invite found")
	ErrSelfChallenge    = errors.New("cannot challenge yourself")
	ErrAlreadyBusy      = errors.New("someone already in a match")
	ErrDuplicateInvite  = errors.New("invite already pending")
)

// Other domain errors
var (
	ErrAlreadyLoggedIn = errors.New("already logged in")
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrInvalidSymbol   = errors.New("invalid symbol")
	ErrMatchNotFound   = errors.New("match not found")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrInternalError   = errors.New("internal server error")
)

var loginErrors = []error{ErrLoginRequired, ErrEmptyName, ErrNameTooLong, ErrNameTaken}

var matchErrors = []error{
	ErrNotInMatch, ErrNotYourTurn, ErrOutOfRange, ErrCellOccupied,
	ErrOpponentNotFound, ErrInviteNotFound, ErrSelfChallenge, ErrAlreadyBusy, ErrDuplicateInvite,
}

// IsLoginError checks if an error ends the login handshake
func IsLoginError(err error) bool {
	return isAny(err, loginErrors)
}

// IsMatchError checks if an error is a rejected lobby or match request
func IsMatchError(err error) bool {
	return isAny(err, matchErrors)
}

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrMatchNotFound) || errors.Is(err, ErrOpponentNotFound) || errors.Is(err, ErrInviteNotFound)
}

func isAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
