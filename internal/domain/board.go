package domain

// WinLength is the number of contiguous stones that wins a match
const WinLength = 5

// Symbol is the marker bound to a player within a match
type Symbol uint8

const (
	SymbolNone Symbol = iota
	SymbolX
	SymbolO
)

// String returns the wire form of the symbol
func (s Symbol) String() string {
	switch s {
	case SymbolX:
		return "X"
	case SymbolO:
		return "O"
	default:
		return ""
	}
}

// Other returns the opposing symbol
func (s Symbol) Other() Symbol {
	switch s {
	case SymbolX:
		return SymbolO
	case SymbolO:
		return SymbolX
	default:
		return SymbolNone
	}
}

// MarshalText encodes the symbol as "X" or "O"
func (s Symbol) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes "X" or "O"
func (s *Symbol) UnmarshalText(text []byte) error {
	switch string(text) {
	case "X":
		*s = SymbolX
	case "O":
		*s = SymbolO
	case "":
		*s = SymbolNone
	default:
		return ErrInvalidSymbol
	}
	return nil
}

// Cell is the content of one board square
type Cell = Symbol

// CellEmpty marks an unoccupied square
const CellEmpty Cell = SymbolNone

// axes lists the four scan directions: horizontal, vertical, down-right, down-left
var axes = [4][2]int{{1, 0}, {0, 1}, {1, 1}, {1, -1}}

// Board is a fixed-size, bounds-checked N×N grid
type Board struct {
	size   int
	cells  []Cell
	filled int
}

// NewBoard creates an empty board of the given size
func NewBoard(size int) *Board {
	return &Board{
		size:  size,
		cells: make([]Cell, size*size),
	}
}

// Size returns N
func (b *Board) Size() int {
	return b.size
}

// InBounds reports whether (x, y) addresses a square on the board
func (b *Board) InBounds(x, y int) bool {
	return x >= 0 && x < b.size && y >= 0 && y < b.size
}

// At returns the cell at (x, y); out-of-bounds squares read as empty
func (b *Board) At(x, y int) Cell {
	if !b.InBounds(x, y) {
		return CellEmpty
	}
	return b.cells[y*b.size+x]
}

// Place sets (x, y) to the symbol. Occupied squares are never overwritten.
func (b *Board) Place(x, y int, s Symbol) error {
	if !b.InBounds(x, y) {
		return ErrOutOfRange
	}
	if s == SymbolNone {
		return ErrInvalidSymbol
	}
	i := y*b.size + x
	if b.cells[i] != CellEmpty {
		return ErrCellOccupied
	}
	b.cells[i] = s
	b.filled++
	return nil
}

// Full reports whether every square is occupied
func (b *Board) Full() bool {
	return b.filled == len(b.cells)
}

// RunAt returns the longest contiguous run of s through (x, y) over the four axes.
// The stone at (x, y) is counted as s whether or not it has been placed yet.
func (b *Board) RunAt(x, y int, s Symbol) int {
	longest := 0
	for _, axis := range axes {
		run := 1 + b.count(x, y, axis[0], axis[1], s) + b.count(x, y, -axis[0], -axis[1], s)
		if run > longest {
			longest = run
		}
	}
	return longest
}

// WinsAt reports whether the stone at (x, y) completes a run of WinLength or more
func (b *Board) WinsAt(x, y int, s Symbol) bool {
	return b.RunAt(x, y, s) >= WinLength
}

func (b *Board) count(x, y, dx, dy int, s Symbol) int {
	n := 0
	for {
		x += dx
		y += dy
		if !b.InBounds(x, y) || b.cells[y*b.size+x] != s {
			return n
		}
		n++
	}
}

// Rows renders the board as one string per row using "X", "O" and "."
func (b *Board) Rows() []string {
	rows := make([]string, b.size)
	line := make([]byte, b.size)
	for y := 0; y < b.size; y++ {
		for x := 0; x < b.size; x++ {
			switch b.cells[y*b.size+x] {
			case SymbolX:
				line[x] = 'X'
			case SymbolO:
				line[x] = 'O'
			default:
				line[x] = '.'
			}
		}
		rows[y] = string(line)
	}
	return rows
}
