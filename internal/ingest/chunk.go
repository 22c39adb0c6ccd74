package ingest

import (
	"strings"
	"unicode"
)

// Default chunking parameters, in runes.
const (
	DefaultChunkSize    = 3000
	DefaultChunkOverlap = 200
)

// Piece is one chunk of a page. Offset is the rune offset of the chunk
// within the page's normalized text.
type Piece struct {
	Page   int
	Offset int
	Text   string
}

// Chunker splits page text into overlapping windows.
type Chunker struct {
	Size    int
	Overlap int
}

// NewChunker returns a Chunker, substituting defaults for invalid values.
func NewChunker(size, overlap int) Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultChunkOverlap
		if overlap >= size {
			overlap = size / 10
		}
	}
	return Chunker{Size: size, Overlap: overlap}
}

// Split chunks every page independently so each piece keeps its page number.
// Whitespace is collapsed before splitting.
func (c Chunker) Split(pages []Page) []Piece {
	var pieces []Piece
	for _, p := range pages {
		text := []rune(strings.Join(strings.Fields(p.Text), " "))
		for _, w := range c.windows(text) {
			pieces = append(pieces, Piece{Page: p.Number, Offset: w[0], Text: string(text[w[0]:w[1]])})
		}
	}
	return pieces
}

// windows returns [start, end) rune ranges. A window prefers to end on
// whitespace in its last fifth; the next window starts Overlap runes before
// the previous end.
func (c Chunker) windows(text []rune) [][2]int {
	n := len(text)
	if n == 0 {
		return nil
	}
	var out [][2]int
	start := 0
	for start < n {
		end := min(start+c.Size, n)
		if end < n {
			floor := end - c.Size/5
			for i := end; i > floor && i > start; i-- {
				if unicode.IsSpace(text[i-1]) {
					end = i
					break
				}
			}
		}

		s, e := start, end
		for s < e && unicode.IsSpace(text[s]) {
			s++
		}
		for e > s && unicode.IsSpace(text[e-1]) {
			e--
		}
		if s < e {
			out = append(out, [2]int{s, e})
		}

		if end >= n {
			break
		}
		next := end - c.Overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return out
}
