// Package cursor tracks collaborators' insertion points and maps logical
// columns to columns that line up on screen.
package cursor

import "unicode/utf8"

// width is the number of display cells a character occupies: one for
// ASCII, two for anything else.
func width(r rune) int {
	if r < utf8.RuneSelf {
		return 1
	}
	return 2
}

// scan walks line until limit characters have been processed or the line
// ends, returning the characters processed and the cells they occupy.
func scan(line string, limit int) (chars, cells int) {
	for _, r := range line {
		if chars == limit {
			break
		}
		cells += width(r)
		chars++
	}
	return chars, cells
}

// VisualColumn maps a 1-based raw column in line to the 1-based character
// index used to place a cursor marker. Columns past the end of the line
// clamp to length+1; columns below 1 clamp to 1.
//
// The result is a character index, not a count of display cells: for
// "a한b" raw column 2 maps to 2 even though "a" and "한" span 3 cells.
func VisualColumn(line string, rawColumn int) int {
	if rawColumn < 1 {
		return 1
	}
	chars, _ := scan(line, rawColumn)
	if chars < rawColumn {
		return chars + 1
	}
	return chars
}

// DisplayWidth returns the number of display cells taken by the
// characters before the 1-based rawColumn, clamped to the line.
func DisplayWidth(line string, rawColumn int) int {
	if rawColumn <= 1 {
		return 0
	}
	_, cells := scan(line, rawColumn-1)
	return cells
}
