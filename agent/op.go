package main

import (
	"context"
	"fmt"

	"collabtext/internal/cursor"
)

// Op is one message from an editor UI. Index and Count are character
// offsets into the current text; Line and Column are 1-based.
type Op struct {
	Action string `json:"action"` // insert, delete, replace, cursor or save
	Text   string `json:"text,omitempty"`
	Index  int    `json:"index,omitempty"`
	Count  int    `json:"count,omitempty"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`
}

// View is one message to an editor UI.
type View struct {
	Type    string          `json:"type"` // text, cursors or error
	Text    string          `json:"text,omitempty"`
	Cursors []cursor.Remote `json:"cursors,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// editor is the part of the sync agent the UI drives.
type editor interface {
	Insert(pos int, text string) error
	Delete(pos, n int) error
	SetText(text string) error
	MoveCursor(line, column int)
	Save(ctx context.Context) error
}

func applyOp(ctx context.Context, ed editor, op Op) error {
	switch op.Action {
	case "insert":
		return ed.Insert(op.Index, op.Text)
	case "delete":
		if op.Count == 0 {
			op.Count = 1
		}
		return ed.Delete(op.Index, op.Count)
	case "replace":
		return ed.SetText(op.Text)
	case "cursor":
		ed.MoveCursor(op.Line, op.Column)
		return nil
	case "save":
		return ed.Save(ctx)
	default:
		return fmt.Errorf("unknown action %q", op.Action)
	}
}
