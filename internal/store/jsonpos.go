package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Position locates a byte offset within a source file as line/column,
// both 1-based.
type Position struct {
	File   string
	Line   int
	Column int
}

func (p Position) String() string {
	if p.File == "" {
		return fmt.Sprintf("%d:%d", p.Line, p.Column)
	}
	return fmt.Sprintf("%s:%d:%d", p.File, p.Line, p.Column)
}

// DecodeError is a JSON decoding failure annotated with its source
// position, so validation diagnostics can point at the offending line.
type DecodeError struct {
	Pos Position
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %v", e.Pos, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DecodeJSON unmarshals data into v, rejecting unknown fields and
// converting decoder byte offsets into file positions.
func DecodeJSON(file string, data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return positionedError(file, data, err)
	}
	return nil
}

// DecodeJSONLoose unmarshals data into v, tolerating unknown fields.
func DecodeJSONLoose(file string, data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return positionedError(file, data, err)
	}
	return nil
}

func positionedError(file string, data []byte, err error) error {
	var syn *json.SyntaxError
	if errors.As(err, &syn) {
		return &DecodeError{Pos: offsetPosition(file, data, syn.Offset), Err: err}
	}
	var typ *json.UnmarshalTypeError
	if errors.As(err, &typ) {
		return &DecodeError{Pos: offsetPosition(file, data, typ.Offset), Err: err}
	}
	return &DecodeError{Pos: Position{File: file, Line: 1, Column: 1}, Err: err}
}

func offsetPosition(file string, data []byte, offset int64) Position {
	if offset < 0 {
		offset = 0
	}
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	prefix := data[:offset]
	line := bytes.Count(prefix, []byte{'\n'}) + 1
	column := int(offset) - bytes.LastIndexByte(prefix, '\n')
	return Position{File: file, Line: line, Column: column}
}
