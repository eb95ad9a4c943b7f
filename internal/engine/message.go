package engine

import "fmt"

// Level classifies an engine progress message.
type Level string

const (
	LevelInfo  Level = "info"
	LevelSkip  Level = "skip"
	LevelError Level = "error"
)

// Message is one progress event emitted by the engine. Messages are
// emitted in command order; a fatal message is always the last one of a
// run.
type Message struct {
	Index   int    `json:"index"`
	Command string `json:"command"`
	Target  string `json:"target,omitempty"`
	Level   Level  `json:"level"`
	Text    string `json:"text"`
	Stderr  string `json:"stderr,omitempty"`
	Fatal   bool   `json:"fatal,omitempty"`
}

func (m Message) String() string {
	if m.Target == "" {
		return fmt.Sprintf("[%d] %s: %s", m.Index, m.Command, m.Text)
	}
	return fmt.Sprintf("[%d] %s (%s): %s", m.Index, m.Command, m.Target, m.Text)
}
