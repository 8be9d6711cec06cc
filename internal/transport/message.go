// Package transport defines the frames exchanged with agents and the Hub that
// routes outbound frames to live links.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/EternisAI/silo-control/internal/store"
)

var ErrMalformedMessage = errors.New("malformed message")

type Kind string

// Agent to server.
const (
	KindHello Kind = "hello"
	KindPing  Kind = "ping"
	KindAck   Kind = "ack"
	KindFin   Kind = "fin"
	KindEvent Kind = "event"
)

// Server to agent.
const (
	KindCommand   Kind = "command"
	KindQuit      Kind = "quit"
	KindReconnect Kind = "reconnect"
	KindCommit    Kind = "commit"
)

// Message is a tagged union. Query names the variant and decides which of the
// remaining fields are meaningful.
type Message struct {
	Query Kind `json:"query"`

	// hello
	AgentID string `json:"agent_id,omitempty"`
	Key     string `json:"key,omitempty"`

	// command, ack, fin
	ID string `json:"id,omitempty"`

	// command
	Shell     string `json:"shell,omitempty"`
	Line      string `json:"line,omitempty"`
	Data      string `json:"data,omitempty"`
	Username  string `json:"user,omitempty"`
	Groupname string `json:"group,omitempty"`

	// fin
	Success     *bool    `json:"success,omitempty"`
	Result      string   `json:"result,omitempty"`
	ElapsedTime *float64 `json:"elapsed_time,omitempty"`

	// quit, reconnect
	Reason string `json:"reason,omitempty"`

	// event
	Reporter    string `json:"reporter,omitempty"`
	Record      string `json:"record,omitempty"`
	Description string `json:"description,omitempty"`
}

func NewCommand(cmd *store.Command) *Message {
	return &Message{
		Query:     KindCommand,
		ID:        cmd.ID,
		Shell:     cmd.Shell,
		Line:      cmd.Line,
		Data:      cmd.Data,
		Username:  cmd.Username,
		Groupname: cmd.Groupname,
	}
}

func NewQuit(reason string) *Message {
	return &Message{Query: KindQuit, Reason: reason}
}

func NewReconnect(reason string) *Message {
	return &Message{Query: KindReconnect, Reason: reason}
}

func NewCommit() *Message {
	return &Message{Query: KindCommit}
}

func NewHello(agentID, key string) *Message {
	return &Message{Query: KindHello, AgentID: agentID, Key: key}
}

func NewPing() *Message {
	return &Message{Query: KindPing}
}

func NewAck(id string) *Message {
	return &Message{Query: KindAck, ID: id}
}

func NewFin(id string, success bool, result string, elapsed float64) *Message {
	return &Message{Query: KindFin, ID: id, Success: &success, Result: result, ElapsedTime: &elapsed}
}

func NewEvent(reporter, record, description string) *Message {
	return &Message{Query: KindEvent, Reporter: reporter, Record: record, Description: description}
}

// Terminal reports whether the link must be closed once this frame is sent.
func (m *Message) Terminal() bool {
	return m.Query == KindQuit || m.Query == KindReconnect
}

// Validate checks that the fields required by the variant are present.
func (m *Message) Validate() error {
	switch m.Query {
	case KindHello:
		if m.AgentID == "" || m.Key == "" {
			return fmt.Errorf("%w: hello requires agent_id and key", ErrMalformedMessage)
		}
	case KindPing, KindCommit:
	case KindAck:
		if m.ID == "" {
			return fmt.Errorf("%w: ack requires id", ErrMalformedMessage)
		}
	case KindFin:
		if m.ID == "" || m.Success == nil {
			return fmt.Errorf("%w: fin requires id and success", ErrMalformedMessage)
		}
	case KindEvent:
		if m.Record == "" {
			return fmt.Errorf("%w: event requires record", ErrMalformedMessage)
		}
	case KindCommand:
		if m.ID == "" || m.Shell == "" {
			return fmt.Errorf("%w: command requires id and shell", ErrMalformedMessage)
		}
	case KindQuit, KindReconnect:
	case "":
		return fmt.Errorf("%w: missing query", ErrMalformedMessage)
	default:
		return fmt.Errorf("%w: unknown query %q", ErrMalformedMessage, m.Query)
	}
	return nil
}

// Decode parses and validates a raw frame.
func Decode(raw []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}
