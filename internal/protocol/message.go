package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Message types used by the websocket protocol.
const (
	TypeLogin    = "login"
	TypeMessage  = "message"
	TypeError    = "error"
	TypeSystem   = "system"
	TypeUserList = "userList"
	TypeHistory  = "history"
	TypeAt       = "at"
	TypePing     = "ping"
	TypePong     = "pong"
)

// Message is the JSON envelope exchanged over websocket in both directions.
type Message struct {
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data,omitempty"`
	Username string          `json:"username,omitempty"`
	Password string          `json:"password,omitempty"`
	Content  string          `json:"content,omitempty"`
	Message  string          `json:"message,omitempty"`
	From     string          `json:"from,omitempty"`
	Error    string          `json:"error,omitempty"`
	TS       int64           `json:"ts,omitempty"`
	Users    []string        `json:"users,omitempty"`
	History  []Record        `json:"history,omitempty"`
	Record   *Record         `json:"record,omitempty"`
}

// MarshalJSON always writes the history array on history events, so an
// empty buffer encodes as [] rather than dropping the field.
func (m Message) MarshalJSON() ([]byte, error) {
	type plain Message
	if m.Type != TypeHistory {
		return json.Marshal(plain(m))
	}
	history := m.History
	if history == nil {
		history = []Record{}
	}
	return json.Marshal(struct {
		plain
		History []Record `json:"history"`
	}{plain(m), history})
}

// Record is one chat message as stored in history and broadcast to clients.
type Record struct {
	Username string `json:"username"`
	Content  string `json:"content"`
	Time     string `json:"time"`
}

// LoginRequest is the normalized login payload.
type LoginRequest struct {
	Username string
	Password string
}

type loginObject struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// ParseLogin normalizes the accepted login shapes into one LoginRequest:
// data as a bare name string, data as {username, password}, or the flat
// username/password envelope fields.
func ParseLogin(msg Message) (LoginRequest, error) {
	data := bytes.TrimSpace(msg.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return LoginRequest{Username: msg.Username, Password: msg.Password}, nil
	}

	switch data[0] {
	case '"':
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return LoginRequest{}, fmt.Errorf("decode login name: %w", err)
		}
		return LoginRequest{Username: name}, nil
	case '{':
		var obj loginObject
		if err := json.Unmarshal(data, &obj); err != nil {
			return LoginRequest{}, fmt.Errorf("decode login object: %w", err)
		}
		return LoginRequest{Username: obj.Username, Password: obj.Password}, nil
	default:
		return LoginRequest{}, fmt.Errorf("login data must be a string or an object")
	}
}

// MessageContent returns the text of an inbound message event. The text may
// arrive in content or as a JSON string in data.
func MessageContent(msg Message) (string, error) {
	data := bytes.TrimSpace(msg.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return msg.Content, nil
	}
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return "", fmt.Errorf("message data must be a string")
	}
	return text, nil
}
