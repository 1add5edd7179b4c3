package broker

import (
	"encoding/json"
	"errors"
	"time"
)

var ErrEmptyMessage = errors.New("broker: message body is empty")

// Message is the unit a topic carries. Key, when set, pins the message to
// one partition.
type Message struct {
	Header    string
	Body      string
	Key       string
	Timestamp int64
}

func (m *Message) encodeMessage() ([]byte, error) {
	return json.Marshal(m)
}

func decodeMessage(data []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(data, &m)
	return m, err
}

// NewMessage parses a message from its json form and stamps it.
func NewMessage(content string) (Message, error) {
	message, err := decodeMessage([]byte(content))
	if err != nil {
		return message, err
	}
	if message.Body == "" {
		return message, ErrEmptyMessage
	}
	if message.Timestamp == 0 {
		message.Timestamp = time.Now().UnixNano()
	}
	return message, nil
}
