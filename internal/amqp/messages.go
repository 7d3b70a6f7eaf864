package amqp

import (
	"encoding/json"
	"errors"
	"time"
)

// GroupChangedMessage announces that a group reached a new version.
// Consumers reload the group from storage.
type GroupChangedMessage struct {
	GroupID   string    `json:"group_id"`
	Version   int64     `json:"version"`
	Operation string    `json:"operation"`
	ExpenseID string    `json:"expense_id,omitempty"`
	Deleted   bool      `json:"deleted,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewGroupChangedMessage stamps a message with the current time.
func NewGroupChangedMessage(groupID string, version int64, operation, expenseID string) GroupChangedMessage {
	return GroupChangedMessage{
		GroupID:   groupID,
		Version:   version,
		Operation: operation,
		ExpenseID: expenseID,
		Timestamp: time.Now().UTC(),
	}
}

// ToJSON converts the message to JSON bytes
func (m GroupChangedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// GroupChangedMessageFromJSON decodes and sanity-checks a message body.
func GroupChangedMessageFromJSON(data []byte) (GroupChangedMessage, error) {
	var msg GroupChangedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return GroupChangedMessage{}, err
	}
	if msg.GroupID == "" {
		return GroupChangedMessage{}, errors.New("message has no group_id")
	}
	return msg, nil
}
