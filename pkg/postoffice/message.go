package postoffice

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// Message is an immutable message routed by the post office.
// The With* methods return modified copies.
type Message struct {
	id          string
	address     string
	body        []byte
	headers     map[string]string
	duplicateID []byte
	groupID     string
	timestamp   time.Time
}

// NewMessage creates a new Message for the given address.
func NewMessage(address string, body []byte) *Message {
	return &Message{
		id:        uuid.NewString(),
		address:   address,
		body:      body,
		headers:   make(map[string]string),
		timestamp: time.Now().UTC(),
	}
}

// NewMessageWithHeaders creates a new Message with headers.
func NewMessageWithHeaders(address string, body []byte, headers map[string]string) *Message {
	msg := NewMessage(address, body)
	if headers != nil {
		msg.headers = maps.Clone(headers)
	}
	return msg
}

// RestoreMessage rebuilds a Message from its stored parts, keeping its identity.
// It is used by codecs reading messages back from pages or peers.
func RestoreMessage(id, address string, body []byte, headers map[string]string, duplicateID []byte, groupID string, timestamp time.Time) *Message {
	if headers == nil {
		headers = make(map[string]string)
	}
	return &Message{
		id:          id,
		address:     address,
		body:        body,
		headers:     headers,
		duplicateID: duplicateID,
		groupID:     groupID,
		timestamp:   timestamp,
	}
}

// ID returns the unique identifier of this message.
func (m *Message) ID() string {
	return m.id
}

// Address returns the address the message is published under.
func (m *Message) Address() string {
	return m.address
}

// Body returns a copy of the message body.
func (m *Message) Body() []byte {
	if m.body == nil {
		return nil
	}
	result := make([]byte, len(m.body))
	copy(result, m.body)
	return result
}

// Headers returns a copy of the message headers.
func (m *Message) Headers() map[string]string {
	return maps.Clone(m.headers)
}

// Header returns a single header value.
func (m *Message) Header(key string) (string, bool) {
	value, ok := m.headers[key]
	return value, ok
}

// DuplicateID returns a copy of the producer supplied duplicate id, or nil.
func (m *Message) DuplicateID() []byte {
	if m.duplicateID == nil {
		return nil
	}
	result := make([]byte, len(m.duplicateID))
	copy(result, m.duplicateID)
	return result
}

// HasDuplicateID reports whether the message carries a duplicate id.
func (m *Message) HasDuplicateID() bool {
	return len(m.duplicateID) > 0
}

// GroupID returns the message group id, or "" when the message is not grouped.
func (m *Message) GroupID() string {
	return m.groupID
}

// Timestamp returns when the message was created.
func (m *Message) Timestamp() time.Time {
	return m.timestamp
}

// Size returns the approximate in-memory size of the message in bytes.
func (m *Message) Size() int64 {
	size := len(m.id) + len(m.address) + len(m.body) + len(m.duplicateID) + len(m.groupID)
	for k, v := range m.headers {
		size += len(k) + len(v)
	}
	return int64(size)
}

// WithAddress returns a copy of the message published under another address.
// Diverts use it to forward messages.
func (m *Message) WithAddress(address string) *Message {
	c := m.clone()
	c.address = address
	return c
}

// WithDuplicateID returns a copy of the message carrying the given duplicate id.
func (m *Message) WithDuplicateID(id []byte) *Message {
	c := m.clone()
	if id != nil {
		c.duplicateID = make([]byte, len(id))
		copy(c.duplicateID, id)
	} else {
		c.duplicateID = nil
	}
	return c
}

// WithGroupID returns a copy of the message in the given group.
func (m *Message) WithGroupID(groupID string) *Message {
	c := m.clone()
	c.groupID = groupID
	return c
}

// WithHeader returns a copy of the message with one header set.
func (m *Message) WithHeader(key, value string) *Message {
	c := m.clone()
	c.headers = make(map[string]string, len(m.headers)+1)
	maps.Copy(c.headers, m.headers)
	c.headers[key] = value
	return c
}

func (m *Message) clone() *Message {
	c := *m
	return &c
}
