// Package codec encodes messages in protobuf wire format for page stores and peer links.
//
// Message layout:
//
//	1: id (string)
//	2: address (string)
//	3: body (bytes)
//	4: header (repeated, embedded {1: key, 2: value})
//	5: duplicate id (bytes)
//	6: group id (string)
//	7: timestamp (varint, unix nanoseconds)
//
// Envelope layout:
//
//	1: target queue (string)
//	2: message (embedded Message)
//	3: origin node (string)
package codec

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/rmacdonaldsmith/postoffice-go/pkg/postoffice"
)

// ErrMalformed is returned when decoding invalid input
var ErrMalformed = errors.New("malformed encoded message")

const (
	fieldID          protowire.Number = 1
	fieldAddress     protowire.Number = 2
	fieldBody        protowire.Number = 3
	fieldHeader      protowire.Number = 4
	fieldDuplicateID protowire.Number = 5
	fieldGroupID     protowire.Number = 6
	fieldTimestamp   protowire.Number = 7

	fieldHeaderKey   protowire.Number = 1
	fieldHeaderValue protowire.Number = 2

	fieldEnvelopeQueue   protowire.Number = 1
	fieldEnvelopeMessage protowire.Number = 2
	fieldEnvelopeOrigin  protowire.Number = 3
)

// Envelope addresses a message to a named queue on another node
type Envelope struct {
	Queue   string
	Origin  string
	Message *postoffice.Message
}

// EncodeMessage encodes msg. Headers are written in key order so equal messages encode equally.
func EncodeMessage(msg *postoffice.Message) []byte {
	return appendMessage(nil, msg)
}

func appendMessage(b []byte, msg *postoffice.Message) []byte {
	b = appendString(b, fieldID, msg.ID())
	b = appendString(b, fieldAddress, msg.Address())
	if body := msg.Body(); len(body) > 0 {
		b = protowire.AppendTag(b, fieldBody, protowire.BytesType)
		b = protowire.AppendBytes(b, body)
	}

	headers := msg.Headers()
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendString(entry, fieldHeaderKey, k)
		entry = appendString(entry, fieldHeaderValue, headers[k])
		b = protowire.AppendTag(b, fieldHeader, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}

	if msg.HasDuplicateID() {
		b = protowire.AppendTag(b, fieldDuplicateID, protowire.BytesType)
		b = protowire.AppendBytes(b, msg.DuplicateID())
	}
	b = appendString(b, fieldGroupID, msg.GroupID())
	if ts := msg.Timestamp(); !ts.IsZero() {
		b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(ts.UnixNano()))
	}
	return b
}

func appendString(b []byte, num protowire.Number, value string) []byte {
	if value == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, value)
}

// DecodeMessage decodes a message written by EncodeMessage. Unknown fields are skipped.
func DecodeMessage(b []byte) (*postoffice.Message, error) {
	var (
		id, address, groupID string
		body, duplicateID    []byte
		headers              = make(map[string]string)
		timestamp            time.Time
	)

	err := walk(b, func(num protowire.Number, typ protowire.Type, value []byte, varint uint64) error {
		switch {
		case num == fieldID && typ == protowire.BytesType:
			id = string(value)
		case num == fieldAddress && typ == protowire.BytesType:
			address = string(value)
		case num == fieldBody && typ == protowire.BytesType:
			body = append([]byte(nil), value...)
		case num == fieldHeader && typ == protowire.BytesType:
			var key, val string
			if err := walk(value, func(n protowire.Number, t protowire.Type, v []byte, _ uint64) error {
				switch {
				case n == fieldHeaderKey && t == protowire.BytesType:
					key = string(v)
				case n == fieldHeaderValue && t == protowire.BytesType:
					val = string(v)
				}
				return nil
			}); err != nil {
				return err
			}
			headers[key] = val
		case num == fieldDuplicateID && typ == protowire.BytesType:
			duplicateID = append([]byte(nil), value...)
		case num == fieldGroupID && typ == protowire.BytesType:
			groupID = string(value)
		case num == fieldTimestamp && typ == protowire.VarintType:
			timestamp = time.Unix(0, int64(varint)).UTC()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, fmt.Errorf("missing message id: %w", ErrMalformed)
	}

	return postoffice.RestoreMessage(id, address, body, headers, duplicateID, groupID, timestamp), nil
}

// EncodeEnvelope encodes an envelope
func EncodeEnvelope(env Envelope) []byte {
	var b []byte
	b = appendString(b, fieldEnvelopeQueue, env.Queue)
	b = protowire.AppendTag(b, fieldEnvelopeMessage, protowire.BytesType)
	b = protowire.AppendBytes(b, EncodeMessage(env.Message))
	b = appendString(b, fieldEnvelopeOrigin, env.Origin)
	return b
}

// DecodeEnvelope decodes an envelope written by EncodeEnvelope
func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	err := walk(b, func(num protowire.Number, typ protowire.Type, value []byte, _ uint64) error {
		switch {
		case num == fieldEnvelopeQueue && typ == protowire.BytesType:
			env.Queue = string(value)
		case num == fieldEnvelopeOrigin && typ == protowire.BytesType:
			env.Origin = string(value)
		case num == fieldEnvelopeMessage && typ == protowire.BytesType:
			msg, err := DecodeMessage(value)
			if err != nil {
				return err
			}
			env.Message = msg
		}
		return nil
	})
	if err != nil {
		return Envelope{}, err
	}
	if env.Queue == "" || env.Message == nil {
		return Envelope{}, fmt.Errorf("incomplete envelope: %w", ErrMalformed)
	}
	return env, nil
}

// walk calls fn for each field of b. Length delimited values are passed in value,
// varints in varint; other wire types are skipped.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, value []byte, varint uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.BytesType:
			value, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
			if err := fn(num, typ, value, 0); err != nil {
				return err
			}
			b = b[m:]
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
			if err := fn(num, typ, nil, v); err != nil {
				return err
			}
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return nil
}
