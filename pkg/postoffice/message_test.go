package postoffice

import (
	"bytes"
	"testing"
)

// TestMessage tests message construction and copy semantics
func TestMessage(t *testing.T) {
	headers := map[string]string{"content-type": "text/plain"}
	msg := NewMessageWithHeaders("orders.eu", []byte("hello"), headers)

	if msg.ID() == "" {
		t.Error("Expected message id to be generated")
	}
	if msg.Address() != "orders.eu" {
		t.Errorf("Expected address orders.eu, got %s", msg.Address())
	}
	if msg.Timestamp().IsZero() {
		t.Error("Expected timestamp to be set")
	}

	// Mutating inputs and outputs must not change the message
	headers["content-type"] = "changed"
	body := msg.Body()
	body[0] = 'X'
	if v, _ := msg.Header("content-type"); v != "text/plain" {
		t.Errorf("Expected headers to be copied on construction, got %s", v)
	}
	if !bytes.Equal(msg.Body(), []byte("hello")) {
		t.Errorf("Expected body to be immutable, got %s", msg.Body())
	}
}

// TestMessageWithCopies tests that With* methods leave the original untouched
func TestMessageWithCopies(t *testing.T) {
	original := NewMessage("orders", []byte("x"))

	grouped := original.WithGroupID("g1").WithDuplicateID([]byte("dup-1")).WithHeader("k", "v")
	if original.GroupID() != "" || original.HasDuplicateID() {
		t.Error("Expected original message to be unchanged")
	}
	if _, ok := original.Header("k"); ok {
		t.Error("Expected original headers to be unchanged")
	}
	if grouped.GroupID() != "g1" || string(grouped.DuplicateID()) != "dup-1" {
		t.Errorf("Unexpected copy: group=%s dup=%s", grouped.GroupID(), grouped.DuplicateID())
	}
	if grouped.ID() != original.ID() {
		t.Error("Expected copies to keep the message id")
	}

	moved := grouped.WithAddress("audit")
	if moved.Address() != "audit" || grouped.Address() != "orders" {
		t.Errorf("Unexpected addresses %s / %s", moved.Address(), grouped.Address())
	}
	if moved.Size() <= 0 {
		t.Error("Expected a positive size")
	}
}
