package postoffice

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateBindingName is returned when a binding unique name is already registered
	ErrDuplicateBindingName = errors.New("duplicate binding name")
	// ErrBindingNotFound is returned when no binding has the given unique name
	ErrBindingNotFound = errors.New("binding not found")
	// ErrNoRoute is returned when no binding matches the address of a routed message
	ErrNoRoute = errors.New("no route for address")
	// ErrNoBindings is returned when an exact address has no bindings
	ErrNoBindings = errors.New("no bindings for address")
	// ErrPagingFailure is returned when the paging collaborator fails to page a message
	ErrPagingFailure = errors.New("paging failure")
	// ErrTransactionRollback is returned when a transactional route fails and the transaction must roll back
	ErrTransactionRollback = errors.New("transaction rollback")
	// ErrTransactionNotActive is returned when using a committed or rolled back transaction
	ErrTransactionNotActive = errors.New("transaction is not active")
	// ErrInvalidBinding is returned when a binding is nil or incomplete
	ErrInvalidBinding = errors.New("invalid binding")
	// ErrInvalidBindingState is returned on an illegal binding lifecycle transition
	ErrInvalidBindingState = errors.New("invalid binding state transition")
	// ErrInvalidRoutingType is returned when parsing an unknown routing type
	ErrInvalidRoutingType = errors.New("invalid routing type")
	// ErrPostOfficeClosed is returned when using a closed post office
	ErrPostOfficeClosed = errors.New("post office is closed")
	// ErrQueueClosed is returned when enqueueing into a closed queue
	ErrQueueClosed = errors.New("queue is closed")
	// ErrNilMessage is returned when routing a nil message
	ErrNilMessage = errors.New("message cannot be nil")
)

// NewErrDuplicateBindingName formats an ErrDuplicateBindingName with the binding name
func NewErrDuplicateBindingName(name string) error {
	return fmt.Errorf("binding=(%s) %w", name, ErrDuplicateBindingName)
}

// NewErrBindingNotFound formats an ErrBindingNotFound with the binding name
func NewErrBindingNotFound(name string) error {
	return fmt.Errorf("binding=(%s) %w", name, ErrBindingNotFound)
}

// NewErrNoRoute formats an ErrNoRoute with the address and duplicate id of the message
func NewErrNoRoute(address string, duplicateID []byte) error {
	if len(duplicateID) > 0 {
		return fmt.Errorf("address=(%s) duplicateID=(%x) %w", address, duplicateID, ErrNoRoute)
	}
	return fmt.Errorf("address=(%s) %w", address, ErrNoRoute)
}

// NewErrNoBindings formats an ErrNoBindings with the address
func NewErrNoBindings(address string) error {
	return fmt.Errorf("address=(%s) %w", address, ErrNoBindings)
}

// NewErrPagingFailure joins ErrPagingFailure with the cause, naming the binding
func NewErrPagingFailure(binding string, err error) error {
	return fmt.Errorf("binding=(%s) %w", binding, errors.Join(ErrPagingFailure, err))
}

// NewErrTransactionRollback joins ErrTransactionRollback with the cause
func NewErrTransactionRollback(txID string, err error) error {
	return fmt.Errorf("transaction=(%s) %w", txID, errors.Join(ErrTransactionRollback, err))
}

// NewErrInvalidBindingState formats an illegal lifecycle transition
func NewErrInvalidBindingState(name string, from, to BindingState) error {
	return fmt.Errorf("binding=(%s) %s->%s %w", name, from, to, ErrInvalidBindingState)
}

// NewErrInvalidRoutingType formats an ErrInvalidRoutingType with the rejected name
func NewErrInvalidRoutingType(name string) error {
	return fmt.Errorf("routingType=(%s) %w", name, ErrInvalidRoutingType)
}
