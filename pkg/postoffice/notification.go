package postoffice

import (
	"strconv"
	"time"
)

// NotificationType identifies a management notification
type NotificationType int

const (
	NotificationBindingAdded NotificationType = iota
	NotificationBindingRemoved
)

func (t NotificationType) String() string {
	switch t {
	case NotificationBindingAdded:
		return "BINDING_ADDED"
	case NotificationBindingRemoved:
		return "BINDING_REMOVED"
	default:
		return "UNKNOWN"
	}
}

// Management message header keys
const (
	HeaderNotificationType = "_PO_NotifType"
	HeaderBindingName      = "_PO_Binding"
	HeaderBindingAddress   = "_PO_Address"
	HeaderBindingType      = "_PO_BindingType"
	HeaderSequence         = "_PO_Sequence"
	HeaderConsumerCount    = "_PO_ConsumerCount"
	HeaderOwner            = "_PO_Owner"
	HeaderNodeID           = "_PO_NodeID"
	HeaderForwardAddress   = "_PO_ForwardAddress"
)

// Notification describes a binding change
type Notification struct {
	Type        NotificationType
	Sequence    uint64
	BindingName string
	Address     string
	BindingType BindingType
	Owner       string
	Timestamp   time.Time
}

// BindingInfoHeaders returns the management headers describing a binding
func BindingInfoHeaders(b Binding) map[string]string {
	headers := map[string]string{
		HeaderBindingName:    b.UniqueName(),
		HeaderBindingAddress: b.Address(),
		HeaderBindingType:    b.Type().String(),
	}
	if b.Owner() != "" {
		headers[HeaderOwner] = b.Owner()
	}
	switch v := b.(type) {
	case *LocalQueueBinding:
		headers[HeaderConsumerCount] = strconv.Itoa(v.ConsumerCount())
	case *RemoteQueueBinding:
		headers[HeaderConsumerCount] = strconv.Itoa(v.ConsumerCount())
		headers[HeaderNodeID] = v.NodeID()
	case *DivertBinding:
		headers[HeaderForwardAddress] = v.ForwardAddress()
	}
	return headers
}

// Headers returns the management headers of the notification
func (n Notification) Headers() map[string]string {
	headers := map[string]string{
		HeaderNotificationType: n.Type.String(),
		HeaderBindingName:      n.BindingName,
		HeaderBindingAddress:   n.Address,
		HeaderBindingType:      n.BindingType.String(),
		HeaderSequence:         strconv.FormatUint(n.Sequence, 10),
	}
	if n.Owner != "" {
		headers[HeaderOwner] = n.Owner
	}
	return headers
}
