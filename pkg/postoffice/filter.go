package postoffice

// Filter selects the messages a binding accepts
type Filter interface {
	Match(msg *Message) bool
}

// FilterFunc adapts an ordinary function to a Filter
type FilterFunc func(msg *Message) bool

// Match calls f(msg)
func (f FilterFunc) Match(msg *Message) bool {
	return f(msg)
}

// HeaderFilter accepts messages carrying every listed header with the listed value
type HeaderFilter map[string]string

// Match reports whether all headers are present with equal values
func (f HeaderFilter) Match(msg *Message) bool {
	for key, want := range f {
		got, ok := msg.Header(key)
		if !ok || got != want {
			return false
		}
	}
	return true
}
