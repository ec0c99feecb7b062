// Package ymsg implements the Yate external-module wire protocol:
// message framing, percent escaping and the parameter dictionary carried
// by every engine message.
//
// Reference: https://yate.null.ro/docs/extmodule.html
package ymsg

import (
	"time"

	uuid "github.com/satori/go.uuid"
)

// Type is the direction of a message frame.
type Type int

const (
	// Request travels engine->module as %%>message and expects a reply.
	Request Type = iota
	// Reply travels module->engine as %%<message (or the other way for
	// messages we dispatched ourselves).
	Reply
)

func (t Type) String() string {
	if t == Reply {
		return "reply"
	}
	return "request"
}

// NextMessageID generates unique id for a dispatched message.
func NextMessageID() string {
	return uuid.Must(uuid.NewV4()).String()
}

// Param is a single key=value message parameter.
type Param struct {
	Key   string
	Value string
}

// Params is an ordered parameter dictionary. Order is preserved on encode,
// which matters for callfork target lists. Lookups are linear; messages
// carry a handful of parameters so this beats a map plus index.
type Params []Param

// Get returns the value for key and whether it is present.
func (p Params) Get(key string) (string, bool) {
	for _, kv := range p {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// GetOr returns the value for key or def when absent.
func (p Params) GetOr(key, def string) string {
	if v, ok := p.Get(key); ok {
		return v
	}
	return def
}

// Has reports whether key is present.
func (p Params) Has(key string) bool {
	_, ok := p.Get(key)
	return ok
}

// Set replaces the value of key or appends it when missing.
func (p *Params) Set(key, value string) {
	for i := range *p {
		if (*p)[i].Key == key {
			(*p)[i].Value = value
			return
		}
	}
	*p = append(*p, Param{key, value})
}

// Add appends key=value without checking for duplicates.
func (p *Params) Add(key, value string) {
	*p = append(*p, Param{key, value})
}

// AddNonEmpty appends key=value only when value is non empty. Optional
// attributes that were never set must not appear on the wire.
func (p *Params) AddNonEmpty(key, value string) {
	if value == "" {
		return
	}
	p.Add(key, value)
}

// Del removes every occurrence of key.
func (p *Params) Del(key string) {
	out := (*p)[:0]
	for _, kv := range *p {
		if kv.Key != key {
			out = append(out, kv)
		}
	}
	*p = out
}

// Clone returns a copy that can be mutated independently.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	copy(out, p)
	return out
}

// Message is one engine message: a name, an id, a direction and the free
// form parameter dictionary. Requests carry a unix timestamp, replies carry
// the processed flag. RetValue holds the $retvalue slot of the frame.
type Message struct {
	Name      string
	ID        string
	Type      Type
	Time      int64
	Processed bool
	RetValue  string
	Params    Params
}

// NewMessage creates a request with a fresh id and the current time.
func NewMessage(name string, params ...Param) *Message {
	return &Message{
		Name:   name,
		ID:     NextMessageID(),
		Type:   Request,
		Time:   time.Now().Unix(),
		Params: Params(params),
	}
}

// Get returns the named parameter or empty string.
func (m *Message) Get(key string) string {
	v, _ := m.Params.Get(key)
	return v
}

// Has reports whether the named parameter is present.
func (m *Message) Has(key string) bool {
	return m.Params.Has(key)
}

// Set sets the named parameter.
func (m *Message) Set(key, value string) {
	m.Params.Set(key, value)
}

// Reply builds the answer frame for a request. Only the reserved
// attributes are carried over; extra parameters are added fresh so the
// verbose request dictionary is not echoed back.
func (m *Message) Reply(processed bool, extra ...Param) *Message {
	r := &Message{
		Name:      m.Name,
		ID:        m.ID,
		Type:      Reply,
		Processed: processed,
		RetValue:  m.RetValue,
		Params:    Params(extra),
	}
	return r
}

// IsRequest reports whether the message still awaits a reply.
func (m *Message) IsRequest() bool {
	return m.Type == Request
}
