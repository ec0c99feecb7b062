package ymsg

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrUnknownFrame = errors.New("unknown frame prefix")
	ErrShortFrame   = errors.New("frame has too few fields")
)

// Frame is one decoded protocol line. Concrete types are *Message,
// *InstallReply and *WatchReply.
type Frame interface {
	frame()
}

func (*Message) frame()      {}
func (*InstallReply) frame() {}
func (*WatchReply) frame()   {}

// InstallReply confirms (or denies) a %%>install request.
type InstallReply struct {
	Priority int
	Name     string
	Success  bool
}

// WatchReply confirms (or denies) a %%>watch request.
type WatchReply struct {
	Name    string
	Success bool
}

// Escape applies the extmodule percent escaping: bytes below 0x20 and the
// colon are emitted as '%' plus the byte with 0x40 added, '%' doubles
// itself, everything else passes through.
func Escape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '%':
			b.WriteString("%%")
		case c < 0x20 || c == ':':
			b.WriteByte('%')
			b.WriteByte(c + 0x40)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Unescape is the exact inverse of Escape. A lone trailing '%' is kept
// literally since there is no byte left to decode.
func Unescape(s string) string {
	if !strings.ContainsRune(s, '%') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(s) {
			b.WriteByte('%')
			break
		}
		i++
		n := s[i]
		if n == '%' {
			b.WriteByte('%')
			continue
		}
		b.WriteByte(n - 0x40)
	}
	return b.String()
}

// Encode renders a message frame without the trailing newline.
//
//	request: %%>message:<id>:<time>:<name>:<retvalue>[:<k=v>...]
//	reply:   %%<message:<id>:<processed>:<name>:<retvalue>[:<k=v>...]
func Encode(m *Message) string {
	var b strings.Builder
	if m.Type == Request {
		b.WriteString("%%>message:")
		b.WriteString(m.ID)
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(m.Time, 10))
	} else {
		b.WriteString("%%<message:")
		b.WriteString(m.ID)
		b.WriteByte(':')
		b.WriteString(strconv.FormatBool(m.Processed))
	}
	b.WriteByte(':')
	b.WriteString(m.Name)
	b.WriteByte(':')
	b.WriteString(Escape(m.RetValue))
	for _, kv := range m.Params {
		b.WriteByte(':')
		b.WriteString(Escape(kv.Key))
		b.WriteByte('=')
		b.WriteString(Escape(kv.Value))
	}
	return b.String()
}

// EncodeConnect renders the session greeting, e.g. %%>connect:global.
func EncodeConnect(role string) string {
	return "%%>connect:" + role
}

// EncodeInstall renders an install request. Priority zero or below leaves
// the priority field empty so the engine picks its default.
func EncodeInstall(priority int, name string) string {
	if priority <= 0 {
		return "%%>install::" + name
	}
	return "%%>install:" + strconv.Itoa(priority) + ":" + name
}

// EncodeUninstall renders an uninstall request.
func EncodeUninstall(name string) string {
	return "%%>uninstall:" + name
}

// EncodeWatch renders a watch request.
func EncodeWatch(name string) string {
	return "%%>watch:" + name
}

// EncodeUnwatch renders an unwatch request.
func EncodeUnwatch(name string) string {
	return "%%>unwatch:" + name
}

// Decode parses one protocol line (without trailing newline) into a frame.
// Uninstall and unwatch confirmations are recognized and dropped: both
// frame and error are nil for them. Any other prefix is an error.
func Decode(line string) (Frame, error) {
	switch {
	case strings.HasPrefix(line, "%%>message:"):
		return decodeMessage(line[len("%%>message:"):], Request)
	case strings.HasPrefix(line, "%%<message:"):
		return decodeMessage(line[len("%%<message:"):], Reply)
	case strings.HasPrefix(line, "%%<install:"):
		return decodeInstallReply(line[len("%%<install:"):])
	case strings.HasPrefix(line, "%%<watch:"):
		return decodeWatchReply(line[len("%%<watch:"):])
	case strings.HasPrefix(line, "%%<unwatch:"), strings.HasPrefix(line, "%%<uninstall:"):
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, firstField(line))
}

func decodeMessage(rest string, typ Type) (*Message, error) {
	// The colon is escaped inside values, splitting the raw line is safe.
	parts := strings.Split(rest, ":")
	if len(parts) < 4 {
		return nil, fmt.Errorf("%w: message needs id, time, name, retvalue", ErrShortFrame)
	}

	m := &Message{
		ID:       parts[0],
		Type:     typ,
		Name:     parts[2],
		RetValue: Unescape(parts[3]),
	}
	if typ == Request {
		t, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad message time %q: %w", parts[1], err)
		}
		m.Time = t
	} else {
		m.Processed = parts[1] == "true"
	}
	// Watch broadcasts are replies with an empty id; requests always
	// carry one.
	if m.Name == "" || (typ == Request && m.ID == "") {
		return nil, fmt.Errorf("%w: message name is required", ErrShortFrame)
	}

	for _, kv := range parts[4:] {
		key, value := kv, ""
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			key, value = kv[:idx], kv[idx+1:]
		}
		key = Unescape(key)
		if key == "" || key == "handlers" {
			// handlers is verbose engine noise, drop it
			continue
		}
		m.Params.Add(key, Unescape(value))
	}
	return m, nil
}

func decodeInstallReply(rest string) (*InstallReply, error) {
	parts := strings.Split(rest, ":")
	if len(parts) < 3 {
		return nil, fmt.Errorf("%w: install reply needs priority, name, success", ErrShortFrame)
	}
	prio, _ := strconv.Atoi(parts[0])
	return &InstallReply{
		Priority: prio,
		Name:     parts[1],
		Success:  parts[2] == "true",
	}, nil
}

func decodeWatchReply(rest string) (*WatchReply, error) {
	parts := strings.Split(rest, ":")
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: watch reply needs name, success", ErrShortFrame)
	}
	return &WatchReply{
		Name:    parts[0],
		Success: parts[1] == "true",
	}, nil
}

func firstField(line string) string {
	if idx := strings.IndexByte(line, ':'); idx >= 0 {
		return line[:idx]
	}
	return line
}
