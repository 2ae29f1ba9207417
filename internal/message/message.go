// Package message implements the wire message type: an ordered,
// line-oriented command/parameter grammar, with an ambient error-handling
// style of package-level sentinel errors.
package message

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidMessage   = errors.New("invalid message")
	ErrMissingCommand   = fmt.Errorf("%w: missing command", ErrInvalidMessage)
	ErrInvalidName      = fmt.Errorf("%w: name must match [A-Za-z0-9_]+", ErrInvalidMessage)
	ErrUnterminatedQuote = fmt.Errorf("%w: unterminated quoted value", ErrInvalidMessage)
)

type param struct {
	name  string
	value string
}

// Message is one parsed or in-progress wire message.
type Message struct {
	command string

	server  string // target server name
	service string // target service name

	sentFromServer  string
	sentFromService string

	params     []param
	paramIndex map[string]int

	cached []byte
	dirty  bool
}

// New creates a Message with the given command. The command is validated
// against the name grammar immediately since it is mandatory on transmit.
func New(command string) (*Message, error) {
	if !validName(command) {
		return nil, ErrMissingCommand
	}
	return &Message{
		command:    command,
		paramIndex: make(map[string]int),
		dirty:      true,
	}, nil
}

func validName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !isNameByte(byte(r)) {
			return false
		}
	}
	return true
}

func isNameByte(b byte) bool {
	switch {
	case b >= 'A' && b <= 'Z':
		return true
	case b >= 'a' && b <= 'z':
		return true
	case b >= '0' && b <= '9':
		return true
	case b == '_':
		return true
	default:
		return false
	}
}

func (m *Message) invalidate() { m.dirty = true }

// Command returns the message's command name.
func (m *Message) Command() string { return m.command }

// SetServer sets the target server name. "" and "*" both mean "any" to
// routing, but are stored verbatim so callers can distinguish "unset"
// from "explicit wildcard" if they need to.
func (m *Message) SetServer(s string) error {
	if s != "" && !validName(s) {
		return ErrInvalidName
	}
	m.server = s
	m.invalidate()
	return nil
}

// Server returns the target server name, or "" if unset.
func (m *Message) Server() string { return m.server }

// SetService sets the target service name. The broadcast markers "*", "?",
// "." are valid service values even though they are not in [A-Za-z0-9_]+ —
// routing treats them specially.
func (m *Message) SetService(s string) error {
	if s != "" && !validServiceOrName(s) {
		return ErrInvalidName
	}
	m.service = s
	m.invalidate()
	return nil
}

func validServiceOrName(s string) bool {
	switch s {
	case "*", "?", ".":
		return true
	default:
		return validName(s)
	}
}

// Service returns the target service name, or "" if unset.
func (m *Message) Service() string { return m.service }

// SetSentFromServer stamps the originating server name.
func (m *Message) SetSentFromServer(s string) {
	m.SetParam("sent_from_server", s)
}

// SentFromServer returns the stamped originating server name, if any.
func (m *Message) SentFromServer() string {
	v, _ := m.Param("sent_from_server")
	return v
}

// SetSentFromService stamps the originating local service name.
func (m *Message) SetSentFromService(s string) {
	m.SetParam("sent_from_service", s)
}

// SentFromService returns the stamped originating service name, if any.
func (m *Message) SentFromService() string {
	v, _ := m.Param("sent_from_service")
	return v
}

// SetParam sets a parameter, validating the name against the grammar.
// Values are unrestricted bytes; escaping happens at serialize time.
func (m *Message) SetParam(name, value string) error {
	if !validName(name) {
		return ErrInvalidName
	}
	if idx, ok := m.paramIndex[name]; ok {
		m.params[idx].value = value
	} else {
		m.paramIndex[name] = len(m.params)
		m.params = append(m.params, param{name: name, value: value})
	}
	m.invalidate()
	return nil
}

// RemoveParam deletes a parameter if present.
func (m *Message) RemoveParam(name string) {
	idx, ok := m.paramIndex[name]
	if !ok {
		return
	}
	m.params = append(m.params[:idx], m.params[idx+1:]...)
	delete(m.paramIndex, name)
	for i := idx; i < len(m.params); i++ {
		m.paramIndex[m.params[i].name] = i
	}
	m.invalidate()
}

// Param returns a parameter's value and whether it was set.
func (m *Message) Param(name string) (string, bool) {
	idx, ok := m.paramIndex[name]
	if !ok {
		return "", false
	}
	return m.params[idx].value, true
}

// ParamOr returns a parameter's value, or def if unset.
func (m *Message) ParamOr(name, def string) string {
	if v, ok := m.Param(name); ok {
		return v
	}
	return def
}

// Params returns a snapshot copy of all parameters, name to value.
func (m *Message) Params() map[string]string {
	out := make(map[string]string, len(m.params))
	for _, p := range m.params {
		out[p.name] = p.value
	}
	return out
}

// Equal compares two messages by command, target service/server,
// sent-from stamps, and parameter map, deliberately ignoring parameter
// insertion order and any memoized serialization cache.
func (m *Message) Equal(o *Message) bool {
	if o == nil {
		return false
	}
	if m.command != o.command || m.server != o.server || m.service != o.service {
		return false
	}
	if len(m.params) != len(o.params) {
		return false
	}
	for _, p := range m.params {
		ov, ok := o.Param(p.name)
		if !ok || ov != p.value {
			return false
		}
	}
	return true
}

// Serialize renders the wire form. The result is memoized and only
// recomputed after a mutation, so repeated calls return the same bytes.
func (m *Message) Serialize() ([]byte, error) {
	if !m.dirty && m.cached != nil {
		return m.cached, nil
	}
	if m.command == "" {
		return nil, ErrMissingCommand
	}

	var b strings.Builder
	if m.server != "" {
		b.WriteString(m.server)
		b.WriteByte('/')
	}
	if m.service != "" {
		b.WriteString(m.service)
		b.WriteByte(':')
	}
	b.WriteString(m.command)

	if len(m.params) > 0 {
		b.WriteByte(' ')
		for i, p := range m.params {
			if i > 0 {
				b.WriteByte(';')
			}
			b.WriteString(p.name)
			b.WriteByte('=')
			b.WriteString(encodeValue(p.value))
		}
	}

	m.cached = []byte(b.String())
	m.dirty = false
	return m.cached, nil
}

func encodeValue(v string) string {
	needsQuote := strings.ContainsRune(v, ';') || strings.HasPrefix(v, "\"")

	escaped := strings.NewReplacer(
		`\`, `\\`,
		"\n", `\n`,
		"\r", `\r`,
	).Replace(v)

	if !needsQuote {
		return escaped
	}

	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	return `"` + escaped + `"`
}

// Parse decodes a single wire line into a Message.
// Parse failures are reported as ErrInvalidMessage-wrapped errors; callers
// should drop the line, log, and continue.
func Parse(line []byte) (*Message, error) {
	s := string(line)

	head := s
	rest := ""
	if idx := strings.IndexByte(s, ' '); idx >= 0 {
		head = s[:idx]
		rest = s[idx+1:]
	}

	server, service, command, err := parseHead(head)
	if err != nil {
		return nil, err
	}

	msg, err := New(command)
	if err != nil {
		return nil, err
	}
	if server != "" {
		if err := msg.SetServer(server); err != nil {
			return nil, err
		}
	}
	if service != "" {
		if err := msg.SetService(service); err != nil {
			return nil, err
		}
	}

	if rest != "" {
		if err := parseParams(msg, rest); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

func parseHead(head string) (server, service, command string, err error) {
	remainder := head
	if idx := strings.IndexByte(head, '/'); idx >= 0 {
		server = head[:idx]
		if !validName(server) {
			return "", "", "", ErrInvalidName
		}
		remainder = head[idx+1:]
	}
	if idx := strings.IndexByte(remainder, ':'); idx >= 0 {
		service = remainder[:idx]
		if !validServiceOrName(service) {
			return "", "", "", ErrInvalidName
		}
		command = remainder[idx+1:]
	} else {
		command = remainder
	}
	if !validName(command) {
		return "", "", "", ErrMissingCommand
	}
	return server, service, command, nil
}

func parseParams(msg *Message, s string) error {
	i := 0
	n := len(s)
	for i < n {
		nameStart := i
		for i < n && s[i] != '=' {
			i++
		}
		if i >= n {
			return ErrInvalidMessage
		}
		name := s[nameStart:i]
		if !validName(name) {
			return ErrInvalidName
		}
		i++ // consume '='

		value, consumed, err := parseValue(s[i:])
		if err != nil {
			return err
		}
		i += consumed

		if err := msg.SetParam(name, value); err != nil {
			return err
		}

		if i < n {
			if s[i] != ';' {
				return ErrInvalidMessage
			}
			i++
		}
	}
	return nil
}

// parseValue decodes one param value starting at s[0], returning the
// decoded value and how many bytes of s it consumed (not including a
// trailing ';' separator, which the caller consumes).
func parseValue(s string) (value string, consumed int, err error) {
	if len(s) > 0 && s[0] == '"' {
		return parseQuotedValue(s)
	}
	return parseBareValue(s)
}

func parseBareValue(s string) (string, int, error) {
	var b strings.Builder
	i := 0
	for i < len(s) && s[i] != ';' {
		if s[i] == '\\' && i+1 < len(s) {
			if decoded, ok := decodeEscape(s[i+1]); ok {
				b.WriteByte(decoded)
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String(), i, nil
}

func parseQuotedValue(s string) (string, int, error) {
	var b strings.Builder
	i := 1 // skip opening quote
	for i < len(s) {
		if s[i] == '"' {
			return b.String(), i + 1, nil
		}
		if s[i] == '\\' && i+1 < len(s) {
			if decoded, ok := decodeEscape(s[i+1]); ok {
				b.WriteByte(decoded)
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
		i++
	}
	return "", 0, ErrUnterminatedQuote
}

func decodeEscape(c byte) (byte, bool) {
	switch c {
	case 'n':
		return '\n', true
	case 'r':
		return '\r', true
	case '\\':
		return '\\', true
	case '"':
		return '"', true
	default:
		return 0, false
	}
}
