package wire

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

const (
	// FieldSeparator separates the fields of commands, callbacks and
	// handshake responses.
	FieldSeparator = "|"

	// CommandSeparator separates sequential commands for legacy consumers
	// and is therefore forbidden inside payloads.
	CommandSeparator = ";"

	// GetPCOMMs is the handshake request asking a module for the list of
	// primary commands it supports.
	GetPCOMMs = "GET_PCOMMS"

	// AOModulePrefix marks the module family that expects flat pipe lists
	// instead of JSON payloads.
	AOModulePrefix = "dp-ao-communication"

	// EnvelopeFields is the number of fields in a callback envelope.
	EnvelopeFields = 3
)

// strayContinuation is emitted by an upstream encoder in front of some
// messages and carries no information.
const strayContinuation = 0xC2

var (
	// ErrFraming reports a callback that is not a valid three field ASCII
	// envelope.
	ErrFraming = errors.New("malformed callback envelope")

	// ErrReservedCharacter reports a payload or name containing one of the
	// protocol separators.
	ErrReservedCharacter = errors.New("reserved character")

	// ErrInvalidPayload reports a payload that cannot be transcoded.
	ErrInvalidPayload = errors.New("invalid payload")
)

// Envelope is a parsed callback message.
type Envelope struct {
	Target  string
	Command string
	Payload string
}

// Encode returns the command the envelope asks to forward.
func (e Envelope) Encode() string {
	return EncodeCommand(e.Command, e.Payload)
}

// FramingError carries the offending message of a failed envelope parse.
type FramingError struct {
	Fields int
	Raw    string
	Reason string
}

func (e *FramingError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s: %q", ErrFraming, e.Reason, e.Raw)
	}
	return fmt.Sprintf("%s: expected <target>|<PCOMM>|<payload>, got %d fields: %q", ErrFraming, e.Fields, e.Raw)
}

func (e *FramingError) Unwrap() error { return ErrFraming }

// EncodeCommand builds a command message. An empty payload yields the bare
// primary command.
func EncodeCommand(pcomm, payload string) string {
	if payload == "" {
		return pcomm
	}
	return pcomm + FieldSeparator + payload
}

// DecodeCommand splits a command message into its primary command and
// payload. Only the first separator is significant; the payload may itself
// contain separators (AO payloads do).
func DecodeCommand(msg string) (pcomm, payload string) {
	pcomm, payload, _ = strings.Cut(msg, FieldSeparator)
	return pcomm, payload
}

// Clean strips CRLF pairs and stray continuation bytes from a raw message.
func Clean(raw []byte) []byte {
	out := bytes.ReplaceAll(raw, []byte("\r\n"), nil)
	return bytes.ReplaceAll(out, []byte{strayContinuation}, nil)
}

// ParseEnvelope decodes a raw callback. The returned error is always a
// *FramingError.
func ParseEnvelope(raw []byte) (Envelope, error) {
	msg := Clean(raw)
	for _, b := range msg {
		if b > 0x7F {
			return Envelope{}, &FramingError{Raw: string(msg), Reason: "non-ASCII byte"}
		}
	}

	fields := strings.Split(string(msg), FieldSeparator)
	if len(fields) != EnvelopeFields {
		return Envelope{}, &FramingError{Fields: len(fields), Raw: string(msg)}
	}
	return Envelope{Target: fields[0], Command: fields[1], Payload: fields[2]}, nil
}

// ParseCommandList decodes a GET_PCOMMS response. Empty entries are dropped.
func ParseCommandList(raw []byte) []string {
	msg := strings.TrimSpace(string(Clean(raw)))
	if msg == "" {
		return nil
	}
	var out []string
	for _, c := range strings.Split(msg, FieldSeparator) {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// ValidatePayload rejects payloads that would break legacy command
// splitting.
func ValidatePayload(payload string) error {
	if strings.Contains(payload, CommandSeparator) {
		return fmt.Errorf("%w %q in payload %q", ErrReservedCharacter, CommandSeparator, payload)
	}
	return nil
}

// ValidateName rejects module or command names that contain the field
// separator.
func ValidateName(name string) error {
	if strings.Contains(name, FieldSeparator) {
		return fmt.Errorf("%w %q in name %q", ErrReservedCharacter, FieldSeparator, name)
	}
	return nil
}

// IsAOModule reports whether the named module belongs to the AO
// communication family.
func IsAOModule(name string) bool {
	return strings.HasPrefix(name, AOModulePrefix)
}
