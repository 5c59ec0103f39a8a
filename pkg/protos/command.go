package protos

import (
	"encoding/binary"
	"io"
	"strings"

	"github.com/pkg/errors"
)

type CommandType byte

const (
	Get CommandType = iota
	Put
	Del
	Scan
	Await
	Begin
	Commit
	Abort

	None
	String
	Strings
	Error

	Invalid
)

const (
	CommandHeaderLength = 9
	MaxPayloadLength    = 64 << 20
)

// ErrMalformed is returned for a frame that was read completely but makes no
// sense. The stream is still in sync after it.
var ErrMalformed = errors.New("malformed command")

var commandNames = map[CommandType]string{
	Get:     "GET",
	Put:     "PUT",
	Del:     "DEL",
	Scan:    "SCAN",
	Await:   "AWAIT",
	Begin:   "BEGIN",
	Commit:  "COMMIT",
	Abort:   "ABORT",
	None:    "NONE",
	String:  "STRING",
	Strings: "STRINGS",
	Error:   "ERROR",
}

func ToCommandType(t string) CommandType {
	t = strings.ToUpper(t)
	for ct, name := range commandNames {
		if name == t {
			return ct
		}
	}
	return Invalid
}

func (t CommandType) String() string {
	if name, ok := commandNames[t]; ok {
		return name
	}
	return "INVALID"
}

// arity is the payload size a request of type t carries.
func (t CommandType) arity() int {
	switch t {
	case Get, Del:
		return 1
	case Put, Scan, Await:
		return 2
	case Begin, Commit, Abort:
		return 0
	default:
		return -1
	}
}

type Command struct {
	PayloadLength uint64
	Type          CommandType
	Payload       []string
}

func NewCommand(t CommandType, payload []string) *Command {
	return &Command{
		PayloadLength: calcPayloadLength(payload),
		Type:          t,
		Payload:       payload,
	}
}

func NewErrorCommand(err error) *Command {
	return NewCommand(Error, []string{err.Error()})
}

// ParseCommand reads one frame: an 8 byte big endian payload length, the type
// byte, then length prefixed strings.
func ParseCommand(r io.Reader) (*Command, error) {
	header := make([]byte, CommandHeaderLength)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	command := &Command{
		PayloadLength: binary.BigEndian.Uint64(header),
		Type:          CommandType(header[8]),
	}
	if command.PayloadLength > MaxPayloadLength {
		return nil, errors.Errorf("payload of %d bytes exceeds %d", command.PayloadLength, MaxPayloadLength)
	}

	payload := make([]byte, command.PayloadLength)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errors.Wrap(err, "read payload")
	}

	if command.Type >= Invalid {
		return nil, errors.Wrapf(ErrMalformed, "invalid command type: type=%d", command.Type)
	}
	var err error
	if command.Payload, err = parsePayload(payload); err != nil {
		return nil, err
	}
	return command, nil
}

func calcPayloadLength(payload []string) uint64 {
	length := 0
	for _, p := range payload {
		length += 8 + len(p)
	}
	return uint64(length)
}

func parsePayload(buffer []byte) ([]string, error) {
	var res []string
	length := uint64(len(buffer))
	for i := uint64(0); i < length; {
		if length-i < 8 {
			return nil, errors.Wrapf(ErrMalformed, "truncated string header at %d", i)
		}
		l := binary.BigEndian.Uint64(buffer[i:])
		if l > length-i-8 {
			return nil, errors.Wrapf(ErrMalformed, "string of %d bytes at %d overruns the payload", l, i)
		}
		res = append(res, string(buffer[i+8:i+8+l]))
		i += 8 + l
	}
	return res, nil
}

func (c *Command) Serialize() []byte {
	c.PayloadLength = calcPayloadLength(c.Payload)
	buffer := make([]byte, CommandHeaderLength+c.PayloadLength)
	binary.BigEndian.PutUint64(buffer, c.PayloadLength)
	buffer[8] = byte(c.Type)

	i := CommandHeaderLength
	for _, payload := range c.Payload {
		binary.BigEndian.PutUint64(buffer[i:], uint64(len(payload)))
		copy(buffer[i+8:], payload)
		i += 8 + len(payload)
	}
	return buffer
}

func (c *Command) Send(w io.Writer) error {
	_, err := w.Write(c.Serialize())
	return err
}
