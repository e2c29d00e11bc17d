package traci

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Command identifiers.
const (
	cmdGetVersion = 0x00
	cmdSimStep    = 0x02
	cmdClose      = 0x7f

	cmdGetTLVariable      = 0xa2
	cmdGetLaneVariable    = 0xa3
	cmdGetVehicleVariable = 0xa4
	cmdGetSimVariable     = 0xab

	cmdSetTLVariable      = 0xc2
	cmdSetLaneVariable    = 0xc3
	cmdSetPolygonVariable = 0xc8

	cmdSubscribePolygonContext = 0x88
)

// Variable identifiers.
const (
	varLaneDisallowed   = 0x35
	varTLCurrentProgram = 0x29
	varTLProgram        = 0x23
	varPolygonAdd       = 0x80
	varPolygonRemove    = 0x81
	varDepartedIDs      = 0x74
	varArrivedIDs       = 0x7a
	varDeltaT           = 0x7b
)

// Value type tags.
const (
	typePosition3D = 0x03
	typePolygon    = 0x06
	typeUByte      = 0x07
	typeInteger    = 0x09
	typeDouble     = 0x0b
	typeString     = 0x0c
	typeStringList = 0x0e
	typeCompound   = 0x0f
	typeColor      = 0x11
)

// Result codes of a status response.
const (
	resultOK       = 0x00
	resultNotImpl  = 0x01
	resultError    = 0xff
	invalidDouble  = -1073741824.0
	responseOffset = 0x10
)

var errShortMessage = errors.New("traci: short message")

// CommandError is a non-OK status returned by the simulator.
type CommandError struct {
	Command     byte
	Code        byte
	Description string
}

func (e *CommandError) Error() string {
	kind := "error"
	if e.Code == resultNotImpl {
		kind = "not implemented"
	}
	return fmt.Sprintf("traci: command 0x%02x %s: %s", e.Command, kind, e.Description)
}

// storage is a big-endian write buffer.
type storage struct {
	buf bytes.Buffer
}

func (s *storage) ubyte(v byte) { s.buf.WriteByte(v) }

func (s *storage) int32(v int32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	s.buf.Write(b[:])
}

func (s *storage) double(v float64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
	s.buf.Write(b[:])
}

func (s *storage) str(v string) {
	s.int32(int32(len(v)))
	s.buf.WriteString(v)
}

func (s *storage) strList(v []string) {
	s.int32(int32(len(v)))
	for _, item := range v {
		s.str(item)
	}
}

func (s *storage) bytes() []byte { return s.buf.Bytes() }

// command frames one command: [len][id][content], switching to the
// extended [0][int32 len][id][content] form past 255 bytes.
func command(id byte, content []byte) []byte {
	var s storage
	if n := 2 + len(content); n <= 255 {
		s.ubyte(byte(n))
	} else {
		s.ubyte(0)
		s.int32(int32(n + 4))
	}
	s.ubyte(id)
	s.buf.Write(content)
	return s.bytes()
}

// message wraps commands with the int32 total length.
func message(cmds ...[]byte) []byte {
	total := 4
	for _, c := range cmds {
		total += len(c)
	}
	var s storage
	s.int32(int32(total))
	for _, c := range cmds {
		s.buf.Write(c)
	}
	return s.bytes()
}

// getCommand builds a variable query for objectID.
func getCommand(cmd, variable byte, objectID string) []byte {
	var s storage
	s.ubyte(variable)
	s.str(objectID)
	return command(cmd, s.bytes())
}

// reader decodes big-endian values from a response payload.
type reader struct {
	b   []byte
	pos int
}

func (r *reader) remaining() int { return len(r.b) - r.pos }

func (r *reader) need(n int) error {
	if n < 0 || r.remaining() < n {
		return errShortMessage
	}
	return nil
}

func (r *reader) ubyte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.b[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) int32() (int32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := int32(binary.BigEndian.Uint32(r.b[r.pos:]))
	r.pos += 4
	return v, nil
}

func (r *reader) double() (float64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := math.Float64frombits(binary.BigEndian.Uint64(r.b[r.pos:]))
	r.pos += 8
	return v, nil
}

func (r *reader) str() (string, error) {
	n, err := r.int32()
	if err != nil {
		return "", err
	}
	if err := r.need(int(n)); err != nil {
		return "", err
	}
	v := string(r.b[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return v, nil
}

func (r *reader) strList() ([]string, error) {
	n, err := r.int32()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, errShortMessage
	}
	out := make([]string, 0, n)
	for i := int32(0); i < n; i++ {
		v, err := r.str()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (r *reader) skip(n int) error {
	if err := r.need(n); err != nil {
		return err
	}
	r.pos += n
	return nil
}

// commandHeader reads a command length prefix and ID. It returns the
// number of content bytes that follow the ID.
func (r *reader) commandHeader() (id byte, contentLen int, err error) {
	start := r.pos
	l, err := r.ubyte()
	if err != nil {
		return 0, 0, err
	}
	length := int(l)
	if length == 0 {
		l32, err := r.int32()
		if err != nil {
			return 0, 0, err
		}
		length = int(l32)
	}
	if id, err = r.ubyte(); err != nil {
		return 0, 0, err
	}
	contentLen = length - (r.pos - start)
	if contentLen < 0 {
		return 0, 0, errShortMessage
	}
	return id, contentLen, nil
}

// status consumes the status response of cmd.
func (r *reader) status(cmd byte) error {
	id, n, err := r.commandHeader()
	if err != nil {
		return err
	}
	end := r.pos + n
	result, err := r.ubyte()
	if err != nil {
		return err
	}
	desc, err := r.str()
	if err != nil {
		return err
	}
	r.pos = end
	if id != cmd {
		return fmt.Errorf("traci: status for command 0x%02x, want 0x%02x", id, cmd)
	}
	if result != resultOK {
		return &CommandError{Command: cmd, Code: result, Description: desc}
	}
	return nil
}

// getResponse consumes the header of a variable response and returns a
// reader positioned at the typed value.
func (r *reader) getResponse(cmd, variable byte, objectID string) (byte, error) {
	id, _, err := r.commandHeader()
	if err != nil {
		return 0, err
	}
	if id != cmd+responseOffset {
		return 0, fmt.Errorf("traci: response 0x%02x, want 0x%02x", id, cmd+responseOffset)
	}
	v, err := r.ubyte()
	if err != nil {
		return 0, err
	}
	obj, err := r.str()
	if err != nil {
		return 0, err
	}
	if v != variable || obj != objectID {
		return 0, fmt.Errorf("traci: response for %q/0x%02x, want %q/0x%02x", obj, v, objectID, variable)
	}
	return r.ubyte()
}

// skipSubscriptionResults drops the subscription responses that follow a
// simulation step.
func (r *reader) skipSubscriptionResults() (int, error) {
	n, err := r.int32()
	if err != nil {
		return 0, err
	}
	for i := int32(0); i < n; i++ {
		_, content, err := r.commandHeader()
		if err != nil {
			return 0, err
		}
		if err := r.skip(content); err != nil {
			return 0, err
		}
	}
	return int(n), nil
}

func expectType(got, want byte) error {
	if got != want {
		return fmt.Errorf("traci: value type 0x%02x, want 0x%02x", got, want)
	}
	return nil
}
