package udplog

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ParamPayload is the request parameter that carries the hex payload.
const ParamPayload = "p"

// ReplyLen is the binary length of a reply: 1 byte count + 4 byte timestamp.
const ReplyLen = 5

const ErrorPrefix = "#ERROR:"

var (
	ErrNoPayload     = errors.New("No Payload")
	ErrPayloadFormat = errors.New("Payload Format")
	ErrBadReply      = errors.New("bad reply format")
)

// PayloadFormatError is returned when p was present but did not decode to
// at least one byte. Raw holds the parameter exactly as received.
type PayloadFormatError struct {
	Raw string
	Err error
}

func (e *PayloadFormatError) Error() string {
	return fmt.Sprintf("%s ('%s')", ErrPayloadFormat.Error(), e.Raw)
}

func (e *PayloadFormatError) Is(target error) bool { return target == ErrPayloadFormat }

func (e *PayloadFormatError) Unwrap() error { return e.Err }

// RemoteError is an "#ERROR: ..." body received where a reply was expected.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return "remote error: " + e.Message }

// Request gives typed access to request parameters.
type Request interface {
	Param(name string) (string, bool)
}

// Params is a Request backed by a plain map.
type Params map[string]string

func (p Params) Param(name string) (string, bool) {
	v, ok := p[name]
	return v, ok
}

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

var SystemClock Clock = ClockFunc(time.Now)

// Response is the outcome of Handle. Body is always the full text that goes
// back to the caller; Err is nil on success.
type Response struct {
	Body string
	Err  error
}

const ContentType = "text/plain; charset=utf-8"

// Handle decodes the hex payload in p and answers with the encoded byte
// count and the current time.
func Handle(req Request, clock Clock) Response {
	raw, ok := req.Param(ParamPayload)
	if !ok {
		return errorResponse(ErrNoPayload)
	}
	data, err := hex.DecodeString(raw)
	if err != nil || len(data) == 0 {
		return errorResponse(&PayloadFormatError{Raw: raw, Err: err})
	}
	if clock == nil {
		clock = SystemClock
	}
	return Response{Body: EncodeReply(len(data), clock.Now())}
}

func errorResponse(err error) Response {
	return Response{Body: ErrorPrefix + " " + err.Error(), Err: err}
}

// IsErrorBody reports whether s is one of the "#ERROR:" bodies.
func IsErrorBody(s string) bool {
	return strings.HasPrefix(s, ErrorPrefix)
}

// Reply is the decoded form of a success body.
type Reply struct {
	// Count is the payload length modulo 256; longer payloads wrap.
	Count     byte
	Timestamp uint32
}

func (r Reply) Time() time.Time {
	return time.Unix(int64(r.Timestamp), 0)
}

func (r Reply) Bytes() []byte {
	out := []byte{r.Count}
	return append(out, byte(r.Timestamp>>24), byte(r.Timestamp>>16), byte(r.Timestamp>>8), byte(r.Timestamp))
}

func (r Reply) String() string {
	return hex.EncodeToString(r.Bytes())
}

// EncodeReply builds the lowercase hex reply for a payload of n bytes at now.
// n is truncated to 8 bits and the timestamp to 32 bits.
func EncodeReply(n int, now time.Time) string {
	return Reply{Count: byte(n), Timestamp: uint32(now.Unix())}.String()
}

// ParseReply is the inverse of EncodeReply.
func ParseReply(s string) (Reply, error) {
	s = strings.TrimSpace(s)
	if IsErrorBody(s) {
		return Reply{}, &RemoteError{Message: strings.TrimSpace(strings.TrimPrefix(s, ErrorPrefix))}
	}
	if len(s) != ReplyLen*2 {
		return Reply{}, fmt.Errorf("%w: length %d", ErrBadReply, len(s))
	}
	data, err := hex.DecodeString(s)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %w", ErrBadReply, err)
	}
	ts := uint32(data[1])<<24 | uint32(data[2])<<16 | uint32(data[3])<<8 | uint32(data[4])
	return Reply{Count: data[0], Timestamp: ts}, nil
}
