package gateway

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Forwarder hands one datagram payload to the backend and returns its reply.
type Forwarder interface {
	Forward(ctx context.Context, payload []byte) ([]byte, error)
}

// StatusError is returned for non-2xx backend answers.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend status %d: %q", e.Code, e.Body)
}

// HTTPForwarder calls Script with the payload appended as upper case hex,
// e.g. "http://host/payload?p=" + "0011AB".
type HTTPForwarder struct {
	Script string
	Client *http.Client
	// MaxReply caps the bytes read from the reply body; the rest is ignored.
	MaxReply int
}

func (f *HTTPForwarder) URL(payload []byte) string {
	return f.Script + strings.ToUpper(hex.EncodeToString(payload))
}

func (f *HTTPForwarder) Forward(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL(payload), nil)
	if err != nil {
		return nil, err
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var r io.Reader = resp.Body
	if f.MaxReply > 0 {
		r = io.LimitReader(resp.Body, int64(f.MaxReply))
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// ForwarderFunc adapts a function to Forwarder.
type ForwarderFunc func(ctx context.Context, payload []byte) ([]byte, error)

func (f ForwarderFunc) Forward(ctx context.Context, payload []byte) ([]byte, error) {
	return f(ctx, payload)
}
