// Package backend wraps a short-lived connection to the shared backend
// pipe (the globally-named Windows pipe that 1Password, Bitwarden, and
// similar SSH-agent implementations compete to own).
package backend

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/Microsoft/go-winio"

	"github.com/sshagentmux/sshagentmux/internal/wire"
)

// ConnectTimeout is the bounded timeout for opening the shared backend
// pipe.
const ConnectTimeout = 2 * time.Second

// Dialer opens a transport connection to the shared backend pipe. Production
// code uses DialWinioPipe; tests inject a net.Pipe-backed fake.
type Dialer func(ctx context.Context) (net.Conn, error)

// DialWinioPipe returns a Dialer that connects to the named Windows pipe
// \\.\pipe\<name>.
func DialWinioPipe(name string) Dialer {
	path := `\\.\pipe\` + name
	return func(ctx context.Context) (net.Conn, error) {
		return winio.DialPipeContext(ctx, path)
	}
}

// Client is a single-use connector to the shared backend pipe. Each logical
// operation (request_identities, sign, forward) should use its own Client:
// the router must not assume two successive operations reach the same
// backend process, since an external switch may occur in between.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

// Connect opens a fresh connection via dial, bounded by ConnectTimeout. A
// failed connect returns ErrNotConnected and no usable Client.
func Connect(ctx context.Context, dial Dialer) (*Client, error) {
	ctx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	conn, err := dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return &Client{conn: conn, r: bufio.NewReader(conn), w: bufio.NewWriter(conn)}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// RequestIdentities sends a request-identities message and decodes the
// identities-answer. Any response other than an identities-answer is
// treated as "no identities", not an error.
func (c *Client) RequestIdentities() ([]wire.Identity, error) {
	if err := wire.WriteFrame(c.w, wire.MsgRequestIdentities, nil); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	frame, err := wire.ReadFrame(c.r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	if frame.Type != wire.MsgIdentitiesAnswer {
		return nil, nil
	}
	identities, err := wire.ParseIdentitiesAnswer(frame.Payload)
	if err != nil {
		// A malformed answer from the backend is not a routing decision to
		// make here; treat it the same as "no identities".
		return nil, nil
	}
	return identities, nil
}

// Sign sends a sign-request and returns the signature. ErrSignRefused means
// the backend was reached but did not return a sign-response (the user may
// still be authenticating) — the router must not cache this. ErrNotConnected
// means the round trip itself failed.
func (c *Client) Sign(keyBlob, data []byte, flags uint32) ([]byte, error) {
	payload := wire.EncodeSignRequest(keyBlob, data, flags)
	if err := wire.WriteFrame(c.w, wire.MsgSignRequest, payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	frame, err := wire.ReadFrame(c.r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	if frame.Type != wire.MsgSignResponse {
		return nil, ErrSignRefused
	}
	signature, err := wire.ParseSignResponse(frame.Payload)
	if err != nil {
		return nil, ErrSignRefused
	}
	return signature, nil
}

// Forward performs an opaque one-shot round trip for message types the
// router does not interpret itself.
func (c *Client) Forward(frame wire.Frame) (wire.Frame, error) {
	if err := wire.WriteFrame(c.w, frame.Type, frame.Payload); err != nil {
		return wire.Frame{}, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	resp, err := wire.ReadFrame(c.r)
	if err != nil {
		return wire.Frame{}, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return resp, nil
}
