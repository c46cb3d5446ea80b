package backend

import (
	"bufio"
	"context"
	"errors"
	"net"
	"testing"

	"github.com/sshagentmux/sshagentmux/internal/wire"
)

// fakeBackend returns a Dialer whose far end is driven by handle, running
// in its own goroutine against an in-memory net.Pipe.
func fakeBackend(t *testing.T, handle func(r *bufio.Reader, w *bufio.Writer)) Dialer {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	go func() {
		handle(bufio.NewReader(serverSide), bufio.NewWriter(serverSide))
		serverSide.Close()
	}()
	return func(ctx context.Context) (net.Conn, error) {
		return clientSide, nil
	}
}

func TestClientRequestIdentities(t *testing.T) {
	want := []wire.Identity{{Blob: []byte("blob"), Comment: "comment"}}
	dial := fakeBackend(t, func(r *bufio.Reader, w *bufio.Writer) {
		frame, err := wire.ReadFrame(r)
		if err != nil || frame.Type != wire.MsgRequestIdentities {
			t.Errorf("server: unexpected frame %+v err=%v", frame, err)
			return
		}
		wire.WriteFrame(w, wire.MsgIdentitiesAnswer, wire.EncodeIdentitiesAnswer(want))
	})

	c, err := Connect(context.Background(), dial)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	got, err := c.RequestIdentities()
	if err != nil {
		t.Fatalf("RequestIdentities: %v", err)
	}
	if len(got) != 1 || string(got[0].Blob) != "blob" || got[0].Comment != "comment" {
		t.Fatalf("got %+v", got)
	}
}

func TestClientRequestIdentitiesUnexpectedResponseIsEmpty(t *testing.T) {
	dial := fakeBackend(t, func(r *bufio.Reader, w *bufio.Writer) {
		wire.ReadFrame(r)
		wire.WriteFrame(w, wire.MsgFailure, nil)
	})
	c, err := Connect(context.Background(), dial)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	got, err := c.RequestIdentities()
	if err != nil {
		t.Fatalf("RequestIdentities: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %+v, want empty", got)
	}
}

func TestClientSignSuccess(t *testing.T) {
	sig := []byte("signature")
	dial := fakeBackend(t, func(r *bufio.Reader, w *bufio.Writer) {
		frame, err := wire.ReadFrame(r)
		if err != nil || frame.Type != wire.MsgSignRequest {
			t.Errorf("server: unexpected frame %+v err=%v", frame, err)
			return
		}
		wire.WriteFrame(w, wire.MsgSignResponse, wire.EncodeSignResponse(sig))
	})
	c, err := Connect(context.Background(), dial)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	got, err := c.Sign([]byte("key"), []byte("data"), 0)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if string(got) != "signature" {
		t.Fatalf("got %q", got)
	}
}

func TestClientSignRefused(t *testing.T) {
	dial := fakeBackend(t, func(r *bufio.Reader, w *bufio.Writer) {
		wire.ReadFrame(r)
		wire.WriteFrame(w, wire.MsgFailure, nil)
	})
	c, err := Connect(context.Background(), dial)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	_, err = c.Sign([]byte("key"), []byte("data"), 0)
	if !errors.Is(err, ErrSignRefused) {
		t.Fatalf("want ErrSignRefused, got %v", err)
	}
}

func TestConnectFailure(t *testing.T) {
	dial := func(ctx context.Context) (net.Conn, error) {
		return nil, errors.New("boom")
	}
	_, err := Connect(context.Background(), dial)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("want ErrNotConnected, got %v", err)
	}
}

func TestClientForward(t *testing.T) {
	dial := fakeBackend(t, func(r *bufio.Reader, w *bufio.Writer) {
		frame, _ := wire.ReadFrame(r)
		wire.WriteFrame(w, wire.MessageType(200), frame.Payload)
	})
	c, err := Connect(context.Background(), dial)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	resp, err := c.Forward(wire.Frame{Type: wire.MessageType(199), Payload: []byte("opaque")})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if resp.Type != wire.MessageType(200) || string(resp.Payload) != "opaque" {
		t.Fatalf("got %+v", resp)
	}
}
