package tunnel

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startEcho(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func roundTrip(t *testing.T, addr, msg string) (string, error) {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()
	c.SetDeadline(time.Now().Add(10 * time.Second))

	if _, err := c.Write([]byte(msg)); err != nil {
		return "", err
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(c, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func TestQUICDriver_RoundTrip(t *testing.T) {
	for _, secure := range []bool{true, false} {
		t.Run("secure="+strconv.FormatBool(secure), func(t *testing.T) {
			ctx := context.Background()
			host, port := startEcho(t)
			d := NewQUICDriver(Options{Bind: "127.0.0.1:0", Local: "127.0.0.1"})

			key := strings.Repeat("k", 64)
			srv, err := d.Open(ctx, Endpoint{Kind: KindServer, Host: host, Port: port, Key: key, Secure: secure})
			require.NoError(t, err)
			defer srv.Close()

			cs, err := ParseConnString(srv.Addr())
			require.NoError(t, err)
			assert.Equal(t, secure, cs.Secure)
			assert.Equal(t, key, cs.Secret)

			cli, err := d.Open(ctx, Endpoint{Kind: KindClient, Port: 0, Key: srv.Addr()})
			require.NoError(t, err)
			defer cli.Close()

			got, err := roundTrip(t, cli.Addr(), "ping through the tunnel")
			require.NoError(t, err)
			assert.Equal(t, "ping through the tunnel", got)

			// A second connection reuses the QUIC session with a new stream.
			got, err = roundTrip(t, cli.Addr(), "again")
			require.NoError(t, err)
			assert.Equal(t, "again", got)
		})
	}
}

func TestQUICDriver_WrongSecretRejected(t *testing.T) {
	ctx := context.Background()
	host, port := startEcho(t)
	d := NewQUICDriver(Options{Bind: "127.0.0.1:0", Local: "127.0.0.1"})

	srv, err := d.Open(ctx, Endpoint{Kind: KindServer, Host: host, Port: port, Key: strings.Repeat("a", 64), Secure: true})
	require.NoError(t, err)
	defer srv.Close()

	cs, err := ParseConnString(srv.Addr())
	require.NoError(t, err)
	cs.Secret = strings.Repeat("b", 64)

	cli, err := d.Open(ctx, Endpoint{Kind: KindClient, Key: cs.String()})
	require.NoError(t, err)
	defer cli.Close()

	_, err = roundTrip(t, cli.Addr(), "hello")
	assert.Error(t, err, "stream for an unknown endpoint must be refused")
}

func TestQUICDriver_ClientWithoutPeer(t *testing.T) {
	d := NewQUICDriver(Options{})
	_, err := d.Open(context.Background(), Endpoint{Kind: KindClient, Port: 9000, Key: "hs://0000" + strings.Repeat("a", 64)})
	assert.ErrorIs(t, err, errNoPeer)
}

func TestQUICDriver_CloseStopsForwarding(t *testing.T) {
	ctx := context.Background()
	host, port := startEcho(t)
	d := NewQUICDriver(Options{Bind: "127.0.0.1:0", Local: "127.0.0.1"})

	srv, err := d.Open(ctx, Endpoint{Kind: KindServer, Host: host, Port: port, Key: strings.Repeat("z", 64)})
	require.NoError(t, err)
	cli, err := d.Open(ctx, Endpoint{Kind: KindClient, Key: srv.Addr()})
	require.NoError(t, err)

	addr := cli.Addr()
	require.NoError(t, cli.Close())
	require.NoError(t, srv.Close())

	_, err = net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err, "local port is released on close")
}

func TestParseConnString(t *testing.T) {
	tests := []struct {
		in      string
		want    ConnString
		wantErr bool
	}{
		{"hs://s000secret@127.0.0.1:4000", ConnString{Secure: true, Secret: "secret", Addr: "127.0.0.1:4000"}, false},
		{"hs://0000secret", ConnString{Secret: "secret"}, false},
		{"hs://0000", ConnString{}, true},
		{"tcp://0000secret", ConnString{}, true},
		{"hs://0000secret@nohostport", ConnString{}, true},
	}
	for _, tt := range tests {
		got, err := ParseConnString(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
		assert.Equal(t, tt.in, got.String())
	}
}

func TestFrames(t *testing.T) {
	var buf bytes.Buffer
	in := hello{Version: protocolVersion, Endpoint: endpointID("k"), Proof: []byte{1, 2, 3}}
	require.NoError(t, writeFrame(&buf, in))
	buf.WriteString("trailing payload")

	var out hello
	require.NoError(t, readFrame(&buf, &out))
	assert.Equal(t, in, out)
	assert.Equal(t, "trailing payload", buf.String(), "frame reader must not consume piped bytes")
}

func TestProof(t *testing.T) {
	ekm := []byte("session-a")
	p := proofFor("secret", ekm)
	assert.True(t, equal(p, proofFor("secret", ekm)))
	assert.False(t, equal(p, proofFor("secret", []byte("session-b"))))
	assert.False(t, equal(p, proofFor("other", ekm)))
	assert.Len(t, endpointID("secret"), 32)
}

func TestNewDriver(t *testing.T) {
	d, err := NewDriver("noop", Options{})
	require.NoError(t, err)
	h, err := d.Open(context.Background(), Endpoint{Kind: KindServer, Port: 22})
	require.NoError(t, err)
	assert.Equal(t, "noop:server:22", h.Addr())
	assert.NoError(t, h.Close())

	_, err = NewDriver("quic", Options{})
	assert.NoError(t, err)
	_, err = NewDriver("smoke-signals", Options{})
	assert.Error(t, err)
}
