package transport

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoopbackHost(t *testing.T) *Host {
	t.Helper()
	h, err := NewHost(HostConfig{ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestHostStreamRoundTrip(t *testing.T) {
	server := newLoopbackHost(t)
	client := newLoopbackHost(t)

	server.SetStreamHandler(testProto, func(s Stream) {
		defer s.Close()
		buf := make([]byte, 4)
		if _, err := io.ReadFull(s, buf); err != nil {
			_ = s.Reset()
			return
		}
		_, _ = s.Write([]byte("pong"))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NotEmpty(t, server.Addrs())
	id, err := client.Connect(ctx, server.Addrs()[0])
	require.NoError(t, err)
	assert.Equal(t, server.ID(), id)

	s, err := client.NewStream(ctx, server.ID(), testProto)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, server.ID(), s.RemotePeer())

	_, err = s.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(s, buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf))
}

func TestHostUnsupportedProtocol(t *testing.T) {
	server := newLoopbackHost(t)
	client := newLoopbackHost(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := client.Connect(ctx, server.Addrs()[0])
	require.NoError(t, err)

	_, err = client.NewStream(ctx, server.ID(), "/nobody/speaks/this/1.0.0")
	assert.ErrorIs(t, err, ErrUnsupportedProtocol)
}

func TestIdentityKeyFileIsReused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "identity.key")

	first, err := loadOrCreateIdentityKey(path)
	require.NoError(t, err)
	second, err := loadOrCreateIdentityKey(path)
	require.NoError(t, err)

	assert.True(t, first.Equals(second))
}
