package transport

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	libcrypto "github.com/libp2p/go-libp2p/core/crypto"
	libhost "github.com/libp2p/go-libp2p/core/host"
	libnetwork "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	libprotocol "github.com/libp2p/go-libp2p/core/protocol"
	lpyamux "github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	noise "github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

const (
	DefaultIdleConnTimeout = 60 * time.Second
	defaultLowWater        = 20
	defaultHighWater       = 200
)

// HostConfig configures the libp2p host built by NewHost.
type HostConfig struct {
	// ListenAddrs are multiaddr strings; empty means no listener (dial-only).
	ListenAddrs []string
	// IdleConnTimeout closes connections that carried no stream for this long.
	IdleConnTimeout time.Duration
	// PrivateKey is the host identity. When nil, IdentityKeyFile is loaded or
	// created, and when that is empty too a fresh Ed25519 key is generated.
	PrivateKey      libcrypto.PrivKey
	IdentityKeyFile string
	LowWater        int
	HighWater       int
	Logger          *zap.Logger
}

// Host adapts a go-libp2p host to the Transport interface. Connections are
// TCP, authenticated with Noise and multiplexed with Yamux.
type Host struct {
	host   libhost.Host
	logger *zap.Logger
	idle   time.Duration
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewHost builds and starts a libp2p host.
func NewHost(cfg HostConfig) (*Host, error) {
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = DefaultIdleConnTimeout
	}
	if cfg.LowWater <= 0 {
		cfg.LowWater = defaultLowWater
	}
	if cfg.HighWater <= cfg.LowWater {
		cfg.HighWater = max(defaultHighWater, cfg.LowWater*2)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	priv := cfg.PrivateKey
	if priv == nil {
		var err error
		priv, err = loadOrCreateIdentityKey(cfg.IdentityKeyFile)
		if err != nil {
			return nil, err
		}
	}

	cm, err := connmgr.NewConnManager(cfg.LowWater, cfg.HighWater, connmgr.WithGracePeriod(cfg.IdleConnTimeout))
	if err != nil {
		return nil, fmt.Errorf("create connection manager: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Muxer(lpyamux.ID, lpyamux.DefaultTransport),
		libp2p.ConnectionManager(cm),
	}
	if len(cfg.ListenAddrs) > 0 {
		opts = append(opts, libp2p.ListenAddrStrings(cfg.ListenAddrs...))
	} else {
		opts = append(opts, libp2p.NoListenAddrs)
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}

	hst := &Host{
		host:   h,
		logger: logger.With(zap.String("peer", h.ID().String())),
		idle:   cfg.IdleConnTimeout,
		stop:   make(chan struct{}),
	}
	hst.wg.Add(1)
	go hst.reapIdle()
	return hst, nil
}

// ID returns the local peer id.
func (h *Host) ID() peer.ID {
	return h.host.ID()
}

// Addrs returns the listen addresses with the /p2p/<id> suffix, ready to be dialed.
func (h *Host) Addrs() []ma.Multiaddr {
	addrs, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: h.host.ID(), Addrs: h.host.Addrs()})
	if err != nil {
		return nil
	}
	return addrs
}

// Connect dials a full /p2p/ multiaddr and remembers its address.
func (h *Host) Connect(ctx context.Context, addr ma.Multiaddr) (peer.ID, error) {
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return "", fmt.Errorf("parse peer address %s: %w", addr, err)
	}
	if err := h.host.Connect(ctx, *info); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	return info.ID, nil
}

// AddAddrs records dialable addresses for p without connecting.
func (h *Host) AddAddrs(p peer.ID, addrs []ma.Multiaddr) {
	h.host.Peerstore().AddAddrs(p, addrs, peerstore.PermanentAddrTTL)
}

func (h *Host) NewStream(ctx context.Context, p peer.ID, pid libprotocol.ID) (Stream, error) {
	s, err := h.host.NewStream(ctx, p, pid)
	if err != nil {
		return nil, classifyStreamError(ctx, err)
	}
	return &libp2pStream{Stream: s}, nil
}

func (h *Host) SetStreamHandler(pid libprotocol.ID, handler StreamHandler) {
	h.host.SetStreamHandler(pid, func(s libnetwork.Stream) {
		handler(&libp2pStream{Stream: s})
	})
}

func (h *Host) RemoveStreamHandler(pid libprotocol.ID) {
	h.host.RemoveStreamHandler(pid)
}

// Close stops the idle reaper and shuts the libp2p host down.
func (h *Host) Close() error {
	h.once.Do(func() { close(h.stop) })
	h.wg.Wait()
	return h.host.Close()
}

// reapIdle closes connections that stayed without streams for the idle timeout.
func (h *Host) reapIdle() {
	defer h.wg.Done()

	interval := max(h.idle/4, 10*time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	idleSince := make(map[libnetwork.Conn]time.Time)
	for {
		select {
		case <-h.stop:
			return
		case now := <-ticker.C:
			live := make(map[libnetwork.Conn]struct{})
			for _, c := range h.host.Network().Conns() {
				live[c] = struct{}{}
				if len(c.GetStreams()) > 0 {
					delete(idleSince, c)
					continue
				}
				since, seen := idleSince[c]
				if !seen {
					idleSince[c] = now
					continue
				}
				if now.Sub(since) >= h.idle {
					h.logger.Debug("closing idle connection", zap.String("remote_peer", c.RemotePeer().String()))
					_ = c.Close()
					delete(idleSince, c)
				}
			}
			for c := range idleSince {
				if _, ok := live[c]; !ok {
					delete(idleSince, c)
				}
			}
		}
	}
}

func classifyStreamError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return err
	}
	msg := err.Error()
	if strings.Contains(msg, "protocols not supported") || strings.Contains(msg, "protocol not supported") {
		return fmt.Errorf("%w: %v", ErrUnsupportedProtocol, err)
	}
	return fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
}

type libp2pStream struct {
	libnetwork.Stream
}

func (s *libp2pStream) RemotePeer() peer.ID {
	return s.Stream.Conn().RemotePeer()
}

func loadOrCreateIdentityKey(keyPath string) (libcrypto.PrivKey, error) {
	if keyPath == "" {
		priv, _, err := libcrypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate identity key: %w", err)
		}
		return priv, nil
	}

	absPath, err := filepath.Abs(keyPath)
	if err != nil {
		return nil, fmt.Errorf("resolve key file path: %w", err)
	}

	keyBytes, err := os.ReadFile(absPath)
	if errors.Is(err, os.ErrNotExist) {
		priv, _, err := libcrypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate identity key: %w", err)
		}
		keyBytes, err := libcrypto.MarshalPrivateKey(priv)
		if err != nil {
			return nil, fmt.Errorf("marshal private key: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
			return nil, fmt.Errorf("create key directory: %w", err)
		}
		if err := os.WriteFile(absPath, keyBytes, 0o600); err != nil {
			return nil, fmt.Errorf("save identity key file: %w", err)
		}
		return priv, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read identity key file: %w", err)
	}

	priv, err := libcrypto.UnmarshalPrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("unmarshal private key: %w", err)
	}
	return priv, nil
}
