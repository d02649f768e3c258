package bus

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/multiformats/go-multiaddr"

	"gridmesh/logging"
)

// ControlProtocolID is the libp2p protocol for job-control messages.
const ControlProtocolID = "/gridmesh/ctl/1.0.0"

const (
	dialTimeout       = 10 * time.Second
	bootstrapAttempts = 3
	maxMessageBytes   = 4 << 20
)

// Libp2pTransport carries bus payloads over one-shot libp2p streams.
type Libp2pTransport struct {
	ctx  context.Context
	host host.Host
}

// NewLibp2pTransport creates a host listening on listenAddr.
func NewLibp2pTransport(ctx context.Context, listenAddr string) (*Libp2pTransport, error) {
	h, err := libp2p.New(
		libp2p.ListenAddrStrings(listenAddr),
	)
	if err != nil {
		return nil, fmt.Errorf("libp2p host: %w", err)
	}
	return &Libp2pTransport{ctx: ctx, host: h}, nil
}

// NewLibp2pTransportWithHost wraps an existing host, mainly for tests
// that run several nodes in one process.
func NewLibp2pTransportWithHost(ctx context.Context, h host.Host) *Libp2pTransport {
	return &Libp2pTransport{ctx: ctx, host: h}
}

func (t *Libp2pTransport) Host() host.Host { return t.host }

// Addresses returns the host's full dialable multiaddrs.
func (t *Libp2pTransport) Addresses() []string {
	out := make([]string, 0, len(t.host.Addrs()))
	for _, a := range t.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, t.host.ID()))
	}
	return out
}

func (t *Libp2pTransport) Start(receive func(payload []byte)) error {
	t.host.SetStreamHandler(ControlProtocolID, func(s network.Stream) {
		defer s.Close()
		payload, err := io.ReadAll(io.LimitReader(s, maxMessageBytes))
		if err != nil {
			logging.Warn("Failed to read inbound stream", logging.Bus,
				"peer", s.Conn().RemotePeer().String(), "error", err)
			return
		}
		receive(payload)
	})
	return nil
}

// Send resolves addrs to a peer, dials it, writes the payload on a
// fresh stream, and closes.
func (t *Libp2pTransport) Send(ctx context.Context, addrs []string, payload []byte) error {
	info, err := addrInfo(addrs)
	if err != nil {
		return err
	}
	t.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.TempAddrTTL)

	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	s, err := t.host.NewStream(ctx, info.ID, ControlProtocolID)
	if err != nil {
		return fmt.Errorf("open stream to %s: %w", info.ID, err)
	}
	defer s.Close()
	if _, err := s.Write(payload); err != nil {
		return fmt.Errorf("write to %s: %w", info.ID, err)
	}
	return s.CloseWrite()
}

func (t *Libp2pTransport) Close() error {
	return t.host.Close()
}

// Bootstrap connects to the configured bootstrap peers with retries.
func (t *Libp2pTransport) Bootstrap(ctx context.Context, peers []string) {
	for _, addrStr := range peers {
		ma, err := multiaddr.NewMultiaddr(addrStr)
		if err != nil {
			logging.Warn("Skipping malformed bootstrap address", logging.Bus,
				"addr", addrStr, "error", err)
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			logging.Warn("Skipping bootstrap address without peer id", logging.Bus,
				"addr", addrStr, "error", err)
			continue
		}

		t.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.PermanentAddrTTL)

		for i := 0; i < bootstrapAttempts; i++ {
			dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
			err = t.host.Connect(dialCtx, *info)
			cancel()
			if err == nil {
				logging.Info("Connected to bootstrap peer", logging.Bus, "peer", info.ID.String())
				break
			}
			logging.Warn("Bootstrap connect failed", logging.Bus,
				"peer", info.ID.String(), "attempt", i+1, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second * time.Duration(i+1)):
			}
		}
	}
}

func addrInfo(addrs []string) (*peer.AddrInfo, error) {
	var lastErr error
	for _, addrStr := range addrs {
		ma, err := multiaddr.NewMultiaddr(addrStr)
		if err != nil {
			lastErr = err
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			lastErr = err
			continue
		}
		return info, nil
	}
	if lastErr == nil {
		lastErr = ErrUnknownPeer
	}
	return nil, fmt.Errorf("no usable multiaddr: %w", lastErr)
}
