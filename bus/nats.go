package bus

import (
	"context"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"gridmesh/logging"
	"gridmesh/protocol"
)

// NatsSubjectPrefix namespaces per-node inbox subjects on a shared
// NATS deployment.
const NatsSubjectPrefix = "gridmesh.node."

// NatsAddrScheme marks an address as a NATS subject rather than a
// dialable multiaddr.
const NatsAddrScheme = "nats:"

// NatsTransport carries bus payloads over a NATS broker instead of
// direct libp2p streams. Every node owns one inbox subject; Send
// publishes to the recipient's subject. Useful for deployments inside
// one trust domain where a central broker beats a full mesh.
type NatsTransport struct {
	conn    *nats.Conn
	subject string
	sub     *nats.Subscription
}

var _ Transport = (*NatsTransport)(nil)

// NewNatsTransport connects to the broker at url and claims the inbox
// subject for self.
func NewNatsTransport(url string, self protocol.NodeID) (*NatsTransport, error) {
	conn, err := nats.Connect(url,
		nats.Name(NatsSubjectPrefix+self.Short()),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, errors.Wrap(err, "connect to NATS")
	}
	return &NatsTransport{
		conn:    conn,
		subject: NatsSubjectPrefix + self.String(),
	}, nil
}

// Addresses returns the inbox subject in address form, for use in
// peer:announce and worker:ready messages.
func (t *NatsTransport) Addresses() []string {
	return []string{NatsAddrScheme + t.subject}
}

func (t *NatsTransport) Start(receive func(payload []byte)) error {
	sub, err := t.conn.Subscribe(t.subject, func(m *nats.Msg) {
		receive(m.Data)
	})
	if err != nil {
		return errors.Wrap(err, "subscribe to inbox")
	}
	t.sub = sub
	logging.Info("NATS transport listening", logging.Bus, "subject", t.subject)
	return nil
}

func (t *NatsTransport) Send(ctx context.Context, addrs []string, payload []byte) error {
	var lastErr error
	for _, addr := range addrs {
		if !strings.HasPrefix(addr, NatsAddrScheme) {
			continue
		}
		subject := strings.TrimPrefix(addr, NatsAddrScheme)
		if err := t.conn.Publish(subject, payload); err != nil {
			lastErr = errors.Wrapf(err, "publish to %s", subject)
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("no NATS subject among peer addresses")
	}
	return lastErr
}

func (t *NatsTransport) Close() error {
	if t.sub != nil {
		if err := t.sub.Unsubscribe(); err != nil {
			logging.Warn("NATS unsubscribe failed", logging.Bus, "error", err)
		}
	}
	return t.conn.Drain()
}
