// Package nats_server runs an embedded NATS broker for nodes that act
// as the messaging hub of a NATS-transport deployment.
package nats_server

import (
	"time"

	natssrv "github.com/nats-io/nats-server/v2/server"
	"github.com/pkg/errors"

	"gridmesh/logging"
	"gridmesh/nodeconfig"
)

type NatsServer interface {
	Start() error
	ClientURL() string
	Shutdown()
}

type server struct {
	conf nodeconfig.NatsConfig
	ns   *natssrv.Server
}

func NewServer(config nodeconfig.NatsConfig) NatsServer {
	return &server{
		conf: config,
	}
}

func (s *server) Start() error {
	logging.Info("starting nats server", logging.Bus,
		"port", s.conf.Port,
		"host", s.conf.Host,
	)

	opts := &natssrv.Options{
		Host: s.conf.Host,
		Port: s.conf.Port,
	}

	ns, err := natssrv.NewServer(opts)
	if err != nil {
		return errors.Wrap(err, "failed to create NATS server")
	}

	s.ns = ns
	go ns.Start()

	for i := 0; i < 3; i++ {
		time.Sleep(1 * time.Second)
		if ns.ReadyForConnections(2 * time.Second) {
			return nil
		}
	}
	return errors.New("NATS server not ready after 3 attempts")
}

func (s *server) ClientURL() string {
	if s.ns == nil {
		return ""
	}
	return s.ns.ClientURL()
}

func (s *server) Shutdown() {
	if s.ns != nil {
		s.ns.Shutdown()
	}
}
