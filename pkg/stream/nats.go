package stream

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/paperexch/derivsim/pkg/marketdata"
	"github.com/paperexch/derivsim/pkg/sim"
)

// NATSPublisher re-publishes snapshots and trades on NATS subjects
// (md.<symbol>, trades.<symbol>) for out-of-process consumers.
type NATSPublisher struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// NewNATSPublisher connects to a NATS server.
func NewNATSPublisher(url string, logger *zap.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("derivsim"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	logger.Info("connected to nats", zap.String("url", url))
	return &NATSPublisher{nc: nc, logger: logger}, nil
}

// PublishSnapshot implements sim.Broadcaster.
func (p *NATSPublisher) PublishSnapshot(snap *marketdata.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return p.nc.Publish("md."+snap.Symbol, data)
}

// PublishTrade implements sim.Broadcaster.
func (p *NATSPublisher) PublishTrade(trade *sim.Trade) error {
	data, err := json.Marshal(trade)
	if err != nil {
		return err
	}
	return p.nc.Publish("trades."+trade.Symbol, data)
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() {
	if err := p.nc.Drain(); err != nil {
		p.logger.Warn("nats drain failed", zap.Error(err))
	}
}
