// Package feed publishes exchange events to NATS for external consumers.
package feed

import (
	"encoding/json"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"

	"perpsim/pkg/perp"
)

// NATS subjects, one per event stream.
const (
	SubjectTrades       = "perpsim.trades"
	SubjectMark         = "perpsim.mark"
	SubjectLiquidations = "perpsim.liquidations"
	SubjectADL          = "perpsim.adl"
)

// Publisher forwards exchange events to NATS. A nil Publisher is a no-op so
// callers can run without a broker.
type Publisher struct {
	nc     *nats.Conn
	logger log.Logger
}

// Connect dials the NATS server and returns a publisher over it.
func Connect(url string, logger log.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("perpsim"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to NATS", "url", url)
	return &Publisher{nc: nc, logger: logger.New("module", "feed")}, nil
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	p.nc.Drain()
}

func (p *Publisher) publish(subject string, v any) {
	if p == nil || p.nc == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("marshal event", "subject", subject, "error", err)
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn("publish event", "subject", subject, "error", err)
	}
}

// OnTrade publishes an executed trade.
func (p *Publisher) OnTrade(trade perp.Trade) {
	p.publish(SubjectTrades, trade)
}

// OnMarkPrice publishes a mark price change.
func (p *Publisher) OnMarkPrice(price decimal.Decimal) {
	p.publish(SubjectMark, map[string]string{"symbol": perp.Symbol, "markPrice": price.String()})
}

// OnLiquidation publishes an executed liquidation.
func (p *Publisher) OnLiquidation(event perp.LiquidationEvent) {
	p.publish(SubjectLiquidations, event)
}

// OnADL publishes a deleveraging result.
func (p *Publisher) OnADL(result *perp.ADLResult) {
	p.publish(SubjectADL, result)
}
