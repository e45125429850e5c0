package feed

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"perpsim/pkg/perp"
)

// A nil publisher must be safe so the exchange can run without a broker.
func TestNilPublisherIsNoOp(t *testing.T) {
	var p *Publisher

	assert.NotPanics(t, func() {
		p.OnTrade(perp.Trade{ID: 1, Price: decimal.NewFromInt(50000), Timestamp: time.Now()})
		p.OnMarkPrice(decimal.NewFromInt(45000))
		p.OnLiquidation(perp.LiquidationEvent{UserID: "bob"})
		p.OnADL(&perp.ADLResult{EnginePositionID: 1})
		p.Close()
	})
}
