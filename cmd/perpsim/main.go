// perpsim runs the exchange simulator: a WebSocket command interface, an
// optional NATS event feed and a Prometheus metrics endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"perpsim/config"
	"perpsim/pkg/feed"
	"perpsim/pkg/perp"
	"perpsim/pkg/server"
)

// multiSink fans exchange events out to every attached sink.
type multiSink []perp.EventSink

func (m multiSink) OnTrade(t perp.Trade) {
	for _, s := range m {
		s.OnTrade(t)
	}
}

func (m multiSink) OnMarkPrice(p decimal.Decimal) {
	for _, s := range m {
		s.OnMarkPrice(p)
	}
}

func (m multiSink) OnLiquidation(e perp.LiquidationEvent) {
	for _, s := range m {
		s.OnLiquidation(e)
	}
}

func (m multiSink) OnADL(r *perp.ADLResult) {
	for _, s := range m {
		s.OnADL(r)
	}
}

func exchangeConfig(cfg *config.Configuration) (perp.Config, error) {
	out := perp.DefaultConfig()

	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"initial_mark_price", cfg.Exchange.InitialMarkPrice, &out.InitialMarkPrice},
		{"insurance_fund_seed", cfg.Exchange.InsuranceFundSeed, &out.InsuranceFundSeed},
		{"default_leverage", cfg.Exchange.DefaultLeverage, &out.DefaultLeverage},
		{"max_leverage", cfg.Exchange.MaxLeverage, &out.Limits.MaxLeverage},
		{"max_position_size", cfg.Exchange.MaxPositionSize, &out.Limits.MaxPositionSize},
		{"max_position_value", cfg.Exchange.MaxPositionValue, &out.Limits.MaxPositionValue},
		{"min_order_size", cfg.Exchange.MinOrderSize, &out.Limits.MinOrderSize},
	}
	for _, f := range fields {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return perp.Config{}, fmt.Errorf("exchange.%s: %w", f.name, err)
		}
		*f.dst = d
	}

	balance, err := decimal.NewFromString(cfg.Exchange.SeedBalance)
	if err != nil {
		return perp.Config{}, fmt.Errorf("exchange.seed_balance: %w", err)
	}
	out.SeedUsers = out.SeedUsers[:0]
	for _, id := range cfg.Exchange.SeedUsers {
		out.SeedUsers = append(out.SeedUsers, perp.SeedUser{ID: id, Balance: balance})
	}
	return out, nil
}

func run() error {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	level, _ := log.ToLevel(cfg.App.LogLevel)
	logger := log.NewTestLogger(level)

	exCfg, err := exchangeConfig(cfg)
	if err != nil {
		return err
	}
	exchange := perp.NewExchange(exCfg, logger)

	metrics := perp.NewMetrics()
	exchange.SetMetrics(metrics)

	wsServer := server.New(exchange, logger, serverConfig(cfg))

	sinks := multiSink{wsServer}
	var publisher *feed.Publisher
	if cfg.NATS.Enabled {
		publisher, err = feed.Connect(cfg.NATS.URL, logger)
		if err != nil {
			return fmt.Errorf("connect NATS: %w", err)
		}
		defer publisher.Close()
		sinks = append(sinks, publisher)
	}
	exchange.SetSink(sinks)

	metricsServer := &http.Server{
		Addr:    cfg.App.MetricsAddr,
		Handler: metricsHandler(metrics),
	}
	go func() {
		logger.Info("metrics server starting", "addr", cfg.App.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- wsServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := wsServer.Shutdown(ctx); err != nil {
		logger.Warn("websocket shutdown", "error", err)
	}
	if err := metricsServer.Shutdown(ctx); err != nil {
		logger.Warn("metrics shutdown", "error", err)
	}
	return nil
}

func serverConfig(cfg *config.Configuration) server.Config {
	out := server.DefaultConfig()
	out.Addr = cfg.App.ListenAddr
	return out
}

func metricsHandler(m *perp.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return mux
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "perpsim:", err)
		os.Exit(1)
	}
}
