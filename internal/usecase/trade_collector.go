package usecase

import (
	"context"
	"sync"

	drepo "RegimeTrader/internal/domain/repository"
	mid "RegimeTrader/internal/middleware"
	applogger "RegimeTrader/pkg/logger"
)

// TradeCollector reads the trade stream into the pipeline and keeps the
// connection alive.
type TradeCollector struct {
	stream  drepo.MarketStream
	pipe    *mid.RealtimePipeline
	metrics drepo.Metrics
	log     *applogger.Logger
	wg      sync.WaitGroup
}

// NewTradeCollector creates a new TradeCollector instance.
func NewTradeCollector(stream drepo.MarketStream, pipe *mid.RealtimePipeline, metrics drepo.Metrics, l *applogger.Logger) *TradeCollector {
	return &TradeCollector{stream: stream, pipe: pipe, metrics: metrics, log: l}
}

// IsConnected returns true if the market stream is connected.
func (c *TradeCollector) IsConnected() bool {
	return c.stream.IsConnected()
}

// Start connects, subscribes and consumes until ctx ends.
func (c *TradeCollector) Start(ctx context.Context) error {
	if err := c.stream.Connect(ctx); err != nil {
		return err
	}
	if err := c.stream.Subscribe(ctx); err != nil {
		return err
	}
	c.pipe.Start(ctx)
	c.wg.Add(1)
	go c.consume(ctx)
	return nil
}

func (c *TradeCollector) consume(ctx context.Context) {
	defer c.wg.Done()
	for ctx.Err() == nil {
		trCh, errCh := c.stream.Read(ctx)
		for t := range trCh {
			if err := c.pipe.Process(ctx, t); err != nil {
				c.log.Debug("trade dropped", applogger.Error(err))
			}
		}
		err := <-errCh
		if ctx.Err() != nil {
			return
		}
		c.metrics.RecordError("stream")
		c.log.Warn("stream disconnected, reconnecting", applogger.Error(err))
		for ctx.Err() == nil {
			rerr := c.stream.Reconnect(ctx)
			if rerr == nil {
				break
			}
			c.metrics.RecordError("stream_reconnect")
			c.log.Warn("stream reconnect failed", applogger.Error(rerr))
		}
	}
}

// Shutdown stops the pipeline and closes the stream.
func (c *TradeCollector) Shutdown(_ context.Context) error {
	err := c.stream.Close()
	c.wg.Wait()
	c.pipe.Stop()
	return err
}
