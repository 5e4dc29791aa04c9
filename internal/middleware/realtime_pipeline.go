package middleware

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"RegimeTrader/internal/domain/models"
	domrepo "RegimeTrader/internal/domain/repository"
)

// Proc is the minimal processor interface the pipeline needs.
type Proc interface {
	Process(ctx context.Context, t *models.Trade) error
}

// RealtimePipeline sits between the trade stream and the bar aggregator.
// It validates and throttles trades per symbol and hands them to a single
// worker through a bounded buffer, so a slow downstream never stalls the
// socket reader.
//
// Throttled trades are not lost: the highest, lowest and latest of them are
// held with their summed volume and released ahead of the next accepted
// trade, so bar extremes and volume survive throttling.
type RealtimePipeline struct {
	proc      Proc
	metrics   domrepo.Metrics
	maxRPS    int
	bufSize   int
	bufCh     chan *models.Trade
	stopCh    chan struct{}
	done      chan struct{}
	transform func(*models.Trade) *models.Trade

	mu       sync.Mutex
	started  bool
	lastSeen map[string]time.Time // per-symbol last accepted time
	held     map[string]*heldTrades
}

type heldTrades struct {
	high, low, last models.Trade
	volume          float64
}

func (h *heldTrades) add(t *models.Trade) {
	if t.Price > h.high.Price {
		h.high = *t
	}
	if h.low.Price == 0 || t.Price < h.low.Price {
		h.low = *t
	}
	h.last = *t
	h.volume += t.Volume
}

// release returns the held trades in time order; only the latest carries
// the accumulated volume.
func (h *heldTrades) release() []*models.Trade {
	last := h.last
	last.Volume = h.volume
	out := []*models.Trade{&last}
	seen := func(t models.Trade) bool {
		for _, o := range out {
			if o.Timestamp.Equal(t.Timestamp) && o.Price == t.Price {
				return true
			}
		}
		return false
	}
	for _, t := range []models.Trade{h.high, h.low} {
		if seen(t) {
			continue
		}
		t.Volume = 0
		out = append(out, &t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

type PipelineOption func(*RealtimePipeline)

// WithMaxRPS sets the max trades per second per symbol. Zero disables throttling.
func WithMaxRPS(n int) PipelineOption {
	return func(p *RealtimePipeline) {
		if n >= 0 {
			p.maxRPS = n
		}
	}
}

// WithBufferSize sets the buffer between the reader and the worker.
func WithBufferSize(n int) PipelineOption {
	return func(p *RealtimePipeline) {
		if n > 0 {
			p.bufSize = n
		}
	}
}

// WithTransform sets a hook that rewrites trades before validation,
// e.g. to map vendor symbols onto broker symbols.
func WithTransform(fn func(*models.Trade) *models.Trade) PipelineOption {
	return func(p *RealtimePipeline) { p.transform = fn }
}

// NewRealtimePipeline creates a new pipeline.
func NewRealtimePipeline(proc Proc, metrics domrepo.Metrics, opts ...PipelineOption) *RealtimePipeline {
	p := &RealtimePipeline{
		proc:     proc,
		metrics:  metrics,
		maxRPS:   20,
		bufSize:  1000,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		lastSeen: make(map[string]time.Time),
		held:     make(map[string]*heldTrades),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.bufCh = make(chan *models.Trade, p.bufSize)
	return p
}

// Start launches the worker that drains the buffer into the processor.
func (p *RealtimePipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	go func() {
		defer close(p.done)
		for {
			select {
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			case t := <-p.bufCh:
				start := time.Now()
				if err := p.proc.Process(ctx, t); err != nil {
					p.metrics.RecordError("pipeline_process")
					continue
				}
				p.metrics.RecordLatency("pipeline_process", time.Since(start).Seconds())
			}
		}
	}()
}

// Stop stops the worker and waits for it to exit.
func (p *RealtimePipeline) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()
	close(p.stopCh)
	<-p.done
}

// Process validates, throttles and enqueues t. It never blocks: when the
// buffer is full the trade is dropped.
func (p *RealtimePipeline) Process(_ context.Context, t *models.Trade) error {
	if p.transform != nil && t != nil {
		t = p.transform(t)
	}
	if err := validateTrade(t); err != nil {
		p.metrics.RecordError("pipeline_validate")
		return err
	}
	held, ok := p.admit(t, time.Now())
	if !ok {
		p.metrics.RecordError("pipeline_throttle")
		return nil
	}
	for _, h := range append(held, t) {
		select {
		case p.bufCh <- h:
		default:
			p.metrics.RecordError("pipeline_buffer_full")
			return fmt.Errorf("pipeline buffer full, dropped %s trade", t.Symbol)
		}
	}
	return nil
}

// Depth returns the number of buffered trades.
func (p *RealtimePipeline) Depth() int { return len(p.bufCh) }

func validateTrade(t *models.Trade) error {
	if t == nil {
		return fmt.Errorf("trade nil")
	}
	if t.Symbol == "" {
		return fmt.Errorf("symbol empty")
	}
	if t.Timestamp.IsZero() || t.Timestamp.Unix() <= 0 {
		return fmt.Errorf("timestamp invalid")
	}
	if t.Price <= 0 || t.Volume < 0 {
		return fmt.Errorf("non-positive price or negative volume")
	}
	return nil
}

// admit applies the per-symbol rate. A throttled trade is held; an admitted
// one returns whatever was held since the previous admission.
func (p *RealtimePipeline) admit(t *models.Trade, now time.Time) ([]*models.Trade, bool) {
	if p.maxRPS <= 0 {
		return nil, true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	last := p.lastSeen[t.Symbol]
	if !last.IsZero() && now.Sub(last) < time.Second/time.Duration(p.maxRPS) {
		h := p.held[t.Symbol]
		if h == nil {
			h = &heldTrades{}
			p.held[t.Symbol] = h
		}
		h.add(t)
		return nil, false
	}
	p.lastSeen[t.Symbol] = now
	h := p.held[t.Symbol]
	if h == nil {
		return nil, true
	}
	delete(p.held, t.Symbol)
	return h.release(), true
}
