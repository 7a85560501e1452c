package localfirst

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Prober
// ============================================================================

// Prober checks reachability of the backend by opening a websocket to it and
// completing one ping.
type Prober struct {
	URL        string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Probe returns nil when the endpoint answered a ping within the timeout.
func (p *Prober) Probe(ctx context.Context) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := strings.Replace(p.URL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)

	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: p.HTTPClient})
	if err != nil {
		return NetworkUnavailable(err, "probe dial")
	}
	defer conn.Close(websocket.StatusNormalClosure, "probe done")

	// Pongs are only processed while something reads the connection.
	ctx = conn.CloseRead(ctx)
	if err := conn.Ping(ctx); err != nil {
		return NetworkUnavailable(err, "probe ping")
	}
	return nil
}

// ============================================================================
// Backoff
// ============================================================================

type backoff struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

func (b *backoff) next() time.Duration {
	jitter := time.Duration(rand.Float64() * float64(b.base) * 0.5)
	delay := time.Duration(math.Min(
		float64(b.base)*math.Pow(2, float64(b.attempt))+float64(jitter),
		float64(b.max),
	))
	b.attempt++
	return delay
}

func (b *backoff) reset() {
	b.attempt = 0
}

// ============================================================================
// ProbeLoop
// ============================================================================

// ProbeLoop probes on a fixed interval while probes succeed and backs off
// exponentially, capped at ten intervals, while they fail. Every result is fed
// to the connectivity state machine.
type ProbeLoop struct {
	probe    func(ctx context.Context) error
	conn     *Connectivity
	interval time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProbeLoop creates a loop running probe every interval.
func NewProbeLoop(probe func(ctx context.Context) error, conn *Connectivity, interval time.Duration, logger *zap.Logger) *ProbeLoop {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &ProbeLoop{probe: probe, conn: conn, interval: interval, logger: logger}
}

// Start runs the loop in the background; the first probe is immediate.
func (l *ProbeLoop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go l.run(ctx)
}

// Stop ends the loop and waits for it.
func (l *ProbeLoop) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	l.wg.Wait()
}

func (l *ProbeLoop) run(ctx context.Context) {
	defer l.wg.Done()

	b := &backoff{base: l.interval, max: 10 * l.interval}
	delay := time.Duration(0)
	for {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		if err := l.probe(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			l.conn.Apply(TriggerProbeFailed)
			delay = b.next()
			l.logger.Debug("probe failed", zap.Duration("retry_in", delay), zap.Error(err))
			continue
		}
		l.conn.Apply(TriggerProbeSucceeded)
		b.reset()
		delay = l.interval
	}
}
