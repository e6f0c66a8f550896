/*
scheduler.go - Background sweep of pending reflects

PURPOSE:
  A commit can outlive its reflect: the process may stop between the two,
  or the platform may stay unreachable through every retry. Such messages
  keep ReflectPending in the processed-message log. The scheduler picks
  them up periodically and shows their total.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Only touches rows older than Grace, so it never races the handler
    that is still reflecting a fresh commit
  - Rows the platform refused for good are ReflectFailed and left alone

USAGE:
  scheduler := NewReflectScheduler(processor, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - processor.go: SweepReflects
*/
package bot

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ReflectScheduler retries reflects that never reached the chat.
type ReflectScheduler struct {
	Processor     *Processor
	CheckInterval time.Duration
	Grace         time.Duration
	BatchSize     int
	Enabled       bool

	log    zerolog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewReflectScheduler(p *Processor, log zerolog.Logger) *ReflectScheduler {
	return &ReflectScheduler{
		Processor:     p,
		CheckInterval: time.Minute,
		Grace:         time.Minute,
		BatchSize:     50,
		Enabled:       true,
		log:           log.With().Str("component", "scheduler").Logger(),
	}
}

// Start begins the scheduler.
func (rs *ReflectScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled || rs.CheckInterval <= 0 {
		rs.log.Info().Msg("reflect sweep disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)

	go rs.run(rs.ticker, rs.stop)

	rs.log.Info().Dur("interval", rs.CheckInterval).Dur("grace", rs.Grace).Msg("reflect sweep started")
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (rs *ReflectScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		rs.log.Info().Msg("reflect sweep stopped")
	}
}

func (rs *ReflectScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer rs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Run immediately on start: this is where a restart catches up.
	rs.Sweep(ctx)

	for {
		select {
		case <-ticker.C:
			rs.Sweep(ctx)
		case <-stop:
			return
		}
	}
}

// Sweep runs one pass. It is exported for the HTTP trigger and for tests.
func (rs *ReflectScheduler) Sweep(ctx context.Context) SweepReport {
	before := time.Now().Add(-rs.Grace)
	report, err := rs.Processor.SweepReflects(ctx, before, rs.BatchSize)
	if err != nil {
		rs.log.Error().Err(err).Msg("reflect sweep failed")
		return report
	}
	if report.Attempted > 0 {
		rs.log.Info().
			Int("attempted", report.Attempted).
			Int("confirmed", report.Confirmed).
			Int("pending", report.Pending).
			Int("failed", report.Failed).
			Msg("reflect sweep complete")
	}
	return report
}
