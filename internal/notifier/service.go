// Package notifier delivers reminder messages through the chat adapter:
// bounded queue + worker pool + rate limit + retry. The scheduling core only
// sees the Dispatch method; delivery detail stays here.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pillbot/internal/eventbus"
	rtsup "pillbot/internal/runtime/supervisor"
	kit "pillbot/internal/transport"
	logx "pillbot/pkg/logx"
	"pillbot/pkg/tgui"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
	ErrBadOwner  = errors.New("owner is not a chat id")
)

// maxStageDisplayRunes caps the stage name shown in a reminder headline.
const maxStageDisplayRunes = 48

// Config controls the async notification pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

type job struct {
	target kit.ChatTarget
	text   string
	opt    *kit.SendOptions
}

// Event is emitted on the bus for notifier lifecycle events.
type Event struct {
	ChatID int64     `json:"chat_id"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}

// Service is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	adapter kit.Adapter
	bus     eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{adapter: adapter, log: log, bus: bus}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// delivery failures are best-effort; never take down the app
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.Go0(name, func(c context.Context) {
			s.workerLoop(c, q)
		})
	}
	s.log.Info("notifier started", logx.Int("workers", workers))
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	// Shutdown happens asynchronously so callers can time out without leaking state.
	go func() {
		defer close(done)
		s.sendWG.Wait()
		func() {
			defer func() { _ = recover() }()
			close(q)
		}()
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Dispatch implements the scheduling core's notifier boundary: build the
// reminder message for the stage and enqueue it to the owner's chat.
func (s *Service) Dispatch(ctx context.Context, owner, stageName string) error {
	chatID, err := strconv.ParseInt(owner, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrBadOwner, owner)
	}
	// Headline is display-only, so an absurdly long stage name gets clipped;
	// the reply snippet keeps the full name because it must match the plan.
	text := fmt.Sprintf("⏰ Time for your %s dose. Did you take it? Reply %s to confirm.",
		tgui.B(tgui.TruncRunes(stageName, maxStageDisplayRunes)), tgui.Code("took "+stageName))
	opt := &kit.SendOptions{ParseMode: "HTML"}
	// The button ride-alongs when the stage name fits Telegram's
	// callback_data limit; the "took <name>" reply always works.
	if btn, err := tgui.CallbackBtn("✅ Took it", "confirm:"+stageName); err == nil {
		opt.ReplyMarkup = tgui.NewInline().Row(btn).Markup()
	}
	return s.Notify(ctx, kit.ChatTarget{ChatID: chatID}, text, opt)
}

// Notify enqueues an arbitrary message. Non-blocking: a full queue is an
// error, not a stall.
func (s *Service) Notify(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- job{target: to, text: text, opt: opt}:
		if s.bus != nil {
			now := time.Now()
			s.bus.Publish(eventbus.Event{Type: "notifier.queued", Time: now, Data: Event{ChatID: to.ChatID, At: now}})
		}
		return nil
	default:
		if s.bus != nil {
			now := time.Now()
			s.bus.Publish(eventbus.Event{Type: "notifier.dropped", Time: now, Data: Event{ChatID: to.ChatID, At: now, Error: ErrQueueFull.Error()}})
		}
		return ErrQueueFull
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(runCtx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	ad := s.adapter
	s.mu.Unlock()
	if ad == nil {
		return
	}

	maxAttempts := 1 + cfg.RetryMax
	backoff := cfg.RetryBase

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(runCtx); err != nil {
				return
			}
		}

		// Bound per-send call so a hung transport can't wedge a worker.
		callCtx, cancel := context.WithTimeout(runCtx, 10*time.Second)
		err := ad.SendText(callCtx, j.target, j.text, j.opt)
		cancel()
		if err == nil {
			if s.bus != nil {
				now := time.Now()
				s.bus.Publish(eventbus.Event{Type: "notifier.sent", Time: now, Data: Event{ChatID: j.target.ChatID, At: now}})
			}
			return
		}
		lastErr = err

		if attempt < maxAttempts {
			select {
			case <-runCtx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > cfg.RetryMaxDelay {
				backoff = cfg.RetryMaxDelay
			}
		}
	}

	s.log.Warn("message delivery failed",
		logx.Int64("chat_id", j.target.ChatID),
		logx.Int("attempts", maxAttempts),
		logx.Err(lastErr))
	if s.bus != nil {
		now := time.Now()
		s.bus.Publish(eventbus.Event{Type: "notifier.failed", Time: now, Data: Event{ChatID: j.target.ChatID, At: now, Error: lastErr.Error()}})
	}
}
