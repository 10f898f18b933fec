package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "pillbot/internal/transport"
	logx "pillbot/pkg/logx"
)

type sent struct {
	to   kit.ChatTarget
	text string
	opt  *kit.SendOptions
}

// fakeAdapter records sends; fail lets the first N attempts error.
type fakeAdapter struct {
	mu   sync.Mutex
	msgs []sent
	fail int
	ch   chan sent
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{ch: make(chan sent, 16)}
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                         { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) error {
	f.mu.Lock()
	if f.fail > 0 {
		f.fail--
		f.mu.Unlock()
		return errors.New("transient")
	}
	m := sent{to: to, text: text, opt: opt}
	f.msgs = append(f.msgs, m)
	f.mu.Unlock()
	f.ch <- m
	return nil
}

func (f *fakeAdapter) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return nil
}

func waitSent(t *testing.T, f *fakeAdapter) sent {
	t.Helper()
	select {
	case m := <-f.ch:
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("no message delivered in time")
		return sent{}
	}
}

func startService(t *testing.T, cfg Config, ad kit.Adapter) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, ad, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
		s.Stop(stopCtx)
		stop()
		cancel()
	})
	return s
}

func TestDispatchBuildsReminder(t *testing.T) {
	ad := newFakeAdapter()
	s := startService(t, Config{RatePerSec: 100}, ad)

	if err := s.Dispatch(context.Background(), "12345", "morning"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	m := waitSent(t, ad)
	if m.to.ChatID != 12345 {
		t.Fatalf("chat id = %d", m.to.ChatID)
	}
	if !strings.Contains(m.text, "morning") || !strings.Contains(m.text, "<b>") {
		t.Fatalf("unexpected text: %q", m.text)
	}
	if m.opt == nil || m.opt.ParseMode != "HTML" {
		t.Fatalf("expected HTML parse mode, got %+v", m.opt)
	}
	rm, ok := m.opt.ReplyMarkup.(*tele.ReplyMarkup)
	if !ok || len(rm.InlineKeyboard) != 1 {
		t.Fatalf("expected confirm keyboard, got %+v", m.opt.ReplyMarkup)
	}
	if rm.InlineKeyboard[0][0].Data != "confirm:morning" {
		t.Fatalf("callback data = %q", rm.InlineKeyboard[0][0].Data)
	}
}

func TestDispatchClipsLongStageName(t *testing.T) {
	ad := newFakeAdapter()
	s := startService(t, Config{RatePerSec: 100}, ad)

	long := strings.Repeat("x", maxStageDisplayRunes+20)
	if err := s.Dispatch(context.Background(), "1", long); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	m := waitSent(t, ad)
	clipped := strings.Repeat("x", maxStageDisplayRunes) + "…"
	if !strings.Contains(m.text, "<b>"+clipped+"</b>") {
		t.Fatalf("headline not clipped: %q", m.text)
	}
	// The suggested reply keeps the full name so it still confirms the stage.
	if !strings.Contains(m.text, "took "+long) {
		t.Fatalf("reply snippet lost the full name: %q", m.text)
	}
}

func TestDispatchRejectsBadOwner(t *testing.T) {
	s := startService(t, Config{}, newFakeAdapter())
	if err := s.Dispatch(context.Background(), "not-a-chat-id", "morning"); !errors.Is(err, ErrBadOwner) {
		t.Fatalf("got %v, want ErrBadOwner", err)
	}
}

func TestNotifyWhenDisabled(t *testing.T) {
	s := New(Config{Enabled: false}, newFakeAdapter(), logx.Nop(), nil)
	err := s.Notify(context.Background(), kit.ChatTarget{ChatID: 1}, "hi", nil)
	if !errors.Is(err, ErrDisabled) {
		t.Fatalf("got %v, want ErrDisabled", err)
	}
}

func TestRetryEventuallyDelivers(t *testing.T) {
	ad := newFakeAdapter()
	ad.fail = 2
	s := startService(t, Config{
		RatePerSec: 100,
		RetryMax:   3,
		RetryBase:  time.Millisecond,
	}, ad)

	if err := s.Dispatch(context.Background(), "1", "morning"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	m := waitSent(t, ad)
	if m.to.ChatID != 1 {
		t.Fatalf("chat id = %d", m.to.ChatID)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s := startService(t, Config{}, newFakeAdapter())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	s.Stop(ctx)
	if err := s.Notify(context.Background(), kit.ChatTarget{ChatID: 1}, "hi", nil); err == nil {
		t.Fatal("Notify after Stop should fail")
	}
}
