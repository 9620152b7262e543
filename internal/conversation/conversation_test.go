package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/referly/messenger/internal/chat"
	"github.com/referly/messenger/internal/chatclient"
	"github.com/referly/messenger/internal/chatclient/chattest"
	"github.com/referly/messenger/internal/eventloop"
	"github.com/referly/messenger/internal/notify"
	"github.com/referly/messenger/internal/ratelimit"
)

const (
	candID = "cand-1"
	janeID = "ref-1"
	omarID = "ref-2"
)

type recorder struct {
	mu      sync.Mutex
	toasts  []notify.Kind
	scrolls []string
	reads   []string
	closed  []string
}

func (r *recorder) Notify(kind notify.Kind, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toasts = append(r.toasts, kind)
}

func (r *recorder) scrolled() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.scrolls...)
}

type harness struct {
	srv  *chattest.Server
	loop *eventloop.Loop
	conv *Controller
	rec  *recorder
}

func newServer() *chattest.Server {
	srv := chattest.NewServer()
	srv.AddUser(chat.User{ID: candID, DisplayName: "Ada"})
	srv.AddUser(chat.User{ID: janeID, DisplayName: "Jane", Company: "Acme Corp"})
	srv.AddUser(chat.User{ID: omarID, DisplayName: "Omar"})
	return srv
}

func newHarness(t *testing.T, srv *chattest.Server, limiter Limiter) *harness {
	t.Helper()
	client, err := chatclient.Initialize(context.Background(), srv.Dial(), srv.Credential(candID), chatclient.DefaultOptions())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	loop := eventloop.New(nil)
	loop.Start()

	rec := &recorder{}
	conv := New(context.Background(), Config{
		Loop:        loop,
		Client:      client,
		Limiter:     limiter,
		Notifier:    rec,
		ScrollDelay: time.Millisecond,
		OnScroll: func(id string) {
			rec.mu.Lock()
			rec.scrolls = append(rec.scrolls, id)
			rec.mu.Unlock()
		},
		OnRead: func(id string) {
			rec.mu.Lock()
			rec.reads = append(rec.reads, id)
			rec.mu.Unlock()
		},
		OnClosed: func(id string) {
			rec.mu.Lock()
			rec.closed = append(rec.closed, id)
			rec.mu.Unlock()
		},
	})
	h := &harness{srv: srv, loop: loop, conv: conv, rec: rec}
	t.Cleanup(func() {
		h.do(conv.Reset)
		loop.Stop()
		client.Close()
	})
	return h
}

// waitScrolls polls until at least n scrolls were requested; the scroll
// timer is not tracked by Idle.
func (h *harness) waitScrolls(n int) []string {
	deadline := time.Now().Add(time.Second)
	for len(h.rec.scrolled()) < n && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	return h.rec.scrolled()
}

func (h *harness) do(fn func()) {
	h.loop.Post(fn)
	h.loop.Idle()
}

func (h *harness) texts() []string {
	var out []string
	h.do(func() {
		for _, m := range h.conv.Messages() {
			out = append(out, m.Text)
		}
	})
	return out
}

func (h *harness) state() State {
	var s State
	h.do(func() { s = h.conv.State() })
	return s
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSelect_HistoryThenEventsInArrivalOrder(t *testing.T) {
	srv := newServer()
	ch := srv.SeedChannel(janeID, candID)
	srv.Post(ch.ID, janeID, "h1")
	srv.Post(ch.ID, candID, "h2")

	h := newHarness(t, srv, nil)
	h.do(func() { h.conv.Select(ch) })
	if got := h.state(); got != Ready {
		t.Fatalf("state = %v, want ready", got)
	}

	for _, text := range []string{"e1", "e2", "e3"} {
		if _, err := srv.Post(ch.ID, janeID, text); err != nil {
			t.Fatal(err)
		}
	}
	h.loop.Idle()

	want := []string{"h1", "h2", "e1", "e2", "e3"}
	if got := h.texts(); !equal(got, want) {
		t.Errorf("thread = %v, want %v", got, want)
	}
}

func TestSelect_SwitchIsolatesListeners(t *testing.T) {
	srv := newServer()
	a := srv.SeedChannel(janeID, candID)
	b := srv.SeedChannel(omarID, candID)
	srv.Post(b.ID, omarID, "b1")

	h := newHarness(t, srv, nil)
	h.do(func() { h.conv.Select(a) })
	h.do(func() { h.conv.Select(b) })

	srv.Post(a.ID, janeID, "for a")
	h.loop.Idle()

	if got := h.texts(); !equal(got, []string{"b1"}) {
		t.Errorf("thread of B = %v, want [b1]", got)
	}
	var active string
	h.do(func() { active = h.conv.ActiveID() })
	if active != b.ID {
		t.Errorf("ActiveID = %s, want %s", active, b.ID)
	}
}

func TestSelect_LateHistoryDiscarded(t *testing.T) {
	srv := newServer()
	a := srv.SeedChannel(janeID, candID)
	b := srv.SeedChannel(omarID, candID)
	srv.Post(a.ID, janeID, "a1")
	srv.Post(b.ID, omarID, "b1")

	h := newHarness(t, srv, nil)
	release := srv.HoldWatch()
	h.loop.Post(func() {
		h.conv.Select(a)
		h.conv.Select(b)
	})
	time.Sleep(10 * time.Millisecond)
	release()
	h.loop.Idle()

	var view View
	h.do(func() { view = h.conv.View() })
	if view.State != "ready" || view.ChannelID != b.ID {
		t.Fatalf("view = %+v, want ready on %s", view, b.ID)
	}
	if len(view.Messages) != 1 || view.Messages[0].Text != "b1" {
		t.Errorf("messages = %+v, want only b1", view.Messages)
	}
}

func TestSelect_WatchFailure(t *testing.T) {
	srv := newServer()
	ch := srv.SeedChannel(janeID, candID)
	srv.Fail(chattest.OpWatch, chatclient.ErrUnavailable)

	h := newHarness(t, srv, nil)
	h.do(func() { h.conv.Select(ch) })

	if got := h.state(); got != NoChannelSelected {
		t.Errorf("state = %v, want none", got)
	}
	if len(h.rec.toasts) != 1 || h.rec.toasts[0] != notify.Error {
		t.Errorf("toasts = %v, want one error", h.rec.toasts)
	}
}

func TestSubmit_ClearsThenRestoresOnFailure(t *testing.T) {
	srv := newServer()
	ch := srv.SeedChannel(candID, janeID)
	h := newHarness(t, srv, nil)
	h.do(func() { h.conv.Select(ch) })

	srv.Fail(chattest.OpSend, chatclient.ErrUnavailable)
	const text = "  Hi, interested in the role\n"

	var during string
	var sending bool
	h.do(func() {
		h.conv.Submit(text)
		during, sending = h.conv.Composer(), h.conv.Sending()
	})
	if during != "" || !sending {
		t.Errorf("right after submit: composer = %q, sending = %v", during, sending)
	}

	var after string
	h.do(func() { after, sending = h.conv.Composer(), h.conv.Sending() })
	if after != text {
		t.Errorf("composer after failure = %q, want %q", after, text)
	}
	if sending {
		t.Error("still sending after failure")
	}
	if got := h.texts(); len(got) != 0 {
		t.Errorf("thread = %v, want no phantom message", got)
	}
	if len(h.rec.toasts) != 1 || h.rec.toasts[0] != notify.Error {
		t.Errorf("toasts = %v", h.rec.toasts)
	}
}

func TestSubmit_MessageArrivesThroughEvent(t *testing.T) {
	srv := newServer()
	ch := srv.SeedChannel(candID, janeID)
	h := newHarness(t, srv, nil)
	h.do(func() { h.conv.Select(ch) })

	h.do(func() { h.conv.Submit("Hi, interested in the role") })

	var view View
	h.do(func() { view = h.conv.View() })
	if len(view.Messages) != 1 {
		t.Fatalf("messages = %+v, want one", view.Messages)
	}
	if m := view.Messages[0]; m.Text != "Hi, interested in the role" || !m.Self {
		t.Errorf("message = %+v, want self-authored text", m)
	}
	if view.Composer != "" {
		t.Errorf("composer = %q, want empty", view.Composer)
	}
}

func TestSubmit_IgnoresBlankAndRequiresSelection(t *testing.T) {
	srv := newServer()
	ch := srv.SeedChannel(candID, janeID)
	h := newHarness(t, srv, nil)

	h.do(func() { h.conv.Submit("hello") })
	if srv.Calls(chattest.OpSend) != 0 {
		t.Error("sent without a selected conversation")
	}

	h.do(func() { h.conv.Select(ch) })
	h.do(func() { h.conv.Submit("   ") })
	if srv.Calls(chattest.OpSend) != 0 {
		t.Error("sent a blank message")
	}
}

type denySends struct{}

func (denySends) Allow(_ context.Context, _ string, rule ratelimit.Rule) (bool, error) {
	return rule.Key != ratelimit.RuleSend.Key, nil
}

func TestSubmit_RateLimitedRestoresComposer(t *testing.T) {
	srv := newServer()
	ch := srv.SeedChannel(candID, janeID)
	h := newHarness(t, srv, denySends{})
	h.do(func() { h.conv.Select(ch) })

	h.do(func() { h.conv.Submit("too fast") })

	var composer string
	h.do(func() { composer = h.conv.Composer() })
	if composer != "too fast" {
		t.Errorf("composer = %q, want restored", composer)
	}
	if srv.Calls(chattest.OpSend) != 0 {
		t.Error("message reached the backend despite the rate limit")
	}
}

func TestUpdatedAndDeletedEvents(t *testing.T) {
	srv := newServer()
	ch := srv.SeedChannel(janeID, candID)
	first, _ := srv.Post(ch.ID, janeID, "draft")
	srv.Post(ch.ID, janeID, "second")

	h := newHarness(t, srv, nil)
	h.do(func() { h.conv.Select(ch) })

	srv.Edit(ch.ID, first.ID, "final")
	h.loop.Idle()
	var view View
	h.do(func() { view = h.conv.View() })
	if view.Messages[0].Text != "final" || !view.Messages[0].Edited {
		t.Errorf("edited message = %+v", view.Messages[0])
	}

	srv.Retract(ch.ID, first.ID)
	h.loop.Idle()
	if got := h.texts(); !equal(got, []string{"second"}) {
		t.Errorf("thread after delete = %v", got)
	}
}

func TestSelect_MarksReadAndScrolls(t *testing.T) {
	srv := newServer()
	ch := srv.SeedChannel(janeID, candID)
	srv.Post(ch.ID, janeID, "ping")

	h := newHarness(t, srv, nil)
	h.do(func() { h.conv.Select(ch) })

	if n := srv.Unread(ch.ID, candID); n != 0 {
		t.Errorf("unread after select = %d, want 0", n)
	}
	h.rec.mu.Lock()
	reads := append([]string(nil), h.rec.reads...)
	h.rec.mu.Unlock()
	if len(reads) != 1 || reads[0] != ch.ID {
		t.Errorf("reads = %v", reads)
	}

	deadline := time.Now().Add(time.Second)
	for len(h.rec.scrolled()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := h.rec.scrolled(); len(got) == 0 || got[0] != ch.ID {
		t.Errorf("scrolls = %v, want one for %s", got, ch.ID)
	}
}

func TestReset(t *testing.T) {
	srv := newServer()
	ch := srv.SeedChannel(janeID, candID)
	h := newHarness(t, srv, nil)
	h.do(func() { h.conv.Select(ch) })
	h.do(h.conv.Reset)

	srv.Post(ch.ID, janeID, "after reset")
	h.loop.Idle()

	var view View
	h.do(func() { view = h.conv.View() })
	if view.State != "none" || view.ChannelID != "" || len(view.Messages) != 0 {
		t.Errorf("view after reset = %+v", view)
	}
}

func TestLiveMessageScrollsAgain(t *testing.T) {
	srv := newServer()
	ch := srv.SeedChannel(janeID, candID)
	h := newHarness(t, srv, nil)
	h.do(func() { h.conv.Select(ch) })

	if got := h.waitScrolls(1); len(got) != 1 {
		t.Fatalf("scrolls after select = %v, want 1", got)
	}

	srv.Post(ch.ID, janeID, "new one")
	h.loop.Idle()

	got := h.waitScrolls(2)
	if len(got) != 2 || got[1] != ch.ID {
		t.Errorf("scrolls after live message = %v, want a second one for %s", got, ch.ID)
	}
}

func TestChannelDeletedElsewhereClosesConversation(t *testing.T) {
	srv := newServer()
	ch := srv.SeedChannel(janeID, candID)
	h := newHarness(t, srv, nil)
	h.do(func() { h.conv.Select(ch) })
	if s := h.state(); s != Ready {
		t.Fatalf("state = %v, want ready", s)
	}

	owner, err := chatclient.Initialize(context.Background(), srv.Dial(), srv.Credential(janeID), chatclient.DefaultOptions())
	if err != nil {
		t.Fatalf("Initialize owner: %v", err)
	}
	defer owner.Close()
	if err := owner.DeleteChannel(context.Background(), ch.ID); err != nil {
		t.Fatalf("DeleteChannel: %v", err)
	}
	h.loop.Idle()

	if s := h.state(); s != NoChannelSelected {
		t.Errorf("state after delete = %v, want none", s)
	}
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	if len(h.rec.closed) != 1 || h.rec.closed[0] != ch.ID {
		t.Errorf("closed = %v, want [%s]", h.rec.closed, ch.ID)
	}
	if n := len(h.rec.toasts); n == 0 || h.rec.toasts[n-1] != notify.Info {
		t.Errorf("toasts = %v, want a trailing info toast", h.rec.toasts)
	}
}

func TestChannelRemovalOfOtherChannelIgnored(t *testing.T) {
	srv := newServer()
	open := srv.SeedChannel(janeID, candID)
	other := srv.SeedChannel(omarID, candID)
	h := newHarness(t, srv, nil)
	h.do(func() { h.conv.Select(open) })

	owner, err := chatclient.Initialize(context.Background(), srv.Dial(), srv.Credential(omarID), chatclient.DefaultOptions())
	if err != nil {
		t.Fatalf("Initialize owner: %v", err)
	}
	defer owner.Close()
	if err := owner.DeleteChannel(context.Background(), other.ID); err != nil {
		t.Fatalf("DeleteChannel: %v", err)
	}
	h.loop.Idle()

	if s := h.state(); s != Ready {
		t.Errorf("state = %v, want ready", s)
	}
}
