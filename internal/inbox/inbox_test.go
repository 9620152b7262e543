package inbox

import (
	"context"
	"sync"
	"testing"

	"github.com/referly/messenger/internal/chat"
	"github.com/referly/messenger/internal/chatclient"
	"github.com/referly/messenger/internal/chatclient/chattest"
	"github.com/referly/messenger/internal/eventloop"
	"github.com/referly/messenger/internal/notify"
	"github.com/referly/messenger/internal/ratelimit"
)

var (
	candidate = chat.User{ID: "cand-1", DisplayName: "Ada Candidate", Role: chat.RoleCandidate}
	jane      = chat.User{ID: "ref-1", DisplayName: "Jane", Company: "Acme Corp", JobTitle: "Staff Engineer", Role: chat.RoleReferrer}
	omar      = chat.User{ID: "ref-2", DisplayName: "Omar", Company: "Globex", JobTitle: "Recruiter", Role: chat.RoleReferrer}
)

type toasts struct {
	mu   sync.Mutex
	list []string
	kind []notify.Kind
}

func (t *toasts) Notify(kind notify.Kind, text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.kind = append(t.kind, kind)
	t.list = append(t.list, text)
}

func (t *toasts) last() (notify.Kind, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.list) == 0 {
		return "", ""
	}
	return t.kind[len(t.kind)-1], t.list[len(t.list)-1]
}

type harness struct {
	srv    *chattest.Server
	loop   *eventloop.Loop
	client *chatclient.Client
	inbox  *Controller
	toasts *toasts
	opened []chat.Channel
}

func newHarness(t *testing.T, srv *chattest.Server, cfg Config) *harness {
	t.Helper()
	client, err := chatclient.Initialize(context.Background(), srv.Dial(), srv.Credential(candidate.ID), chatclient.DefaultOptions())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	loop := eventloop.New(nil)
	loop.Start()

	h := &harness{srv: srv, loop: loop, client: client, toasts: &toasts{}}
	cfg.Loop = loop
	cfg.Client = client
	cfg.Notifier = h.toasts
	if cfg.Directory == nil {
		cfg.Directory = []chat.User{jane, omar}
	}
	cfg.OnOpen = func(ch chat.Channel) { h.opened = append(h.opened, ch) }
	h.inbox = New(context.Background(), cfg)
	h.do(h.inbox.Start)

	t.Cleanup(func() {
		h.do(h.inbox.Close)
		loop.Stop()
		client.Close()
	})
	return h
}

// do runs fn on the loop and waits for all follow-up work.
func (h *harness) do(fn func()) {
	h.loop.Post(fn)
	h.loop.Idle()
}

func newServer() *chattest.Server {
	srv := chattest.NewServer()
	for _, u := range []chat.User{candidate, jane, omar} {
		srv.AddUser(u)
	}
	return srv
}

func TestFormatBadge(t *testing.T) {
	tests := []struct {
		unread int
		want   string
	}{
		{0, ""},
		{-1, ""},
		{1, "1"},
		{3, "3"},
		{99, "99"},
		{100, "99+"},
	}
	for _, tt := range tests {
		if got := FormatBadge(tt.unread); got != tt.want {
			t.Errorf("FormatBadge(%d) = %q, want %q", tt.unread, got, tt.want)
		}
	}
}

func TestRows_CounterpartBadgeAndPreview(t *testing.T) {
	srv := newServer()
	withJane := srv.SeedChannel(jane.ID, candidate.ID)
	withOmar := srv.SeedChannel(omar.ID, candidate.ID)
	srv.Post(withOmar.ID, omar.ID, "old news")
	for _, text := range []string{"one", "two", "three"} {
		srv.Post(withJane.ID, jane.ID, text)
	}
	srv.Post(withOmar.ID, candidate.ID, "my reply")
	// Omar's channel is now the most recent; candidate authored the last
	// message but Omar's earlier message is still unread.

	h := newHarness(t, srv, Config{})

	var rows []Row
	h.do(func() { rows = h.inbox.Rows("") })
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].ChannelID != withOmar.ID || rows[1].ChannelID != withJane.ID {
		t.Errorf("rows not in backend order: %s, %s", rows[0].ChannelID, rows[1].ChannelID)
	}
	if rows[1].Name != "Jane" || rows[1].CounterpartID != jane.ID {
		t.Errorf("counterpart = %q/%q, want Jane", rows[1].Name, rows[1].CounterpartID)
	}
	if rows[1].Badge != "3" {
		t.Errorf("Jane badge = %q, want 3", rows[1].Badge)
	}
	if rows[1].Preview != "three" {
		t.Errorf("Jane preview = %q, want three", rows[1].Preview)
	}
	if rows[0].Badge != "1" || rows[0].Preview != "my reply" {
		t.Errorf("Omar row = %+v", rows[0])
	}

	h.do(func() { rows = h.inbox.Rows(withJane.ID) })
	if !rows[1].Active || rows[1].Badge != "" {
		t.Errorf("open conversation row = %+v, want active without badge", rows[1])
	}
}

func TestRows_NoBadgeWhenRead(t *testing.T) {
	srv := newServer()
	ch := srv.SeedChannel(candidate.ID, jane.ID)
	srv.Post(ch.ID, candidate.ID, "hello")

	h := newHarness(t, srv, Config{})
	var rows []Row
	h.do(func() { rows = h.inbox.Rows("") })
	if len(rows) != 1 || rows[0].Badge != "" {
		t.Fatalf("rows = %+v, want one row without badge", rows)
	}
}

func TestEmptyInbox(t *testing.T) {
	h := newHarness(t, newServer(), Config{})

	var empty, loading bool
	h.do(func() { empty, loading = h.inbox.Empty(), h.inbox.Loading() })
	if !empty || loading {
		t.Errorf("Empty() = %v, Loading() = %v; want empty state", empty, loading)
	}
}

func TestSearch_StartThenResume(t *testing.T) {
	h := newHarness(t, newServer(), Config{})

	var results []Result
	h.do(func() {
		h.inbox.SetQuery("Acme")
		results = h.inbox.SearchResults()
	})
	if len(results) != 1 || results[0].User.ID != jane.ID || results[0].ChannelID != "" {
		t.Fatalf("results = %+v, want Jane without channel", results)
	}

	h.do(func() { h.inbox.StartChat(jane.ID) })

	var searching bool
	var channels []chat.Channel
	h.do(func() {
		searching = h.inbox.Searching()
		channels = h.inbox.Channels()
	})
	if searching {
		t.Error("query not cleared after opening the conversation")
	}
	if len(h.opened) != 1 || len(channels) != 1 || channels[0].ID != h.opened[0].ID {
		t.Fatalf("opened = %v, channels = %v", h.opened, channels)
	}
	if channels[0].Messages != nil && len(channels[0].Messages) != 0 {
		t.Errorf("new channel should be empty, has %d messages", len(channels[0].Messages))
	}

	h.do(func() {
		h.inbox.SetQuery("staff engineer")
		results = h.inbox.SearchResults()
	})
	if len(results) != 1 || results[0].ChannelID != channels[0].ID {
		t.Errorf("resume result = %+v, want channel %s", results, channels[0].ID)
	}
}

func TestStartChat_Dedup(t *testing.T) {
	srv := newServer()
	h := newHarness(t, srv, Config{})

	// Two clicks in the same tick, then one after completion.
	h.do(func() {
		h.inbox.StartChat(jane.ID)
		h.inbox.StartChat(jane.ID)
	})
	h.do(func() { h.inbox.StartChat(jane.ID) })

	if n := srv.Calls(chattest.OpCreate); n != 1 {
		t.Errorf("backend create calls = %d, want 1", n)
	}
	if got := srv.ChannelsOf(jane.ID); len(got) != 1 {
		t.Errorf("channels containing Jane = %d, want 1", len(got))
	}
	if len(h.opened) != 2 || h.opened[0].ID != h.opened[1].ID {
		t.Errorf("opened = %v, want the same channel twice", h.opened)
	}
}

func TestStartChat_ResumesExistingFromBackend(t *testing.T) {
	srv := newServer()
	existing := srv.SeedChannel(jane.ID, candidate.ID)
	h := newHarness(t, srv, Config{})

	h.do(func() { h.inbox.StartChat(jane.ID) })

	if n := srv.Calls(chattest.OpCreate); n != 0 {
		t.Errorf("backend create calls = %d, want 0", n)
	}
	if len(h.opened) != 1 || h.opened[0].ID != existing.ID {
		t.Errorf("opened = %v, want %s", h.opened, existing.ID)
	}
}

type syncer struct {
	srv    *chattest.Server
	synced []string
}

func (s *syncer) SyncCounterpart(ctx context.Context, userID string) error {
	s.synced = append(s.synced, userID)
	return s.srv.UpsertUser(ctx, chat.User{ID: userID, DisplayName: "Newcomer"})
}

func TestStartChat_SyncsCounterpartFirst(t *testing.T) {
	srv := newServer()
	newcomer := chat.User{ID: "ref-9", DisplayName: "Newcomer", Role: chat.RoleReferrer}
	sy := &syncer{srv: srv}
	h := newHarness(t, srv, Config{Directory: []chat.User{newcomer}, Syncer: sy})

	h.do(func() { h.inbox.StartChat(newcomer.ID) })

	if len(sy.synced) != 1 || sy.synced[0] != newcomer.ID {
		t.Fatalf("synced = %v", sy.synced)
	}
	if len(h.opened) != 1 {
		t.Fatalf("conversation not opened; toasts: %v", h.toasts.list)
	}
}

func TestStartChat_UnknownCounterpartFailsWithoutSync(t *testing.T) {
	srv := newServer()
	newcomer := chat.User{ID: "ref-9", DisplayName: "Newcomer"}
	h := newHarness(t, srv, Config{Directory: []chat.User{newcomer}})

	h.do(func() { h.inbox.StartChat(newcomer.ID) })

	if len(h.opened) != 0 {
		t.Error("conversation opened for a user the backend does not know")
	}
	if kind, _ := h.toasts.last(); kind != notify.Error {
		t.Errorf("last toast kind = %q, want error", kind)
	}
}

func TestStartChat_NotEligible(t *testing.T) {
	srv := newServer()
	h := newHarness(t, srv, Config{Directory: []chat.User{omar}})

	h.do(func() { h.inbox.StartChat(jane.ID) })

	if srv.Calls(chattest.OpCreate) != 0 || len(h.opened) != 0 {
		t.Error("started a chat with a user outside the directory")
	}
}

type lockedPair struct{}

func (lockedPair) Acquire(context.Context, string, string) (func(), error) {
	return nil, chat.ErrPairLocked
}

func TestStartChat_PairLockedElsewhere(t *testing.T) {
	srv := newServer()
	h := newHarness(t, srv, Config{Locker: lockedPair{}})

	h.do(func() { h.inbox.StartChat(jane.ID) })

	if srv.Calls(chattest.OpCreate) != 0 {
		t.Error("created a channel while the pair was locked")
	}
	if kind, _ := h.toasts.last(); kind != notify.Info {
		t.Errorf("last toast kind = %q, want info", kind)
	}
}

type denyAll struct{ rules []string }

func (d *denyAll) Allow(_ context.Context, _ string, rule ratelimit.Rule) (bool, error) {
	d.rules = append(d.rules, rule.Key)
	return false, nil
}

func TestStartChat_RateLimited(t *testing.T) {
	srv := newServer()
	lim := &denyAll{}
	h := newHarness(t, srv, Config{Limiter: lim})

	h.do(func() { h.inbox.StartChat(jane.ID) })

	if srv.Calls(chattest.OpCreate) != 0 {
		t.Error("created a channel over the rate limit")
	}
	if len(lim.rules) != 1 || lim.rules[0] != ratelimit.RuleCreateChannel.Key {
		t.Errorf("rules checked = %v", lim.rules)
	}
}

func TestRefresh_OnNewConversationNotification(t *testing.T) {
	srv := newServer()
	h := newHarness(t, srv, Config{})

	ref, err := chatclient.Initialize(context.Background(), srv.Dial(), srv.Credential(jane.ID), chatclient.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer ref.Close()

	ch, _, err := ref.CreateChannel(context.Background(), candidate.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ref.SendMessage(context.Background(), ch.ID, "Saw your profile"); err != nil {
		t.Fatal(err)
	}
	h.loop.Idle()

	var rows []Row
	h.do(func() { rows = h.inbox.Rows("") })
	if len(rows) != 1 || rows[0].ChannelID != ch.ID || rows[0].Badge != "1" {
		t.Fatalf("rows = %+v, want the new conversation with badge 1", rows)
	}

	// A second message in the now watched channel refreshes as well.
	if _, err := ref.SendMessage(context.Background(), ch.ID, "Are you free Friday?"); err != nil {
		t.Fatal(err)
	}
	h.loop.Idle()
	h.do(func() { rows = h.inbox.Rows("") })
	if rows[0].Badge != "2" || rows[0].Preview != "Are you free Friday?" {
		t.Errorf("row after second message = %+v", rows[0])
	}
}

func TestRemoveAndRestore(t *testing.T) {
	srv := newServer()
	a := srv.SeedChannel(jane.ID, candidate.ID)
	b := srv.SeedChannel(omar.ID, candidate.ID)
	h := newHarness(t, srv, Config{})

	var snap Snapshot
	var ids []string
	h.do(func() {
		snap = h.inbox.Snapshot()
		h.inbox.Remove(a.ID)
		h.inbox.Refresh() // a refresh must not bring it back
	})
	h.do(func() {
		for _, ch := range h.inbox.Channels() {
			ids = append(ids, ch.ID)
		}
	})
	if len(ids) != 1 || ids[0] != b.ID {
		t.Fatalf("after Remove: %v, want [%s]", ids, b.ID)
	}

	h.do(func() { h.inbox.Restore(snap) })
	var n int
	h.do(func() { n = len(h.inbox.Channels()) })
	if n != 2 {
		t.Errorf("after Restore: %d channels, want 2", n)
	}
}

func TestStartChat_SecondTabRequeriesBeforeCreating(t *testing.T) {
	srv := newServer()
	first := newHarness(t, srv, Config{})
	second := newHarness(t, srv, Config{})
	// Detach the second tab from live events so only a fresh query can tell
	// it that the channel now exists.
	second.do(second.inbox.Close)

	first.do(func() { first.inbox.StartChat(jane.ID) })
	second.do(func() { second.inbox.StartChat(jane.ID) })

	if n := srv.Calls(chattest.OpCreate); n != 1 {
		t.Errorf("backend create calls = %d, want 1", n)
	}
	if got := srv.ChannelsOf(jane.ID); len(got) != 1 {
		t.Errorf("channels containing Jane = %d, want 1", len(got))
	}
	if len(first.opened) != 1 || len(second.opened) != 1 || first.opened[0].ID != second.opened[0].ID {
		t.Errorf("opened first=%v second=%v, want the same channel", first.opened, second.opened)
	}
}

func TestStartChat_OtherTabListsNewChannel(t *testing.T) {
	srv := newServer()
	first := newHarness(t, srv, Config{})
	second := newHarness(t, srv, Config{})

	first.do(func() { first.inbox.StartChat(jane.ID) })
	second.loop.Idle()

	var rows []Row
	second.do(func() { rows = second.inbox.Rows("") })
	if len(rows) != 1 || rows[0].CounterpartID != jane.ID {
		t.Errorf("second tab rows = %+v, want the conversation with Jane", rows)
	}
}

func TestRemovedElsewhereDropsRow(t *testing.T) {
	tests := []struct {
		name   string
		remove func(t *testing.T, srv *chattest.Server, channelID string)
	}{
		{"deleted by owner", func(t *testing.T, srv *chattest.Server, channelID string) {
			owner, err := chatclient.Initialize(context.Background(), srv.Dial(), srv.Credential(jane.ID), chatclient.DefaultOptions())
			if err != nil {
				t.Fatalf("Initialize: %v", err)
			}
			defer owner.Close()
			if err := owner.DeleteChannel(context.Background(), channelID); err != nil {
				t.Fatalf("DeleteChannel: %v", err)
			}
		}},
		{"hidden in another tab", func(t *testing.T, srv *chattest.Server, channelID string) {
			tab, err := chatclient.Initialize(context.Background(), srv.Dial(), srv.Credential(candidate.ID), chatclient.DefaultOptions())
			if err != nil {
				t.Fatalf("Initialize: %v", err)
			}
			defer tab.Close()
			if err := tab.HideChannel(context.Background(), channelID); err != nil {
				t.Fatalf("HideChannel: %v", err)
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer()
			ch := srv.SeedChannel(jane.ID, candidate.ID)
			srv.SeedChannel(omar.ID, candidate.ID)
			h := newHarness(t, srv, Config{})

			tt.remove(t, srv, ch.ID)
			h.loop.Idle()

			var rows []Row
			h.do(func() { rows = h.inbox.Rows("") })
			if len(rows) != 1 || rows[0].CounterpartID != omar.ID {
				t.Errorf("rows = %+v, want only Omar", rows)
			}
		})
	}
}

func TestActiveChannelMessageLeavesRefreshToConversation(t *testing.T) {
	srv := newServer()
	active := srv.SeedChannel(jane.ID, candidate.ID)
	other := srv.SeedChannel(omar.ID, candidate.ID)
	h := newHarness(t, srv, Config{ActiveChannel: func() string { return active.ID }})

	before := srv.Calls(chattest.OpQuery)
	srv.Post(active.ID, jane.ID, "seen in the open thread")
	h.loop.Idle()
	if n := srv.Calls(chattest.OpQuery) - before; n != 0 {
		t.Errorf("queries for a message in the open channel = %d, want 0", n)
	}

	srv.Post(active.ID, candidate.ID, "my own reply")
	h.loop.Idle()
	if n := srv.Calls(chattest.OpQuery) - before; n != 1 {
		t.Errorf("queries after own message = %d, want 1", n)
	}

	srv.Post(other.ID, omar.ID, "elsewhere")
	h.loop.Idle()
	if n := srv.Calls(chattest.OpQuery) - before; n != 2 {
		t.Errorf("queries after message in another channel = %d, want 2", n)
	}
}
