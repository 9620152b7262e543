package profile

import (
	"context"
	"sync"
	"testing"

	"github.com/referly/messenger/internal/chat"
	"github.com/referly/messenger/internal/chatclient"
	"github.com/referly/messenger/internal/chatclient/chattest"
	"github.com/referly/messenger/internal/conversation"
	"github.com/referly/messenger/internal/eventloop"
	"github.com/referly/messenger/internal/inbox"
	"github.com/referly/messenger/internal/notify"
)

var (
	cand = chat.User{ID: "cand-1", DisplayName: "Ada", Role: chat.RoleCandidate}
	jane = chat.User{
		ID:          "ref-1",
		DisplayName: "Jane",
		Role:        chat.RoleReferrer,
		Company:     "Acme Corp",
		JobTitle:    "Staff Engineer",
		LinkedInURL: "https://www.linkedin.com/in/jane",
	}
)

type toast struct {
	kind notify.Kind
	text string
}

type harness struct {
	srv    *chattest.Server
	loop   *eventloop.Loop
	inbox  *inbox.Controller
	conv   *conversation.Controller
	panel  *Panel
	mu     sync.Mutex
	toasts []toast
}

func (h *harness) Notify(kind notify.Kind, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.toasts = append(h.toasts, toast{kind, text})
}

func (h *harness) do(fn func()) {
	h.loop.Post(fn)
	h.loop.Idle()
}

func newHarness(t *testing.T, owner string) (*harness, chat.Channel) {
	t.Helper()
	srv := chattest.NewServer()
	srv.AddUser(cand)
	srv.AddUser(jane)
	other := jane.ID
	if owner == jane.ID {
		other = cand.ID
	}
	ch := srv.SeedChannel(owner, other)

	client, err := chatclient.Initialize(context.Background(), srv.Dial(), srv.Credential(cand.ID), chatclient.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	loop := eventloop.New(nil)
	loop.Start()

	h := &harness{srv: srv, loop: loop}
	ctx := context.Background()
	h.conv = conversation.New(ctx, conversation.Config{Loop: loop, Client: client, Notifier: h})
	h.inbox = inbox.New(ctx, inbox.Config{
		Loop:      loop,
		Client:    client,
		Directory: []chat.User{jane},
		Notifier:  h,
		OnOpen:    h.conv.Select,
	})
	h.panel = New(ctx, Config{Loop: loop, Client: client, Conversation: h.conv, Inbox: h.inbox, Notifier: h})

	h.do(h.inbox.Start)
	h.do(func() { h.inbox.StartChat(jane.ID) })

	t.Cleanup(func() {
		h.do(func() {
			h.conv.Reset()
			h.inbox.Close()
		})
		loop.Stop()
		client.Close()
	})
	return h, ch
}

func (h *harness) channelIDs() []string {
	var ids []string
	h.do(func() {
		for _, ch := range h.inbox.Channels() {
			ids = append(ids, ch.ID)
		}
	})
	return ids
}

func (h *harness) lastToast() toast {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.toasts) == 0 {
		return toast{}
	}
	return h.toasts[len(h.toasts)-1]
}

func TestView_FieldsAndPlaceholders(t *testing.T) {
	h, _ := newHarness(t, jane.ID)

	var v View
	h.do(func() {
		h.panel.Open()
		v = h.panel.View()
	})
	if !v.Open || v.Name != "Jane" || v.UserID != jane.ID {
		t.Fatalf("view = %+v", v)
	}
	want := map[string]string{
		"Company":   "Acme Corp",
		"Job title": "Staff Engineer",
		"Email":     NotProvided,
		"Phone":     NotProvided,
		"LinkedIn":  "https://www.linkedin.com/in/jane",
	}
	for _, f := range v.Fields {
		if w, ok := want[f.Label]; ok && f.Value != w {
			t.Errorf("%s = %q, want %q", f.Label, f.Value, w)
		}
		if f.Label == "LinkedIn" && !f.Link {
			t.Error("LinkedIn should render as a link")
		}
		if f.Label == "Phone" && f.Link {
			t.Error("placeholder rendered as a link")
		}
	}
}

func TestOpen_RequiresConversation(t *testing.T) {
	h, _ := newHarness(t, jane.ID)
	h.do(h.conv.Reset)

	var v View
	h.do(func() {
		h.panel.Open()
		v = h.panel.View()
	})
	if v.Open {
		t.Error("panel opened without a conversation")
	}
}

func TestConfirmDelete_RequiresConfirmation(t *testing.T) {
	h, ch := newHarness(t, cand.ID)

	h.do(h.panel.ConfirmDelete)
	if !h.srv.ChannelExists(ch.ID) {
		t.Fatal("deleted without confirmation")
	}

	h.do(func() {
		h.panel.RequestDelete()
		h.panel.CancelDelete()
		h.panel.ConfirmDelete()
	})
	if !h.srv.ChannelExists(ch.ID) {
		t.Fatal("deleted after the confirmation was cancelled")
	}
}

func TestConfirmDelete_OwnerHardDeletes(t *testing.T) {
	h, ch := newHarness(t, cand.ID)

	h.do(func() {
		h.panel.Open()
		h.panel.RequestDelete()
		h.panel.ConfirmDelete()
	})

	if h.srv.ChannelExists(ch.ID) {
		t.Error("channel still exists on the backend")
	}
	if ids := h.channelIDs(); len(ids) != 0 {
		t.Errorf("inbox = %v, want empty", ids)
	}
	var state conversation.State
	var open bool
	h.do(func() { state, open = h.conv.State(), h.panel.IsOpen() })
	if state != conversation.NoChannelSelected || open {
		t.Errorf("state = %v, panel open = %v", state, open)
	}
	if got := h.lastToast(); got.kind != notify.Success || got.text != DeletedMessage {
		t.Errorf("toast = %+v", got)
	}
}

func TestConfirmDelete_FallsBackToHide(t *testing.T) {
	h, ch := newHarness(t, jane.ID)

	h.do(func() {
		h.panel.RequestDelete()
		h.panel.ConfirmDelete()
	})

	if !h.srv.ChannelExists(ch.ID) {
		t.Fatal("non-owner hard-deleted the channel")
	}
	if ids := h.channelIDs(); len(ids) != 0 {
		t.Errorf("inbox = %v, want empty", ids)
	}
	if got := h.srv.ChannelsOf(cand.ID); len(got) != 0 {
		t.Errorf("channel still visible to candidate: %v", got)
	}
	if got := h.srv.ChannelsOf(jane.ID); len(got) != 1 {
		t.Errorf("counterpart lost the channel: %v", got)
	}
	if got := h.lastToast(); got.kind != notify.Success || got.text != DeletedMessage {
		t.Errorf("toast = %+v, want the same success as a hard delete", got)
	}
}

func TestConfirmDelete_BothFailRestoresInbox(t *testing.T) {
	h, ch := newHarness(t, jane.ID)
	h.srv.Fail(chattest.OpHide, chatclient.ErrUnavailable)

	h.do(func() {
		h.panel.RequestDelete()
		h.panel.ConfirmDelete()
	})

	if ids := h.channelIDs(); len(ids) != 1 || ids[0] != ch.ID {
		t.Errorf("inbox = %v, want restored [%s]", ids, ch.ID)
	}
	if got := h.lastToast(); got.kind != notify.Error {
		t.Errorf("toast = %+v, want error", got)
	}
}
