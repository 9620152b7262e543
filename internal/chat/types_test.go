package chat

import (
	"errors"
	"strings"
	"testing"
)

func channelWith(ids ...string) Channel {
	ch := Channel{ID: "ch", Type: ChannelTypeMessaging, Members: map[string]Member{}}
	for _, id := range ids {
		ch.Members[id] = Member{User: User{ID: id, DisplayName: strings.ToUpper(id)}}
	}
	return ch
}

func TestCounterpart(t *testing.T) {
	ch := channelWith("me", "jane")

	m, ok := ch.Counterpart("me")
	if !ok {
		t.Fatal("expected a counterpart")
	}
	if m.User.ID != "jane" {
		t.Errorf("expected jane, got %s", m.User.ID)
	}

	solo := channelWith("me")
	if _, ok := solo.Counterpart("me"); ok {
		t.Error("channel with only self should have no counterpart")
	}
}

func TestCounterpartStableForGroups(t *testing.T) {
	ch := channelWith("me", "zed", "bob")
	for i := 0; i < 10; i++ {
		m, _ := ch.Counterpart("me")
		if m.User.ID != "bob" {
			t.Fatalf("expected bob, got %s", m.User.ID)
		}
	}
}

func TestFindByMember(t *testing.T) {
	channels := []Channel{channelWith("me", "a"), channelWith("me", "b")}
	channels[1].ID = "second"

	ch, ok := FindByMember(channels, "b")
	if !ok || ch.ID != "second" {
		t.Errorf("expected second channel, got %+v ok=%v", ch, ok)
	}
	if _, ok := FindByMember(channels, "c"); ok {
		t.Error("expected no channel for c")
	}
}

func TestPairKeyOrderIndependent(t *testing.T) {
	if PairKey("a", "b") != PairKey("b", "a") {
		t.Error("pair key must not depend on argument order")
	}
	if PairKey("a", "b") == PairKey("a", "c") {
		t.Error("different pairs must produce different keys")
	}
}

func TestValidateMessage(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantErr bool
	}{
		{"plain", "Hi, interested in the role", false},
		{"empty", "", true},
		{"whitespace only", "   \n\t", true},
		{"invalid utf8", string([]byte{0xff, 0xfe}), true},
		{"at char limit", strings.Repeat("a", MaxTextChars), false},
		{"over char limit", strings.Repeat("a", MaxTextChars+1), true},
		{"over byte limit", strings.Repeat("€", MaxMessageBytes/3+1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessage(tt.text)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateMessage() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateMessageSentinels(t *testing.T) {
	if err := ValidateMessage(" "); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("blank: got %v, want ErrEmptyMessage", err)
	}
	if err := ValidateMessage(strings.Repeat("a", MaxTextChars+1)); !errors.Is(err, ErrMessageTooLong) {
		t.Errorf("long: got %v, want ErrMessageTooLong", err)
	}
}
