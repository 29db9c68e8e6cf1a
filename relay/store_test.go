package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/veilchat/messenger/internal/transport"
)

// storeBackends builds a fresh instance of each backend so every contract
// test runs against memory and sqlite alike.
func storeBackends(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func storedMsg(id, senderID, receiverID string, at time.Time) *transport.WireMessage {
	return &transport.WireMessage{
		ID:               id,
		SenderID:         senderID,
		ReceiverID:       receiverID,
		EncryptedMessage: "c2VhbGVk",
		Nonce:            "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
		IsEncrypted:      true,
		CreatedAt:        at,
	}
}

func TestStoreUserLifecycle(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := store.GetUser(ctx, "alice"); !errors.Is(err, ErrUserNotFound) {
				t.Fatalf("GetUser before registration = %v, want ErrUserNotFound", err)
			}
			if err := store.SetPublicKey(ctx, "alice", "a2V5"); !errors.Is(err, ErrUserNotFound) {
				t.Fatalf("SetPublicKey before registration = %v, want ErrUserNotFound", err)
			}

			if err := store.EnsureUser(ctx, "alice"); err != nil {
				t.Fatalf("EnsureUser: %v", err)
			}
			if err := store.EnsureUser(ctx, "alice"); err != nil {
				t.Fatalf("EnsureUser repeat: %v", err)
			}

			user, err := store.GetUser(ctx, "alice")
			if err != nil {
				t.Fatalf("GetUser: %v", err)
			}
			if user.PublicKey != "" {
				t.Errorf("fresh user has public key %q", user.PublicKey)
			}

			if err := store.SetPublicKey(ctx, "alice", "a2V5"); err != nil {
				t.Fatalf("SetPublicKey: %v", err)
			}
			user, err = store.GetUser(ctx, "alice")
			if err != nil {
				t.Fatalf("GetUser after upload: %v", err)
			}
			if user.PublicKey != "a2V5" {
				t.Errorf("PublicKey = %q, want a2V5", user.PublicKey)
			}
		})
	}
}

func TestStoreConversationOrderAndLimit(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

			for _, u := range []string{"alice", "bob", "carol"} {
				if err := store.EnsureUser(ctx, u); err != nil {
					t.Fatalf("EnsureUser %s: %v", u, err)
				}
			}

			// Alternating directions plus one unrelated conversation.
			saves := []*transport.WireMessage{
				storedMsg("m-1", "alice", "bob", base),
				storedMsg("m-2", "bob", "alice", base.Add(1*time.Second)),
				storedMsg("m-3", "alice", "bob", base.Add(2*time.Second)),
				storedMsg("m-4", "bob", "alice", base.Add(3*time.Second)),
				storedMsg("m-5", "alice", "bob", base.Add(4*time.Second)),
				storedMsg("m-x", "alice", "carol", base.Add(5*time.Second)),
			}
			for _, msg := range saves {
				if err := store.SaveMessage(ctx, msg); err != nil {
					t.Fatalf("SaveMessage %s: %v", msg.ID, err)
				}
			}

			full, err := store.Conversation(ctx, "alice", "bob", 10)
			if err != nil {
				t.Fatalf("Conversation: %v", err)
			}
			wantFull := []string{"m-1", "m-2", "m-3", "m-4", "m-5"}
			assertIDs(t, full, wantFull)

			// The same conversation seen from bob's side.
			mirrored, err := store.Conversation(ctx, "bob", "alice", 10)
			if err != nil {
				t.Fatalf("mirrored Conversation: %v", err)
			}
			assertIDs(t, mirrored, wantFull)

			// Limit keeps the newest rows but returns them oldest-first.
			tail, err := store.Conversation(ctx, "alice", "bob", 3)
			if err != nil {
				t.Fatalf("limited Conversation: %v", err)
			}
			assertIDs(t, tail, []string{"m-3", "m-4", "m-5"})
		})
	}
}

func TestStoreMarkConversationRead(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

			store.EnsureUser(ctx, "alice")
			store.EnsureUser(ctx, "bob")
			store.SaveMessage(ctx, storedMsg("m-1", "bob", "alice", base))
			store.SaveMessage(ctx, storedMsg("m-2", "bob", "alice", base.Add(time.Second)))
			store.SaveMessage(ctx, storedMsg("m-3", "alice", "bob", base.Add(2*time.Second)))

			changed, err := store.MarkConversationRead(ctx, "alice", "bob")
			if err != nil {
				t.Fatalf("MarkConversationRead: %v", err)
			}
			if len(changed) != 2 {
				t.Fatalf("changed = %v, want the two unread ids", changed)
			}

			again, err := store.MarkConversationRead(ctx, "alice", "bob")
			if err != nil {
				t.Fatalf("repeat MarkConversationRead: %v", err)
			}
			if len(again) != 0 {
				t.Errorf("repeat changed = %v, want none", again)
			}

			// Alice's own outgoing message stays unread for bob.
			conv, err := store.Conversation(ctx, "alice", "bob", 10)
			if err != nil {
				t.Fatalf("Conversation: %v", err)
			}
			for _, msg := range conv {
				wantRead := msg.SenderID == "bob"
				if msg.Read != wantRead {
					t.Errorf("message %s read = %v, want %v", msg.ID, msg.Read, wantRead)
				}
			}
		})
	}
}

func TestStoreDeleteMessage(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			store.EnsureUser(ctx, "alice")
			store.EnsureUser(ctx, "bob")
			store.SaveMessage(ctx, storedMsg("m-1", "alice", "bob", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))

			if _, err := store.DeleteMessage(ctx, "m-ghost", "alice"); !errors.Is(err, ErrMessageNotFound) {
				t.Errorf("delete of unknown message = %v, want ErrMessageNotFound", err)
			}
			if _, err := store.DeleteMessage(ctx, "m-1", "bob"); !errors.Is(err, ErrNotSender) {
				t.Errorf("delete by receiver = %v, want ErrNotSender", err)
			}

			deleted, err := store.DeleteMessage(ctx, "m-1", "alice")
			if err != nil {
				t.Fatalf("DeleteMessage: %v", err)
			}
			if deleted.ID != "m-1" || deleted.ReceiverID != "bob" {
				t.Errorf("deleted row = %+v", deleted)
			}

			conv, err := store.Conversation(ctx, "alice", "bob", 10)
			if err != nil {
				t.Fatalf("Conversation: %v", err)
			}
			if len(conv) != 0 {
				t.Errorf("conversation still has %d messages after delete", len(conv))
			}
		})
	}
}

func TestStoreClearConversation(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

			for _, u := range []string{"alice", "bob", "carol"} {
				store.EnsureUser(ctx, u)
			}
			store.SaveMessage(ctx, storedMsg("m-1", "alice", "bob", base))
			store.SaveMessage(ctx, storedMsg("m-2", "bob", "alice", base.Add(time.Second)))
			store.SaveMessage(ctx, storedMsg("m-3", "alice", "bob", base.Add(2*time.Second)))
			store.SaveMessage(ctx, storedMsg("m-x", "carol", "alice", base.Add(3*time.Second)))

			removed, err := store.ClearConversation(ctx, "alice", "bob")
			if err != nil {
				t.Fatalf("ClearConversation: %v", err)
			}
			if removed != 3 {
				t.Errorf("removed = %d, want 3", removed)
			}

			cleared, _ := store.Conversation(ctx, "alice", "bob", 10)
			if len(cleared) != 0 {
				t.Errorf("conversation has %d messages after clear", len(cleared))
			}
			unrelated, _ := store.Conversation(ctx, "alice", "carol", 10)
			if len(unrelated) != 1 {
				t.Errorf("unrelated conversation has %d messages, want 1", len(unrelated))
			}
		})
	}
}

func TestStoreBlocks(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store.EnsureUser(ctx, "alice")
			store.EnsureUser(ctx, "bob")

			blocked, err := store.IsBlocked(ctx, "bob", "alice")
			if err != nil || blocked {
				t.Fatalf("IsBlocked before block = %v, %v", blocked, err)
			}

			if err := store.Block(ctx, "bob", "alice"); err != nil {
				t.Fatalf("Block: %v", err)
			}
			if err := store.Block(ctx, "bob", "alice"); err != nil {
				t.Fatalf("repeat Block: %v", err)
			}

			blocked, err = store.IsBlocked(ctx, "bob", "alice")
			if err != nil || !blocked {
				t.Fatalf("IsBlocked after block = %v, %v", blocked, err)
			}
			// Blocks are directional.
			reverse, err := store.IsBlocked(ctx, "alice", "bob")
			if err != nil || reverse {
				t.Fatalf("reverse IsBlocked = %v, %v", reverse, err)
			}

			if err := store.Unblock(ctx, "bob", "alice"); err != nil {
				t.Fatalf("Unblock: %v", err)
			}
			blocked, err = store.IsBlocked(ctx, "bob", "alice")
			if err != nil || blocked {
				t.Fatalf("IsBlocked after unblock = %v, %v", blocked, err)
			}
		})
	}
}

func assertIDs(t *testing.T, messages []transport.WireMessage, want []string) {
	t.Helper()
	if len(messages) != len(want) {
		t.Fatalf("got %d messages, want %d", len(messages), len(want))
	}
	for i := range want {
		if messages[i].ID != want[i] {
			var got []string
			for _, m := range messages {
				got = append(got, m.ID)
			}
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}
