package chat

import (
	"testing"
	"time"
)

func entry(id string, at time.Time) *Message {
	return &Message{ID: id, SenderID: "alice", ReceiverID: "bob", CreatedAt: at, State: StateAwaitingKey}
}

func TestTranscriptAddDeduplicates(t *testing.T) {
	tr := newTranscript()
	now := time.Now()

	if !tr.add(entry("m-1", now)) {
		t.Fatal("first add should insert")
	}
	if tr.add(entry("m-1", now.Add(time.Minute))) {
		t.Error("second add with the same id should be rejected")
	}
	if tr.len() != 1 {
		t.Errorf("len = %d, want 1", tr.len())
	}
}

func TestTranscriptOrdersByCreation(t *testing.T) {
	tr := newTranscript()
	base := time.Now()

	// History ascending, then an older message arriving late (e.g. a push
	// raced the history fetch).
	tr.add(entry("m-2", base.Add(2*time.Minute)))
	tr.add(entry("m-3", base.Add(3*time.Minute)))
	tr.add(entry("m-1", base.Add(1*time.Minute)))

	var ids []string
	for _, m := range tr.snapshot() {
		ids = append(ids, m.ID)
	}
	want := []string{"m-1", "m-2", "m-3"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("order = %v, want %v", ids, want)
		}
	}
}

func TestTranscriptRemove(t *testing.T) {
	tr := newTranscript()
	now := time.Now()
	tr.add(entry("m-1", now))
	tr.add(entry("m-2", now.Add(time.Second)))

	if !tr.remove("m-1") {
		t.Fatal("remove of existing entry should report true")
	}
	if tr.remove("m-1") {
		t.Error("second remove should report false")
	}
	if _, ok := tr.get("m-1"); ok {
		t.Error("removed entry still retrievable")
	}
	if tr.len() != 1 {
		t.Errorf("len = %d, want 1", tr.len())
	}
}

func TestTranscriptMarkRead(t *testing.T) {
	tr := newTranscript()
	now := time.Now()
	tr.add(entry("m-1", now))
	tr.add(entry("m-2", now.Add(time.Second)))

	changed := tr.markRead([]string{"m-1", "m-unknown"})
	if len(changed) != 1 || changed[0] != "m-1" {
		t.Errorf("changed = %v, want [m-1]", changed)
	}
	if again := tr.markRead([]string{"m-1"}); len(again) != 0 {
		t.Errorf("already-read entry reported changed: %v", again)
	}

	fromAlice := tr.markReadFrom("alice")
	if len(fromAlice) != 1 || fromAlice[0] != "m-2" {
		t.Errorf("markReadFrom = %v, want [m-2]", fromAlice)
	}
}

func TestTranscriptPending(t *testing.T) {
	tr := newTranscript()
	now := time.Now()
	done := entry("m-done", now)
	done.State = StateDecrypted
	tr.add(done)
	tr.add(entry("m-wait", now.Add(time.Second)))
	failed := entry("m-failed", now.Add(2*time.Second))
	failed.State = StateFailed
	tr.add(failed)

	pending := tr.pending()
	if len(pending) != 2 {
		t.Fatalf("pending = %d entries, want 2", len(pending))
	}
	if pending[0].ID != "m-wait" || pending[1].ID != "m-failed" {
		t.Errorf("pending ids = %s, %s", pending[0].ID, pending[1].ID)
	}
}

func TestTranscriptSnapshotIsIsolated(t *testing.T) {
	tr := newTranscript()
	tr.add(entry("m-1", time.Now()))

	snap := tr.snapshot()
	snap[0].Plaintext = "mutated by caller"
	snap[0].State = StateDecrypted

	m, _ := tr.get("m-1")
	if m.Plaintext != "" || m.State != StateAwaitingKey {
		t.Error("snapshot mutation leaked into the transcript")
	}
}

func TestTranscriptClear(t *testing.T) {
	tr := newTranscript()
	tr.add(entry("m-1", time.Now()))
	tr.clear()

	if tr.len() != 0 {
		t.Errorf("len after clear = %d", tr.len())
	}
	if tr.add(entry("m-1", time.Now())) != true {
		t.Error("cleared id should be insertable again")
	}
}
