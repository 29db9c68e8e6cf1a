package chat

// transcript holds a conversation's messages in creation order with at most
// one entry per message id. Not safe for concurrent use; the session's lock
// guards it.
type transcript struct {
	byID  map[string]*Message
	order []*Message
}

func newTranscript() *transcript {
	return &transcript{byID: make(map[string]*Message)}
}

// add inserts a message unless its id is already present (duplicate delivery
// via realtime push and a later history fetch collapses to one entry).
// Reports whether the message was inserted.
func (t *transcript) add(m *Message) bool {
	if _, exists := t.byID[m.ID]; exists {
		return false
	}
	t.byID[m.ID] = m
	t.order = append(t.order, m)

	// History arrives ascending and realtime appends newest-last, so the
	// common case is already ordered; walk an out-of-place entry back.
	for i := len(t.order) - 1; i > 0; i-- {
		if !t.order[i].CreatedAt.Before(t.order[i-1].CreatedAt) {
			break
		}
		t.order[i], t.order[i-1] = t.order[i-1], t.order[i]
	}
	return true
}

func (t *transcript) get(id string) (*Message, bool) {
	m, ok := t.byID[id]
	return m, ok
}

// remove deletes one entry. Reports whether it existed.
func (t *transcript) remove(id string) bool {
	if _, exists := t.byID[id]; !exists {
		return false
	}
	delete(t.byID, id)
	for i, m := range t.order {
		if m.ID == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return true
}

func (t *transcript) clear() {
	t.byID = make(map[string]*Message)
	t.order = nil
}

func (t *transcript) len() int {
	return len(t.order)
}

// pending returns the messages still awaiting a successful decryption, in
// transcript order.
func (t *transcript) pending() []*Message {
	var out []*Message
	for _, m := range t.order {
		if m.State != StateDecrypted {
			out = append(out, m)
		}
	}
	return out
}

// markRead sets the read flag on the given ids and returns the ids that
// actually changed. Only metadata is touched.
func (t *transcript) markRead(ids []string) []string {
	var changed []string
	for _, id := range ids {
		if m, ok := t.byID[id]; ok && !m.Read {
			m.Read = true
			changed = append(changed, id)
		}
	}
	return changed
}

// markReadFrom marks every message sent by senderID as read and returns the
// changed ids.
func (t *transcript) markReadFrom(senderID string) []string {
	var changed []string
	for _, m := range t.order {
		if m.SenderID == senderID && !m.Read {
			m.Read = true
			changed = append(changed, m.ID)
		}
	}
	return changed
}

// snapshot returns copies of all messages in order. Callers can hold them
// without racing the session.
func (t *transcript) snapshot() []Message {
	out := make([]Message, len(t.order))
	for i, m := range t.order {
		out[i] = *m
	}
	return out
}
