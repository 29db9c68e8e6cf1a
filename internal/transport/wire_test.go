package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestFrameEncoding(t *testing.T) {
	// Pushes carry no ackId or error; the fields must stay off the wire
	// entirely rather than appear as empty values.
	push := Frame{Event: EventNewMessage, Data: json.RawMessage(`{"id":"m1"}`)}
	encoded, err := json.Marshal(push)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	for _, absent := range []string{"ackId", "error"} {
		if strings.Contains(string(encoded), absent) {
			t.Errorf("push frame should not carry %q: %s", absent, encoded)
		}
	}

	// A rejection ack as the relay sends it.
	raw := `{"event":"ack","ackId":"a-1","error":{"code":"blocked","message":"receiver blocked sender"}}`
	var ack Frame
	if err := json.Unmarshal([]byte(raw), &ack); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if ack.Event != EventAck || ack.AckID != "a-1" {
		t.Errorf("decoded frame = %+v", ack)
	}
	if ack.Error == nil || ack.Error.Code != RejectBlocked {
		t.Errorf("decoded error = %+v, want code %q", ack.Error, RejectBlocked)
	}
}

func TestRejectionErrorIdentity(t *testing.T) {
	base := &RejectionError{Code: RejectUnknownReceiver, Message: "no such user"}
	wrapped := fmt.Errorf("send failed: %w", base)

	if !IsRejection(wrapped) {
		t.Error("wrapped rejection not recognized")
	}
	var rej *RejectionError
	if !errors.As(wrapped, &rej) || rej.Code != RejectUnknownReceiver {
		t.Errorf("errors.As gave %+v", rej)
	}

	if IsRejection(ErrNotConnected) {
		t.Error("connection failure misclassified as rejection")
	}
	if IsRejection(ErrAckTimeout) {
		t.Error("ack timeout misclassified as rejection")
	}
}
