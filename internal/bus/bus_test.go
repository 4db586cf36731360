package bus

import (
	"encoding/json"
	"testing"
)

func TestMessageRefValidate(t *testing.T) {
	tests := []struct {
		name    string
		ref     MessageRef
		wantErr bool
	}{
		{
			name: "complete ref",
			ref:  MessageRef{MessageID: "m1", ConversationID: "c1", SenderID: "u1"},
		},
		{
			name:    "missing message id",
			ref:     MessageRef{ConversationID: "c1", SenderID: "u1"},
			wantErr: true,
		},
		{
			name:    "missing conversation id",
			ref:     MessageRef{MessageID: "m1", SenderID: "u1"},
			wantErr: true,
		},
		{
			name:    "missing sender id",
			ref:     MessageRef{MessageID: "m1", ConversationID: "c1"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ref.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecodeMessageRef(t *testing.T) {
	raw := []byte(`{"messageId":"m1","conversationId":"c1","senderId":"u1"}`)

	ref, err := decodeMessageRef(raw)
	if err != nil {
		t.Fatalf("decodeMessageRef() error = %v", err)
	}
	if ref.MessageID != "m1" || ref.ConversationID != "c1" || ref.SenderID != "u1" {
		t.Errorf("decodeMessageRef() = %+v", ref)
	}
}

func TestDecodeMessageRefRejectsGarbage(t *testing.T) {
	if _, err := decodeMessageRef([]byte("not json")); err == nil {
		t.Error("expected error for malformed payload")
	}
	if _, err := decodeMessageRef([]byte(`{"messageId":"m1"}`)); err == nil {
		t.Error("expected error for incomplete ref")
	}
}

func TestMessageRefWireShape(t *testing.T) {
	data, err := json.Marshal(MessageRef{MessageID: "m1", ConversationID: "c1", SenderID: "u1"})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var fields map[string]string
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	for _, key := range []string{"messageId", "conversationId", "senderId"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("wire payload missing %q field: %s", key, data)
		}
	}
}
