package message

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/pulsechat/pulse/internal/conversation"
	apierrors "github.com/pulsechat/pulse/internal/errors"
	"github.com/pulsechat/pulse/internal/logger"
)

const (
	convAB   = "0a8ff77e-2f83-4d6e-9d76-8f04c3f7a001"
	convTeam = "0a8ff77e-2f83-4d6e-9d76-8f04c3f7a002"
	convGone = "0a8ff77e-2f83-4d6e-9d76-8f04c3f7a003"
)

type fakeDirectory struct {
	members map[string][]conversation.Member
}

func (f *fakeDirectory) Members(_ context.Context, conversationID string) ([]conversation.Member, error) {
	ms, ok := f.members[conversationID]
	if !ok {
		return nil, apierrors.E(apierrors.KindNotFound, "conversation not found")
	}
	return ms, nil
}

func (f *fakeDirectory) IsMember(_ context.Context, conversationID, userID string) (bool, error) {
	for _, m := range f.members[conversationID] {
		if m.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

// fakeMessageStore keeps the same only-if-null stamp semantics as the SQL so
// idempotence tests exercise the real rules.
type fakeMessageStore struct {
	views    map[string]*View
	statuses map[string]map[string]*Status
	updated  map[string]time.Time
	clock    time.Time
}

func newFakeMessageStore() *fakeMessageStore {
	return &fakeMessageStore{
		views:    make(map[string]*View),
		statuses: make(map[string]map[string]*Status),
		updated:  make(map[string]time.Time),
		clock:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fakeMessageStore) tick() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (f *fakeMessageStore) CreateWithStatuses(_ context.Context, msg NewMessage, memberIDs []string) (*View, error) {
	createdAt := f.tick()
	view := &View{
		Message: Message{
			ID:             msg.ID,
			ConversationID: msg.ConversationID,
			SenderID:       msg.SenderID,
			Content:        msg.Content,
			Type:           msg.Type,
			MediaPath:      msg.MediaPath,
			CreatedAt:      createdAt,
		},
		SenderName: "Sender " + msg.SenderID,
	}
	if len(msg.MediaMeta) > 0 {
		raw := json.RawMessage(msg.MediaMeta)
		view.MediaMeta = &raw
	}
	f.views[msg.ID] = view
	f.statuses[msg.ID] = make(map[string]*Status)
	for _, userID := range memberIDs {
		st := &Status{MessageID: msg.ID, UserID: userID}
		if userID == msg.SenderID {
			at := createdAt
			st.DeliveredAt = &at
		}
		f.statuses[msg.ID][userID] = st
	}
	f.updated[msg.ConversationID] = createdAt

	out := *view
	return &out, nil
}

func (f *fakeMessageStore) GetViewByID(_ context.Context, id string) (*View, error) {
	view, ok := f.views[id]
	if !ok {
		return nil, fmt.Errorf("get message: %w", sql.ErrNoRows)
	}
	out := *view
	return &out, nil
}

func (f *fakeMessageStore) ListStatuses(_ context.Context, messageID string) ([]Status, error) {
	out := []Status{}
	for _, st := range f.statuses[messageID] {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (f *fakeMessageStore) ListPage(_ context.Context, conversationID string, before *time.Time, limit int) ([]View, error) {
	out := []View{}
	for _, view := range f.views {
		if view.ConversationID != conversationID {
			continue
		}
		if before != nil && !view.CreatedAt.Before(*before) {
			continue
		}
		out = append(out, *view)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeMessageStore) MarkDelivered(_ context.Context, conversationID, messageID, userID string, at time.Time) (bool, error) {
	view, ok := f.views[messageID]
	if !ok || view.ConversationID != conversationID {
		return false, nil
	}
	st, ok := f.statuses[messageID][userID]
	if !ok || st.DeliveredAt != nil {
		return false, nil
	}
	stamp := at
	st.DeliveredAt = &stamp
	return true, nil
}

func (f *fakeMessageStore) MarkRead(_ context.Context, conversationID string, messageIDs []string, userID string, at time.Time) ([]string, error) {
	updated := []string{}
	for _, id := range messageIDs {
		view, ok := f.views[id]
		if !ok || view.ConversationID != conversationID {
			continue
		}
		st, ok := f.statuses[id][userID]
		if !ok || (st.DeliveredAt != nil && st.ReadAt != nil) {
			continue
		}
		stamp := at
		if st.DeliveredAt == nil {
			st.DeliveredAt = &stamp
		}
		if st.ReadAt == nil {
			st.ReadAt = &stamp
		}
		updated = append(updated, id)
	}
	return updated, nil
}

func member(convID, userID string) conversation.Member {
	return conversation.Member{ConversationID: convID, UserID: userID, Role: conversation.RoleMember}
}

func newTestService() (*Service, *fakeMessageStore) {
	store := newFakeMessageStore()
	directory := &fakeDirectory{members: map[string][]conversation.Member{
		convAB:   {member(convAB, "alice"), member(convAB, "bob")},
		convTeam: {member(convTeam, "alice"), member(convTeam, "bob"), member(convTeam, "carol")},
	}}
	log := logger.New(logger.Config{Level: slog.LevelError, Format: "text"})
	return NewService(store, directory, log), store
}

func TestSendText(t *testing.T) {
	svc, store := newTestService()

	view, err := svc.Send(context.Background(), "alice", SendInput{
		ConversationID: convTeam,
		Type:           TypeText,
		Content:        "hello team",
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if view.Type != TypeText || view.Content == nil || *view.Content != "hello team" {
		t.Errorf("unexpected view: %+v", view)
	}
	if view.SenderID != "alice" {
		t.Errorf("senderId = %q, want alice", view.SenderID)
	}

	statuses := store.statuses[view.ID]
	if len(statuses) != 3 {
		t.Fatalf("status rows = %d, want one per member", len(statuses))
	}
	sender := statuses["alice"]
	if sender.DeliveredAt == nil || !sender.DeliveredAt.Equal(view.CreatedAt) {
		t.Error("sender must be delivered at exactly the message creation time")
	}
	if sender.ReadAt != nil {
		t.Error("sender readAt starts null")
	}
	for _, other := range []string{"bob", "carol"} {
		st := statuses[other]
		if st.DeliveredAt != nil || st.ReadAt != nil {
			t.Errorf("%s stamps must start null", other)
		}
	}

	if !store.updated[convTeam].Equal(view.CreatedAt) {
		t.Error("conversation activity stamp must match the message creation time")
	}
}

func TestSendMediaWithCaption(t *testing.T) {
	svc, _ := newTestService()

	meta := json.RawMessage(`{"width":800,"height":600}`)
	view, err := svc.Send(context.Background(), "bob", SendInput{
		ConversationID: convAB,
		Type:           TypeImage,
		Content:        "look at this",
		MediaURL:       "conversations/c/bob_1_photo.jpg",
		MediaMeta:      meta,
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if view.MediaPath == nil || *view.MediaPath != "conversations/c/bob_1_photo.jpg" {
		t.Error("media path not persisted")
	}
	if view.Content == nil || *view.Content != "look at this" {
		t.Error("caption not persisted")
	}
	if view.MediaMeta == nil || string(*view.MediaMeta) != string(meta) {
		t.Error("media metadata not persisted")
	}
}

func TestSendValidation(t *testing.T) {
	svc, _ := newTestService()

	tests := []struct {
		name  string
		input SendInput
	}{
		{"text without content", SendInput{ConversationID: convAB, Type: TypeText}},
		{"text with whitespace content", SendInput{ConversationID: convAB, Type: TypeText, Content: "   "}},
		{"text with media", SendInput{ConversationID: convAB, Type: TypeText, Content: "hi", MediaURL: "somewhere"}},
		{"image without media", SendInput{ConversationID: convAB, Type: TypeImage}},
		{"video without media", SendInput{ConversationID: convAB, Type: TypeVideo}},
		{"unknown type", SendInput{ConversationID: convAB, Type: "sticker", Content: "hi"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Send(context.Background(), "alice", tt.input)
			if err == nil {
				t.Fatal("expected error")
			}
			if apierrors.KindOf(err) != apierrors.KindBadRequest {
				t.Errorf("kind = %v, want bad-request", apierrors.KindOf(err))
			}
		})
	}
}

func TestSendAccessControl(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	input := SendInput{ConversationID: convAB, Type: TypeText, Content: "hi"}

	_, err := svc.Send(ctx, "eve", input)
	if apierrors.KindOf(err) != apierrors.KindForbidden {
		t.Errorf("non-member send kind = %v, want forbidden", apierrors.KindOf(err))
	}

	input.ConversationID = convGone
	_, err = svc.Send(ctx, "alice", input)
	if apierrors.KindOf(err) != apierrors.KindNotFound {
		t.Errorf("missing conversation kind = %v, want not-found", apierrors.KindOf(err))
	}
}

func sendN(t *testing.T, svc *Service, convID string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		view, err := svc.Send(context.Background(), "alice", SendInput{
			ConversationID: convID,
			Type:           TypeText,
			Content:        fmt.Sprintf("message %d", i),
		})
		if err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
		ids = append(ids, view.ID)
	}
	return ids
}

func TestListPagination(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	sendN(t, svc, convAB, 25)

	first, err := svc.ListForConversation(ctx, convAB, "alice", nil, 20)
	if err != nil {
		t.Fatalf("first page failed: %v", err)
	}
	if len(first.Messages) != 20 {
		t.Fatalf("first page = %d messages, want 20", len(first.Messages))
	}
	if !first.HasMore || first.NextCursor == nil {
		t.Fatal("first page must report more history")
	}

	// Newest first, strictly descending.
	for i := 1; i < len(first.Messages); i++ {
		if !first.Messages[i].CreatedAt.Before(first.Messages[i-1].CreatedAt) {
			t.Fatal("page is not ordered newest first")
		}
	}
	if !first.NextCursor.Equal(first.Messages[19].CreatedAt) {
		t.Error("nextCursor must be the oldest createdAt on the page")
	}

	second, err := svc.ListForConversation(ctx, convAB, "alice", first.NextCursor, 20)
	if err != nil {
		t.Fatalf("second page failed: %v", err)
	}
	if len(second.Messages) != 5 {
		t.Fatalf("second page = %d messages, want 5", len(second.Messages))
	}
	if second.HasMore || second.NextCursor != nil {
		t.Error("second page must be the last one")
	}

	// The two pages cover all 25 messages with no overlap.
	seen := map[string]bool{}
	for _, m := range append(first.Messages, second.Messages...) {
		if seen[m.ID] {
			t.Fatalf("message %s appears on both pages", m.ID)
		}
		seen[m.ID] = true
	}
	if len(seen) != 25 {
		t.Errorf("pages cover %d messages, want 25", len(seen))
	}
}

func TestListDefaultsAndBounds(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	sendN(t, svc, convAB, 21)

	page, err := svc.ListForConversation(ctx, convAB, "alice", nil, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(page.Messages) != DefaultPageSize {
		t.Errorf("default page = %d messages, want %d", len(page.Messages), DefaultPageSize)
	}

	for _, limit := range []int{-1, 101} {
		_, err := svc.ListForConversation(ctx, convAB, "alice", nil, limit)
		if apierrors.KindOf(err) != apierrors.KindBadRequest {
			t.Errorf("limit %d kind = %v, want bad-request", limit, apierrors.KindOf(err))
		}
	}

	if _, err := svc.ListForConversation(ctx, convAB, "eve", nil, 0); apierrors.KindOf(err) != apierrors.KindForbidden {
		t.Errorf("non-member list kind = %v, want forbidden", apierrors.KindOf(err))
	}
	if _, err := svc.ListForConversation(ctx, convGone, "alice", nil, 0); apierrors.KindOf(err) != apierrors.KindNotFound {
		t.Errorf("missing conversation kind = %v, want not-found", apierrors.KindOf(err))
	}
}

func TestMarkDeliveredIdempotent(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	ids := sendN(t, svc, convAB, 1)
	msgID := ids[0]

	updated, err := svc.MarkDelivered(ctx, "bob", convAB, msgID)
	if err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}
	if !updated {
		t.Fatal("first receipt must stamp the row")
	}
	firstStamp := *store.statuses[msgID]["bob"].DeliveredAt

	updated, err = svc.MarkDelivered(ctx, "bob", convAB, msgID)
	if err != nil {
		t.Fatalf("repeat MarkDelivered failed: %v", err)
	}
	if updated {
		t.Error("repeat receipt must be a no-op")
	}
	if !store.statuses[msgID]["bob"].DeliveredAt.Equal(firstStamp) {
		t.Error("repeat receipt moved the original stamp")
	}

	// The sender's row was stamped at insert time, so even a first call is a
	// no-op.
	updated, err = svc.MarkDelivered(ctx, "alice", convAB, msgID)
	if err != nil {
		t.Fatalf("sender MarkDelivered failed: %v", err)
	}
	if updated {
		t.Error("sender row is stamped at creation")
	}

	if _, err := svc.MarkDelivered(ctx, "eve", convAB, msgID); apierrors.KindOf(err) != apierrors.KindForbidden {
		t.Errorf("non-member kind = %v, want forbidden", apierrors.KindOf(err))
	}
	if _, err := svc.MarkDelivered(ctx, "bob", convAB, "not-a-uuid"); apierrors.KindOf(err) != apierrors.KindBadRequest {
		t.Errorf("malformed id kind = %v, want bad-request", apierrors.KindOf(err))
	}
}

func TestMarkReadBatch(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	ids := sendN(t, svc, convAB, 2)
	m1, m2 := ids[0], ids[1]

	// m1 was delivered to bob earlier; m2 has no stamps yet.
	if _, err := svc.MarkDelivered(ctx, "bob", convAB, m1); err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}
	deliveredStamp := *store.statuses[m1]["bob"].DeliveredAt

	updated, err := svc.MarkRead(ctx, "bob", convAB, []string{m1, m2})
	if err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	if len(updated) != 2 {
		t.Fatalf("updated = %d rows, want 2", len(updated))
	}

	st1 := store.statuses[m1]["bob"]
	if st1.ReadAt == nil {
		t.Fatal("m1 readAt not stamped")
	}
	if !st1.DeliveredAt.Equal(deliveredStamp) {
		t.Error("existing delivery stamp must survive a read")
	}
	if st1.ReadAt.Before(*st1.DeliveredAt) {
		t.Error("readAt must not precede deliveredAt")
	}

	st2 := store.statuses[m2]["bob"]
	if st2.DeliveredAt == nil || st2.ReadAt == nil {
		t.Fatal("m2 must gain both stamps")
	}
	if !st2.DeliveredAt.Equal(*st2.ReadAt) {
		t.Error("a read without prior delivery stamps both with the same time")
	}

	// Re-running an overlapping batch changes nothing.
	readStamp := *st1.ReadAt
	updated, err = svc.MarkRead(ctx, "bob", convAB, []string{m1, m2})
	if err != nil {
		t.Fatalf("repeat MarkRead failed: %v", err)
	}
	if len(updated) != 0 {
		t.Errorf("repeat batch updated %d rows, want 0", len(updated))
	}
	if !store.statuses[m1]["bob"].ReadAt.Equal(readStamp) {
		t.Error("repeat batch moved a read stamp")
	}
}

func TestMarkReadValidation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.MarkRead(ctx, "bob", convAB, nil); apierrors.KindOf(err) != apierrors.KindBadRequest {
		t.Errorf("empty batch kind = %v, want bad-request", apierrors.KindOf(err))
	}
	if _, err := svc.MarkRead(ctx, "bob", convAB, []string{"nope"}); apierrors.KindOf(err) != apierrors.KindBadRequest {
		t.Errorf("malformed id kind = %v, want bad-request", apierrors.KindOf(err))
	}

	ids := sendN(t, svc, convAB, 1)
	if _, err := svc.MarkRead(ctx, "eve", convAB, ids); apierrors.KindOf(err) != apierrors.KindForbidden {
		t.Errorf("non-member kind = %v, want forbidden", apierrors.KindOf(err))
	}
}

func TestGetByID(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	ids := sendN(t, svc, convAB, 1)

	view, err := svc.GetByID(ctx, ids[0], "bob")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if len(view.Statuses) != 2 {
		t.Errorf("statuses = %d, want one per member", len(view.Statuses))
	}

	if _, err := svc.GetByID(ctx, ids[0], "eve"); apierrors.KindOf(err) != apierrors.KindForbidden {
		t.Errorf("non-member kind = %v, want forbidden", apierrors.KindOf(err))
	}
	if _, err := svc.GetByID(ctx, "11111111-2222-3333-4444-555555555555", "bob"); apierrors.KindOf(err) != apierrors.KindNotFound {
		t.Errorf("missing message kind = %v, want not-found", apierrors.KindOf(err))
	}
	if _, err := svc.GetByID(ctx, "not-a-uuid", "bob"); apierrors.KindOf(err) != apierrors.KindNotFound {
		t.Errorf("malformed id kind = %v, want not-found", apierrors.KindOf(err))
	}
}
