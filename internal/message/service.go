package message

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pulsechat/pulse/internal/conversation"
	apierrors "github.com/pulsechat/pulse/internal/errors"
	"github.com/pulsechat/pulse/internal/logger"
	"github.com/pulsechat/pulse/internal/metrics"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// MessageStore is the persistence surface the service needs.
type MessageStore interface {
	CreateWithStatuses(ctx context.Context, msg NewMessage, memberIDs []string) (*View, error)
	GetViewByID(ctx context.Context, id string) (*View, error)
	ListStatuses(ctx context.Context, messageID string) ([]Status, error)
	ListPage(ctx context.Context, conversationID string, before *time.Time, limit int) ([]View, error)
	MarkDelivered(ctx context.Context, conversationID, messageID, userID string, at time.Time) (bool, error)
	MarkRead(ctx context.Context, conversationID string, messageIDs []string, userID string, at time.Time) ([]string, error)
}

// ConversationDirectory is the slice of the conversation service the message
// flows need: the member list for status fan-out and the membership predicate
// for receipts.
type ConversationDirectory interface {
	Members(ctx context.Context, conversationID string) ([]conversation.Member, error)
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
}

type Service struct {
	store         MessageStore
	conversations ConversationDirectory
	logger        *logger.Logger
}

func NewService(store MessageStore, conversations ConversationDirectory, log *logger.Logger) *Service {
	return &Service{
		store:         store,
		conversations: conversations,
		logger:        log.WithComponent("message.service"),
	}
}

// Send validates and persists a message for the actor. The message row, one
// status row per member, and the conversation activity stamp commit together
// or not at all.
func (s *Service) Send(ctx context.Context, actor string, input SendInput) (*View, error) {
	members, err := s.conversations.Members(ctx, input.ConversationID)
	if err != nil {
		return nil, err
	}

	memberIDs := make([]string, len(members))
	isMember := false
	for i, m := range members {
		memberIDs[i] = m.UserID
		if m.UserID == actor {
			isMember = true
		}
	}
	if !isMember {
		return nil, apierrors.E(apierrors.KindForbidden, "you are not a member of this conversation")
	}

	msg, err := buildNewMessage(actor, input)
	if err != nil {
		return nil, err
	}

	view, err := s.store.CreateWithStatuses(ctx, *msg, memberIDs)
	if err != nil {
		s.logger.LogError(ctx, err, "failed to persist message")
		return nil, apierrors.Wrap(apierrors.KindInternal, "failed to send message", err)
	}

	metrics.MessagesPersisted.Inc()
	return view, nil
}

// ListForConversation pages through history newest first. A zero limit means
// the default page size; cursors are exclusive, so a page picks up strictly
// after the previous one.
func (s *Service) ListForConversation(ctx context.Context, conversationID, actor string, cursor *time.Time, limit int) (*Page, error) {
	if limit == 0 {
		limit = DefaultPageSize
	}
	if limit < 1 || limit > MaxPageSize {
		return nil, apierrors.Ef(apierrors.KindBadRequest, "limit must be between 1 and %d", MaxPageSize)
	}

	if err := s.requireMember(ctx, conversationID, actor); err != nil {
		return nil, err
	}

	views, err := s.store.ListPage(ctx, conversationID, cursor, limit)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternal, "failed to load messages", err)
	}

	page := &Page{Messages: views, HasMore: len(views) == limit}
	if page.HasMore {
		last := views[len(views)-1].CreatedAt
		page.NextCursor = &last
	}
	return page, nil
}

// GetByID returns one message with its status rows, visible to members only.
func (s *Service) GetByID(ctx context.Context, messageID, actor string) (*View, error) {
	view, err := s.LoadView(ctx, messageID)
	if err != nil {
		return nil, err
	}

	if err := s.requireMember(ctx, view.ConversationID, actor); err != nil {
		return nil, err
	}

	statuses, err := s.store.ListStatuses(ctx, messageID)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternal, "failed to load statuses", err)
	}
	view.Statuses = statuses
	return view, nil
}

// LoadView fetches a message with its sender profile and no actor check. The
// bus consumer uses it to rebuild the broadcast payload from a reference.
func (s *Service) LoadView(ctx context.Context, messageID string) (*View, error) {
	if _, err := uuid.Parse(messageID); err != nil {
		return nil, apierrors.E(apierrors.KindNotFound, "message not found")
	}

	view, err := s.store.GetViewByID(ctx, messageID)
	if err != nil {
		if IsNotFound(err) {
			return nil, apierrors.E(apierrors.KindNotFound, "message not found")
		}
		return nil, apierrors.Wrap(apierrors.KindInternal, "failed to load message", err)
	}
	return view, nil
}

// MarkDelivered stamps the actor's delivery receipt. The first call stamps,
// repeats are no-ops, and the boolean reports whether anything changed.
func (s *Service) MarkDelivered(ctx context.Context, actor, conversationID, messageID string) (bool, error) {
	if _, err := uuid.Parse(messageID); err != nil {
		return false, apierrors.E(apierrors.KindBadRequest, "messageId must be a uuid")
	}

	if err := s.requireMembership(ctx, conversationID, actor); err != nil {
		return false, err
	}

	updated, err := s.store.MarkDelivered(ctx, conversationID, messageID, actor, time.Now().UTC())
	if err != nil {
		s.logger.LogError(ctx, err, "failed to mark delivered")
		return false, apierrors.Wrap(apierrors.KindInternal, "failed to mark delivered", err)
	}
	return updated, nil
}

// MarkRead stamps read receipts for a batch in one statement. A read stamp
// implies delivery, so a missing deliveredAt is filled with the same time,
// and stamps already set are never moved. Returns the ids whose rows changed.
func (s *Service) MarkRead(ctx context.Context, actor, conversationID string, messageIDs []string) ([]string, error) {
	ids := make([]string, 0, len(messageIDs))
	seen := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, err := uuid.Parse(id); err != nil {
			return nil, apierrors.E(apierrors.KindBadRequest, "messageIds must be uuids")
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, apierrors.E(apierrors.KindBadRequest, "messageIds is required")
	}

	if err := s.requireMembership(ctx, conversationID, actor); err != nil {
		return nil, err
	}

	updated, err := s.store.MarkRead(ctx, conversationID, ids, actor, time.Now().UTC())
	if err != nil {
		s.logger.LogError(ctx, err, "failed to mark read")
		return nil, apierrors.Wrap(apierrors.KindInternal, "failed to mark read", err)
	}
	return updated, nil
}

// requireMember loads the member list and distinguishes a missing
// conversation from one the actor cannot see.
func (s *Service) requireMember(ctx context.Context, conversationID, actor string) error {
	members, err := s.conversations.Members(ctx, conversationID)
	if err != nil {
		return err
	}
	for _, m := range members {
		if m.UserID == actor {
			return nil
		}
	}
	return apierrors.E(apierrors.KindForbidden, "you are not a member of this conversation")
}

// requireMembership is the cheap predicate variant for receipt paths, where
// hiding existence does not matter.
func (s *Service) requireMembership(ctx context.Context, conversationID, actor string) error {
	member, err := s.conversations.IsMember(ctx, conversationID, actor)
	if err != nil {
		return err
	}
	if !member {
		return apierrors.E(apierrors.KindForbidden, "you are not a member of this conversation")
	}
	return nil
}

// buildNewMessage validates the type invariants and shapes the insert row.
func buildNewMessage(actor string, input SendInput) (*NewMessage, error) {
	msg := &NewMessage{
		ID:             uuid.New().String(),
		ConversationID: input.ConversationID,
		SenderID:       actor,
		Type:           input.Type,
	}

	content := strings.TrimSpace(input.Content)
	mediaURL := strings.TrimSpace(input.MediaURL)

	switch input.Type {
	case TypeText:
		if content == "" {
			return nil, apierrors.E(apierrors.KindBadRequest, "a text message needs content")
		}
		if mediaURL != "" {
			return nil, apierrors.E(apierrors.KindBadRequest, "a text message cannot carry media")
		}
		msg.Content = &content
	case TypeImage, TypeVideo:
		if mediaURL == "" {
			return nil, apierrors.Ef(apierrors.KindBadRequest, "a %s message needs a media path", input.Type)
		}
		msg.MediaPath = &mediaURL
		msg.MediaMeta = input.MediaMeta
		// Content on a media message is an optional caption.
		if content != "" {
			msg.Content = &content
		}
	default:
		return nil, apierrors.Ef(apierrors.KindBadRequest, "unknown message type %q", input.Type)
	}

	return msg, nil
}
