package conversation

import (
	"context"
	"strings"

	"github.com/google/uuid"

	apierrors "github.com/pulsechat/pulse/internal/errors"
	"github.com/pulsechat/pulse/internal/logger"
)

// ConversationStore is the persistence surface the service needs.
type ConversationStore interface {
	Create(ctx context.Context, id string, isGroup bool, name *string, members []NewMemberRow) (*Conversation, error)
	GetByID(ctx context.Context, id string) (*Conversation, error)
	FindDirectBetween(ctx context.Context, a, b string) (*Conversation, error)
	ListMembers(ctx context.Context, conversationID string) ([]Member, error)
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
	ListForUser(ctx context.Context, userID string) ([]Conversation, error)
	ListMembersBulk(ctx context.Context, conversationIDs []string) ([]Member, error)
	LastMessages(ctx context.Context, conversationIDs []string) ([]LastMessage, error)
}

// UserChecker validates that referenced users exist.
type UserChecker interface {
	AllExist(ctx context.Context, ids []string) (bool, error)
}

type Service struct {
	store  ConversationStore
	users  UserChecker
	logger *logger.Logger
}

func NewService(store ConversationStore, users UserChecker, log *logger.Logger) *Service {
	return &Service{
		store:  store,
		users:  users,
		logger: log.WithComponent("conversation.service"),
	}
}

// Create makes a conversation for the actor. Direct conversations (exactly
// one other user, no name) are idempotent: an existing conversation whose
// member set equals {actor, other} is returned instead of a duplicate.
func (s *Service) Create(ctx context.Context, actor string, input CreateInput) (*View, error) {
	others := dedupe(input.UserIDs, actor)

	if len(others) == 0 {
		return nil, apierrors.E(apierrors.KindBadRequest, "at least one other user is required")
	}

	name := strings.TrimSpace(input.Name)

	if input.IsGroup {
		if len(others) < 2 {
			return nil, apierrors.E(apierrors.KindBadRequest, "a group needs at least two other members")
		}
		if name == "" {
			return nil, apierrors.E(apierrors.KindBadRequest, "a group needs a name")
		}
	} else {
		if len(others) != 1 {
			return nil, apierrors.E(apierrors.KindBadRequest, "a direct conversation has exactly one other member")
		}
		if name != "" {
			return nil, apierrors.E(apierrors.KindBadRequest, "a direct conversation cannot be named")
		}
	}

	ok, err := s.users.AllExist(ctx, others)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apierrors.E(apierrors.KindBadRequest, "one or more users do not exist")
	}

	if !input.IsGroup {
		existing, err := s.store.FindDirectBetween(ctx, actor, others[0])
		if err != nil {
			return nil, apierrors.Wrap(apierrors.KindInternal, "failed to look up conversation", err)
		}
		if existing != nil {
			return s.buildView(ctx, existing)
		}
	}

	members := make([]NewMemberRow, 0, len(others)+1)
	if input.IsGroup {
		// The creator of a group is its admin.
		members = append(members, NewMemberRow{UserID: actor, Role: RoleAdmin})
	} else {
		members = append(members, NewMemberRow{UserID: actor, Role: RoleMember})
	}
	for _, id := range others {
		members = append(members, NewMemberRow{UserID: id, Role: RoleMember})
	}

	var namePtr *string
	if input.IsGroup {
		namePtr = &name
	}

	conv, err := s.store.Create(ctx, uuid.New().String(), input.IsGroup, namePtr, members)
	if err != nil {
		s.logger.LogError(ctx, err, "failed to create conversation")
		return nil, apierrors.Wrap(apierrors.KindInternal, "failed to create conversation", err)
	}

	return s.buildView(ctx, conv)
}

// Get returns the conversation view. Not-found and forbidden are distinct so
// callers can log and respond appropriately.
func (s *Service) Get(ctx context.Context, id, actor string) (*View, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apierrors.E(apierrors.KindNotFound, "conversation not found")
	}

	conv, err := s.store.GetByID(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return nil, apierrors.E(apierrors.KindNotFound, "conversation not found")
		}
		return nil, apierrors.Wrap(apierrors.KindInternal, "failed to load conversation", err)
	}

	member, err := s.IsMember(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, apierrors.E(apierrors.KindForbidden, "you are not a member of this conversation")
	}

	return s.buildView(ctx, conv)
}

// ListForUser returns the actor's conversations newest-activity first, each
// with members and the latest message attached.
func (s *Service) ListForUser(ctx context.Context, actor string) ([]View, error) {
	conversations, err := s.store.ListForUser(ctx, actor)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternal, "failed to list conversations", err)
	}
	if len(conversations) == 0 {
		return []View{}, nil
	}

	ids := make([]string, len(conversations))
	for i, c := range conversations {
		ids[i] = c.ID
	}

	members, err := s.store.ListMembersBulk(ctx, ids)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternal, "failed to load members", err)
	}
	membersByConv := make(map[string][]Member, len(conversations))
	for _, m := range members {
		membersByConv[m.ConversationID] = append(membersByConv[m.ConversationID], m)
	}

	lastMessages, err := s.store.LastMessages(ctx, ids)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternal, "failed to load last messages", err)
	}
	lastByConv := make(map[string]LastMessage, len(lastMessages))
	for _, lm := range lastMessages {
		lastByConv[lm.ConversationID] = lm
	}

	views := make([]View, len(conversations))
	for i, c := range conversations {
		views[i] = View{
			Conversation: c,
			Members:      membersByConv[c.ID],
		}
		if lm, ok := lastByConv[c.ID]; ok {
			last := lm
			views[i].LastMessage = &last
		}
	}

	return views, nil
}

// Members returns the member rows of a conversation regardless of who asks.
// Callers that must hide existence from outsiders check membership on the
// result themselves.
func (s *Service) Members(ctx context.Context, conversationID string) ([]Member, error) {
	if _, err := uuid.Parse(conversationID); err != nil {
		return nil, apierrors.E(apierrors.KindNotFound, "conversation not found")
	}

	if _, err := s.store.GetByID(ctx, conversationID); err != nil {
		if IsNotFound(err) {
			return nil, apierrors.E(apierrors.KindNotFound, "conversation not found")
		}
		return nil, apierrors.Wrap(apierrors.KindInternal, "failed to load conversation", err)
	}

	members, err := s.store.ListMembers(ctx, conversationID)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternal, "failed to load members", err)
	}
	return members, nil
}

// IsMember is the hot-path membership predicate used by every gateway event
// and media request. Malformed ids are simply not members of anything.
func (s *Service) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	if _, err := uuid.Parse(conversationID); err != nil {
		return false, nil
	}

	member, err := s.store.IsMember(ctx, conversationID, userID)
	if err != nil {
		return false, apierrors.Wrap(apierrors.KindInternal, "failed to check membership", err)
	}
	return member, nil
}

func (s *Service) buildView(ctx context.Context, conv *Conversation) (*View, error) {
	members, err := s.store.ListMembers(ctx, conv.ID)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternal, "failed to load members", err)
	}

	view := &View{
		Conversation: *conv,
		Members:      members,
	}

	lastMessages, err := s.store.LastMessages(ctx, []string{conv.ID})
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternal, "failed to load last message", err)
	}
	if len(lastMessages) > 0 {
		last := lastMessages[0]
		view.LastMessage = &last
	}

	return view, nil
}

// dedupe removes duplicates and the actor from the referenced user list.
func dedupe(ids []string, actor string) []string {
	out := make([]string, 0, len(ids))
	seen := map[string]struct{}{actor: {}}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
