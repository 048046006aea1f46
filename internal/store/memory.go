package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"convo-service/internal/models"
)

// Memory is a mutex-guarded in-memory implementation of every store
// interface. It backs engine tests and single-process development runs;
// its semantics mirror the Postgres repositories, including atomic
// mutation-plus-log-append.
type Memory struct {
	mu          sync.Mutex
	convos      map[string]models.Conversation
	directKeys  map[string]string
	memberships map[string]map[string]models.Membership
	messages    map[string]models.Message
	reactions   map[string][]models.Reaction
	statuses    map[string]map[string]models.MessageStatus
	log         []models.LogEntry
	presence    map[string]models.Presence
	privacy     map[string]models.PrivacySettings
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		convos:      make(map[string]models.Conversation),
		directKeys:  make(map[string]string),
		memberships: make(map[string]map[string]models.Membership),
		messages:    make(map[string]models.Message),
		reactions:   make(map[string][]models.Reaction),
		statuses:    make(map[string]map[string]models.MessageStatus),
		presence:    make(map[string]models.Presence),
		privacy:     make(map[string]models.PrivacySettings),
	}
}

var (
	_ ConversationStore = (*Memory)(nil)
	_ MessageStore      = (*Memory)(nil)
	_ LogStore          = (*Memory)(nil)
	_ PresenceStore     = (*Memory)(nil)
)

func (m *Memory) GetOrCreateDirect(ctx context.Context, candidate models.Conversation, memberships []models.Membership) (models.Conversation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.directKeys[*candidate.DirectKey]; ok {
		if !m.anyLeftLocked(id) {
			return m.convos[id], false, nil
		}
		// Either party left: the abandoned row gives up its key so the
		// pair gets a fresh conversation.
		delete(m.directKeys, *candidate.DirectKey)
		old := m.convos[id]
		old.DirectKey = nil
		m.convos[id] = old
	}
	m.convos[candidate.ID] = candidate
	m.directKeys[*candidate.DirectKey] = candidate.ID
	members := make(map[string]models.Membership, len(memberships))
	for _, mem := range memberships {
		members[mem.MemberDID] = mem
	}
	m.memberships[candidate.ID] = members
	return candidate, true, nil
}

func (m *Memory) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	convo, ok := m.convos[id]
	if !ok {
		return models.Conversation{}, ErrNotFound
	}
	return convo, nil
}

func (m *Memory) GetMembership(ctx context.Context, conversationID, did string) (models.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.membershipLocked(conversationID, did)
}

func (m *Memory) anyLeftLocked(conversationID string) bool {
	for _, mem := range m.memberships[conversationID] {
		if mem.Status == models.MembershipLeft {
			return true
		}
	}
	return false
}

func (m *Memory) membershipLocked(conversationID, did string) (models.Membership, error) {
	members, ok := m.memberships[conversationID]
	if !ok {
		return models.Membership{}, ErrNotFound
	}
	mem, ok := members[did]
	if !ok {
		return models.Membership{}, ErrNotFound
	}
	return mem, nil
}

func (m *Memory) ListMemberships(ctx context.Context, conversationID string) ([]models.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := m.memberships[conversationID]
	out := make([]models.Membership, 0, len(members))
	for _, mem := range members {
		out = append(out, mem)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (m *Memory) ListActive(ctx context.Context, did string, beforeActivity *time.Time, beforeID string, limit int) ([]MemberConversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var all []MemberConversation
	for convoID, members := range m.memberships {
		mem, ok := members[did]
		if !ok || mem.Status == models.MembershipLeft {
			continue
		}
		all = append(all, MemberConversation{Conversation: m.convos[convoID], Membership: mem})
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i].Conversation, all[j].Conversation
		if !a.LastActivityAt.Equal(b.LastActivityAt) {
			return a.LastActivityAt.After(b.LastActivityAt)
		}
		return a.ID > b.ID
	})

	var out []MemberConversation
	for _, mc := range all {
		if beforeActivity != nil {
			c := mc.Conversation
			after := c.LastActivityAt.After(*beforeActivity) ||
				(c.LastActivityAt.Equal(*beforeActivity) && c.ID >= beforeID)
			if after {
				continue
			}
		}
		out = append(out, mc)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) UpdateMembershipStatus(ctx context.Context, conversationID, did string, allowedFrom []models.MembershipStatus, to models.MembershipStatus) (models.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem, err := m.membershipLocked(conversationID, did)
	if err != nil {
		return models.Membership{}, err
	}
	if !statusIn(mem.Status, allowedFrom) {
		return models.Membership{}, ErrConflict
	}
	mem.Status = to
	m.memberships[conversationID][did] = mem
	return mem, nil
}

func (m *Memory) SetLastRead(ctx context.Context, conversationID, did, rev string, entry models.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem, err := m.membershipLocked(conversationID, did)
	if err != nil {
		return err
	}
	mem.LastReadRev = &rev
	m.memberships[conversationID][did] = mem
	m.log = append(m.log, entry)
	return nil
}

func (m *Memory) SetMuted(ctx context.Context, conversationID, did string, muted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem, err := m.membershipLocked(conversationID, did)
	if err != nil {
		return err
	}
	mem.Muted = muted
	m.memberships[conversationID][did] = mem
	return nil
}

func (m *Memory) CreateMessage(ctx context.Context, msg models.Message, entry models.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.messages[msg.ID] = msg
	convo := m.convos[msg.ConversationID]
	convo.LastActivityAt = msg.CreatedAt
	m.convos[msg.ConversationID] = convo

	if mem, err := m.membershipLocked(msg.ConversationID, msg.SenderDID); err == nil {
		rev := msg.Rev
		mem.LastReadRev = &rev
		m.memberships[msg.ConversationID][msg.SenderDID] = mem
	}
	m.log = append(m.log, entry)
	return nil
}

func (m *Memory) GetMessage(ctx context.Context, id string) (models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return models.Message{}, ErrNotFound
	}
	return msg, nil
}

func (m *Memory) ListMessages(ctx context.Context, conversationID, beforeRev string, limit int) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var msgs []models.Message
	for _, msg := range m.messages {
		if msg.ConversationID != conversationID {
			continue
		}
		if beforeRev != "" && msg.Rev >= beforeRev {
			continue
		}
		msgs = append(msgs, msg)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Rev > msgs[j].Rev })
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (m *Memory) SoftDeleteMessage(ctx context.Context, messageID string, deletedAt time.Time, entry models.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[messageID]
	if !ok || msg.DeletedAt != nil {
		return ErrNotFound
	}
	msg.Body = ""
	msg.Facets = nil
	msg.DeletedAt = &deletedAt
	m.messages[messageID] = msg
	m.log = append(m.log, entry)
	return nil
}

func (m *Memory) AddReaction(ctx context.Context, reaction models.Reaction, entry models.LogEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.messages[reaction.MessageID]; !ok {
		return false, ErrNotFound
	}
	count := 0
	for _, existing := range m.reactions[reaction.MessageID] {
		if existing.MemberDID != reaction.MemberDID {
			continue
		}
		if existing.Value == reaction.Value {
			return false, nil
		}
		count++
	}
	if count >= models.ReactionLimitPerMember {
		return false, ErrReactionLimit
	}
	m.reactions[reaction.MessageID] = append(m.reactions[reaction.MessageID], reaction)
	m.log = append(m.log, entry)
	return true, nil
}

func (m *Memory) RemoveReaction(ctx context.Context, reaction models.Reaction, entry models.LogEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.reactions[reaction.MessageID]
	for i, r := range existing {
		if r.MemberDID == reaction.MemberDID && r.Value == reaction.Value {
			m.reactions[reaction.MessageID] = append(existing[:i:i], existing[i+1:]...)
			m.log = append(m.log, entry)
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) ListReactions(ctx context.Context, messageID string) ([]models.Reaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Reaction, len(m.reactions[messageID]))
	copy(out, m.reactions[messageID])
	return out, nil
}

func (m *Memory) MarkDelivered(ctx context.Context, st models.MessageStatus, entry models.LogEntry) (models.MessageStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, ok := m.statuses[st.MessageID]
	if !ok {
		rows = make(map[string]models.MessageStatus)
		m.statuses[st.MessageID] = rows
	}
	current, ok := rows[st.RecipientDID]
	if !ok {
		current = models.MessageStatus{MessageID: st.MessageID, RecipientDID: st.RecipientDID}
	}
	if current.DeliveredAt != nil {
		return current, nil
	}
	current.DeliveredAt = st.DeliveredAt
	rows[st.RecipientDID] = current
	m.log = append(m.log, entry)
	return current, nil
}

func (m *Memory) MarkRead(ctx context.Context, st models.MessageStatus, entry models.LogEntry) (models.MessageStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, ok := m.statuses[st.MessageID]
	if !ok {
		rows = make(map[string]models.MessageStatus)
		m.statuses[st.MessageID] = rows
	}
	current, ok := rows[st.RecipientDID]
	if !ok {
		current = models.MessageStatus{MessageID: st.MessageID, RecipientDID: st.RecipientDID}
	}
	if current.ReadAt != nil {
		return current, nil
	}
	if current.DeliveredAt == nil {
		current.DeliveredAt = st.DeliveredAt
	}
	current.ReadAt = st.ReadAt
	rows[st.RecipientDID] = current
	m.log = append(m.log, entry)
	return current, nil
}

func (m *Memory) ListStatuses(ctx context.Context, messageID string) ([]models.MessageStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.statuses[messageID]
	out := make([]models.MessageStatus, 0, len(rows))
	for _, st := range rows {
		out = append(out, st)
	}
	return out, nil
}

func (m *Memory) EntriesAfter(ctx context.Context, did, cursor string, limit int) ([]models.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.LogEntry
	for _, entry := range m.log {
		if entry.Rev <= cursor {
			continue
		}
		mem, err := m.membershipLocked(entry.ConversationID, did)
		if err != nil || mem.Status == models.MembershipLeft {
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rev < out[j].Rev })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) LatestMessageRev(ctx context.Context, conversationID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	latest := ""
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID && msg.Rev > latest {
			latest = msg.Rev
		}
	}
	return latest, nil
}

func (m *Memory) UnreadCount(ctx context.Context, conversationID, sinceRev string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID && msg.Rev > sinceRev && msg.DeletedAt == nil {
			count++
		}
	}
	return count, nil
}

func (m *Memory) UpsertPresence(ctx context.Context, p models.Presence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.presence[p.DID] = p
	return nil
}

func (m *Memory) GetPresence(ctx context.Context, did string) (models.Presence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.presence[did]
	if !ok {
		return models.Presence{}, ErrNotFound
	}
	return p, nil
}

func (m *Memory) BatchGetPresence(ctx context.Context, dids []string) (map[string]models.Presence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]models.Presence, len(dids))
	for _, did := range dids {
		if p, ok := m.presence[did]; ok {
			out[did] = p
		}
	}
	return out, nil
}

func (m *Memory) GetPrivacy(ctx context.Context, did string) (models.PrivacySettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.privacy[did]; ok {
		return s, nil
	}
	return models.DefaultPrivacySettings(did), nil
}

func (m *Memory) BatchGetPrivacy(ctx context.Context, dids []string) (map[string]models.PrivacySettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]models.PrivacySettings, len(dids))
	for _, did := range dids {
		if s, ok := m.privacy[did]; ok {
			out[did] = s
		} else {
			out[did] = models.DefaultPrivacySettings(did)
		}
	}
	return out, nil
}

func (m *Memory) SetPrivacy(ctx context.Context, s models.PrivacySettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.privacy[s.DID] = s
	return nil
}

func (m *Memory) Contacts(ctx context.Context, did string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{})
	for _, members := range m.memberships {
		mine, ok := members[did]
		if !ok || mine.Status == models.MembershipLeft {
			continue
		}
		for other, mem := range members {
			if other == did || mem.Status == models.MembershipLeft {
				continue
			}
			seen[other] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for did := range seen {
		out = append(out, did)
	}
	sort.Strings(out)
	return out, nil
}
