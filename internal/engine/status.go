package engine

import (
	"context"
	"fmt"
	"time"

	"convo-service/internal/models"
)

// MessageStatusView is the derived delivery state of a message as seen
// by one caller, after reciprocal read-receipt privacy is applied.
type MessageStatusView struct {
	MessageID  string                 `json:"message_id"`
	State      models.DeliveryState   `json:"state"`
	Recipients []models.MessageStatus `json:"recipients,omitempty"`
}

// MarkDelivered records that the calling recipient received the message.
// Senders cannot mark their own messages.
func (e *Engine) MarkDelivered(ctx context.Context, me, messageID string) (models.MessageStatus, error) {
	msg, current, err := e.statusTarget(ctx, me, messageID)
	if err != nil {
		return models.MessageStatus{}, err
	}

	now := time.Now().UTC()
	st := models.MessageStatus{MessageID: messageID, RecipientDID: me, DeliveredAt: &now}
	entry := models.LogEntry{
		ConversationID: msg.ConversationID,
		Rev:            e.rev.Now(),
		Kind:           models.LogStatusChanged,
		Payload: models.StatusChangedPayload{
			MessageID:    messageID,
			RecipientDID: me,
			Delivered:    true,
			Read:         current.ReadAt != nil,
		},
		CreatedAt: now,
	}
	updated, err := e.messages.MarkDelivered(ctx, st, entry)
	if err != nil {
		return models.MessageStatus{}, mapStoreErr(err)
	}

	e.notify(ctx, msg.ConversationID, models.ServerFrame{Type: models.FrameReadReceipt, Payload: entry.Payload})
	return updated, nil
}

// MarkMessageRead records that the calling recipient read the message.
// A previously recorded delivered time is never cleared.
func (e *Engine) MarkMessageRead(ctx context.Context, me, messageID string) (models.MessageStatus, error) {
	msg, current, err := e.statusTarget(ctx, me, messageID)
	if err != nil {
		return models.MessageStatus{}, err
	}

	now := time.Now().UTC()
	st := models.MessageStatus{MessageID: messageID, RecipientDID: me, ReadAt: &now}
	if current.DeliveredAt == nil {
		// Reading implies the message arrived.
		st.DeliveredAt = &now
	}
	entry := models.LogEntry{
		ConversationID: msg.ConversationID,
		Rev:            e.rev.Now(),
		Kind:           models.LogStatusChanged,
		Payload: models.StatusChangedPayload{
			MessageID:    messageID,
			RecipientDID: me,
			Delivered:    true,
			Read:         true,
		},
		CreatedAt: now,
	}
	updated, err := e.messages.MarkRead(ctx, st, entry)
	if err != nil {
		return models.MessageStatus{}, mapStoreErr(err)
	}

	e.notify(ctx, msg.ConversationID, models.ServerFrame{Type: models.FrameReadReceipt, Payload: entry.Payload})
	return updated, nil
}

// GetMessageStatus derives the overall state of a message: read if every
// recipient has read it, else delivered if every recipient has received
// it, else sent. Read-receipt privacy is reciprocal: a caller who hides
// their own read receipts sees only "sent", and a recipient who hides
// theirs is invisible in everyone else's view.
func (e *Engine) GetMessageStatus(ctx context.Context, me, messageID string) (MessageStatusView, error) {
	msg, err := e.getMessage(ctx, messageID)
	if err != nil {
		return MessageStatusView{}, err
	}
	if _, err := e.activeMembership(ctx, msg.ConversationID, me); err != nil {
		return MessageStatusView{}, err
	}

	mine, err := e.privacy.GetPrivacy(ctx, me)
	if err != nil {
		return MessageStatusView{}, err
	}
	if !mine.ShareReadReceipts {
		return MessageStatusView{MessageID: messageID, State: models.DeliverySent}, nil
	}

	members, err := e.convos.ListMemberships(ctx, msg.ConversationID)
	if err != nil {
		return MessageStatusView{}, err
	}
	var recipients []string
	for _, m := range members {
		if m.MemberDID != msg.SenderDID && m.Status != models.MembershipLeft {
			recipients = append(recipients, m.MemberDID)
		}
	}

	settings, err := e.privacy.BatchGetPrivacy(ctx, recipients)
	if err != nil {
		return MessageStatusView{}, err
	}

	rows, err := e.messages.ListStatuses(ctx, messageID)
	if err != nil {
		return MessageStatusView{}, err
	}
	byRecipient := make(map[string]models.MessageStatus, len(rows))
	for _, row := range rows {
		byRecipient[row.RecipientDID] = row
	}

	view := MessageStatusView{MessageID: messageID, State: models.DeliverySent}
	allRead, allDelivered := true, true
	counted := 0
	for _, did := range recipients {
		if s, ok := settings[did]; ok && !s.ShareReadReceipts {
			continue
		}
		counted++
		row, ok := byRecipient[did]
		if !ok {
			allRead, allDelivered = false, false
			continue
		}
		view.Recipients = append(view.Recipients, row)
		if row.ReadAt == nil {
			allRead = false
		}
		if row.DeliveredAt == nil {
			allDelivered = false
		}
	}
	if counted > 0 {
		switch {
		case allRead:
			view.State = models.DeliveryRead
		case allDelivered:
			view.State = models.DeliveryDelivered
		}
	}
	return view, nil
}

func (e *Engine) statusTarget(ctx context.Context, me, messageID string) (models.Message, models.MessageStatus, error) {
	msg, err := e.getMessage(ctx, messageID)
	if err != nil {
		return models.Message{}, models.MessageStatus{}, err
	}
	if msg.SenderDID == me {
		return models.Message{}, models.MessageStatus{}, fmt.Errorf("%w: cannot mark own message", ErrForbidden)
	}
	if _, err := e.activeMembership(ctx, msg.ConversationID, me); err != nil {
		return models.Message{}, models.MessageStatus{}, err
	}

	current := models.MessageStatus{MessageID: messageID, RecipientDID: me}
	rows, err := e.messages.ListStatuses(ctx, messageID)
	if err != nil {
		return models.Message{}, models.MessageStatus{}, err
	}
	for _, row := range rows {
		if row.RecipientDID == me {
			current = row
			break
		}
	}
	return msg, current, nil
}
