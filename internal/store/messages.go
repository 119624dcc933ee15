package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"zapinbox/internal/events"
	"zapinbox/internal/models"
)

// MessageEvent is the data of a new_message event.
type MessageEvent struct {
	Message      *models.Message      `json:"message"`
	Conversation *models.Conversation `json:"conversation"`
}

// MessageStatusEvent is the data of a message_status event.
type MessageStatusEvent struct {
	MessageID      string               `json:"messageId"`
	ConversationID string               `json:"conversationId"`
	ExternalID     string               `json:"externalId,omitempty"`
	Status         models.MessageStatus `json:"status"`
	Error          string               `json:"error,omitempty"`
}

func (s *Store) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	var msg models.Message
	if err := s.get(ctx, s.db, &msg, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id); err != nil {
		return nil, notFound(err, models.ErrMessageNotFound)
	}
	return &msg, nil
}

func (s *Store) GetMessageByExternalID(ctx context.Context, externalID string) (*models.Message, error) {
	return s.messageByExternalID(ctx, s.db, externalID)
}

func (s *Store) messageByExternalID(ctx context.Context, q sqlx.QueryerContext, externalID string) (*models.Message, error) {
	var msg models.Message
	if err := s.get(ctx, q, &msg, `SELECT `+messageColumns+` FROM messages WHERE external_id = ?`, externalID); err != nil {
		return nil, notFound(err, models.ErrMessageNotFound)
	}
	return &msg, nil
}

// ListMessages returns a conversation's messages ordered by creation time.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]models.Message, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	out := []models.Message{}
	err := sqlx.SelectContext(ctx, s.db, &out, s.db.Rebind(`SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at, id
		LIMIT ? OFFSET ?`), conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	return out, nil
}

// CreateMessage inserts msg unless a message with the same external id exists,
// in which case the existing row is returned with created=false.
func (s *Store) CreateMessage(ctx context.Context, msg *models.Message) (*models.Message, bool, error) {
	var (
		out     *models.Message
		created bool
	)
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		out, created, err = s.createMessage(ctx, tx, msg)
		return err
	})
	return out, created, err
}

func (s *Store) createMessage(ctx context.Context, tx *sqlx.Tx, msg *models.Message) (*models.Message, bool, error) {
	if msg.ConversationID == "" {
		return nil, false, fmt.Errorf("%w: conversation is required", models.ErrInvalidInput)
	}
	if msg.ExternalID != nil && *msg.ExternalID == "" {
		msg.ExternalID = nil
	}
	if msg.ExternalID != nil {
		existing, err := s.messageByExternalID(ctx, tx, *msg.ExternalID)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, models.ErrMessageNotFound) {
			return nil, false, fmt.Errorf("checking external id: %w", err)
		}
	}

	if msg.ID == "" {
		msg.ID = newID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	if msg.ContentType == "" {
		msg.ContentType = models.ContentText
	}
	if msg.Status == "" {
		msg.Status = models.StatusPending
	}
	if msg.Metadata == nil {
		msg.Metadata = models.JSONMap{}
	}

	var exists int
	if err := s.get(ctx, tx, &exists, `SELECT 1 FROM conversations WHERE id = ?`, msg.ConversationID); err != nil {
		return nil, false, notFound(err, models.ErrConversationNotFound)
	}

	n, err := s.exec(ctx, tx, `INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (external_id) DO NOTHING`,
		msg.ID, msg.ConversationID, msg.Direction, msg.Body, msg.ContentType, msg.MediaRef,
		msg.Status, msg.AgentID, msg.ExternalID, msg.Metadata, msg.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("inserting message: %w", err)
	}
	if n == 0 {
		// Lost a race with a concurrent delivery of the same external id.
		existing, err := s.messageByExternalID(ctx, tx, *msg.ExternalID)
		if err != nil {
			return nil, false, fmt.Errorf("reading duplicate message: %w", err)
		}
		return existing, false, nil
	}
	return msg, true, nil
}

// AppendMessage creates msg and records it on its conversation in one
// transaction: preview/timestamp always, unread counter for incoming messages.
// A duplicate external id is a no-op returning the existing row.
func (s *Store) AppendMessage(ctx context.Context, msg *models.Message) (*models.Message, bool, error) {
	var (
		out     *models.Message
		created bool
		conv    *models.Conversation
	)
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		out, created, err = s.createMessage(ctx, tx, msg)
		if err != nil || !created {
			return err
		}
		preview := models.DisplayBody(out.Body, out.ContentType, out.MediaRef != nil)
		if err := s.recordNewMessage(ctx, tx, out.ConversationID, preview, out.CreatedAt, out.Direction == models.DirectionIncoming); err != nil {
			return err
		}
		conv, err = s.getConversation(ctx, tx, out.ConversationID)
		return err
	})
	if err != nil {
		return nil, false, err
	}

	if !created {
		log.Debug().
			Str("messageID", out.ID).
			Str("externalID", models.Deref(out.ExternalID)).
			Msg("Duplicate message delivery ignored")
		return out, false, nil
	}

	s.pub.Publish(events.Event{
		Type:           events.NewMessage,
		ChannelID:      conv.ChannelID,
		ConversationID: conv.ID,
		Data:           MessageEvent{Message: out, Conversation: conv},
	})
	return out, true, nil
}

// UpdateMessageStatus moves a message forward to status. It reports false when
// the update would regress (or repeat) the current status; the row is untouched.
func (s *Store) UpdateMessageStatus(ctx context.Context, id string, status models.MessageStatus) (bool, error) {
	return s.updateStatus(ctx, "id", id, status, "")
}

// UpdateMessageStatusByExternalID is UpdateMessageStatus keyed by the platform id.
func (s *Store) UpdateMessageStatusByExternalID(ctx context.Context, externalID string, status models.MessageStatus) (bool, error) {
	return s.updateStatus(ctx, "external_id", externalID, status, "")
}

// MarkMessageFailed moves a pending message to failed and keeps the provider
// detail under metadata "error" in the same update.
func (s *Store) MarkMessageFailed(ctx context.Context, id, detail string) (bool, error) {
	return s.updateStatus(ctx, "id", id, models.StatusFailed, detail)
}

func (s *Store) updateStatus(ctx context.Context, column, key string, status models.MessageStatus, detail string) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("%w: message status %q", models.ErrInvalidInput, status)
	}
	preds := models.Predecessors(status)
	if len(preds) == 0 {
		return false, fmt.Errorf("%w: nothing may move to %s", models.ErrInvalidTransition, status)
	}
	from := make([]string, len(preds))
	for i, p := range preds {
		from[i] = string(p)
	}

	var (
		msg models.Message
		n   int64
	)
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.get(ctx, tx, &msg, `SELECT `+messageColumns+` FROM messages WHERE `+column+` = ?`, key); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return models.ErrMessageNotFound
			}
			return err
		}

		set, args := `status = ?`, []any{string(status)}
		if detail != "" {
			meta := models.JSONMap{}
			for k, v := range msg.Metadata {
				meta[k] = v
			}
			meta["error"] = detail
			set += `, metadata = ?`
			args = append(args, meta)
		}
		args = append(args, key, from)
		query, qargs, err := sqlx.In(`UPDATE messages SET `+set+` WHERE `+column+` = ? AND status IN (?)`, args...)
		if err != nil {
			return fmt.Errorf("building status update: %w", err)
		}
		if n, err = s.exec(ctx, tx, query, qargs...); err != nil {
			return fmt.Errorf("updating message status: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	if n == 0 {
		log.Debug().
			Str("messageID", msg.ID).
			Str("current", string(msg.Status)).
			Str("requested", string(status)).
			Msg("Message status regression rejected")
		return false, nil
	}

	conv, err := s.GetConversation(ctx, msg.ConversationID)
	channelID := ""
	if err == nil {
		channelID = conv.ChannelID
	}
	s.pub.Publish(events.Event{
		Type:           events.MessageStatus,
		ChannelID:      channelID,
		ConversationID: msg.ConversationID,
		Data: MessageStatusEvent{
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			ExternalID:     models.Deref(msg.ExternalID),
			Status:         status,
			Error:          detail,
		},
	})
	return true, nil
}

// MarkMessageSent records the platform id returned by a successful send and
// moves the message from pending to sent.
func (s *Store) MarkMessageSent(ctx context.Context, id, externalID string) error {
	n, err := s.exec(ctx, s.db, `UPDATE messages SET external_id = ? WHERE id = ? AND external_id IS NULL`,
		models.StrPtr(externalID), id)
	if err != nil {
		return fmt.Errorf("recording external id: %w", err)
	}
	if n == 0 {
		log.Debug().Str("messageID", id).Msg("Message already carries an external id")
	}
	_, err = s.UpdateMessageStatus(ctx, id, models.StatusSent)
	return err
}

// AdvanceOutgoingUntil applies status to every outgoing message of the
// conversation created at or before until. Platforms that acknowledge with a
// watermark instead of message ids report receipts this way.
func (s *Store) AdvanceOutgoingUntil(ctx context.Context, conversationID string, status models.MessageStatus, until time.Time) (int, error) {
	preds := models.Predecessors(status)
	if len(preds) == 0 {
		return 0, fmt.Errorf("%w: nothing may move to %s", models.ErrInvalidTransition, status)
	}
	from := make([]string, len(preds))
	for i, p := range preds {
		from[i] = string(p)
	}
	query, args, err := sqlx.In(`SELECT id FROM messages
		WHERE conversation_id = ? AND direction = ? AND created_at <= ? AND status IN (?)
		ORDER BY created_at`, conversationID, string(models.DirectionOutgoing), until.UTC(), from)
	if err != nil {
		return 0, fmt.Errorf("building watermark query: %w", err)
	}
	var ids []string
	if err := sqlx.SelectContext(ctx, s.db, &ids, s.db.Rebind(query), args...); err != nil {
		return 0, fmt.Errorf("selecting messages under watermark: %w", err)
	}

	applied := 0
	for _, id := range ids {
		ok, err := s.UpdateMessageStatus(ctx, id, status)
		if err != nil {
			return applied, err
		}
		if ok {
			applied++
		}
	}
	return applied, nil
}
