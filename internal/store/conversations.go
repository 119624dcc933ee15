package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"zapinbox/internal/events"
	"zapinbox/internal/models"
)

// NewConversation describes a thread to find or create.
type NewConversation struct {
	ChannelID string
	ContactID string
	Contact   models.ContactMeta
	Status    models.ConversationStatus
	Metadata  models.JSONMap
}

// ConversationFilter narrows ListConversations. Zero values match everything.
type ConversationFilter struct {
	ChannelID       string
	Status          models.ConversationStatus
	AssignedAgentID string
	Limit           int
	Offset          int
}

// ConversationUpdate carries agent mutations. Nil fields are left untouched.
type ConversationUpdate struct {
	Status     *models.ConversationStatus
	AssignTo   *string // empty string unassigns
	Labels     *models.StringList
	Notes      *string
	AppendNote string
}

func (s *Store) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	return s.getConversation(ctx, s.db, id)
}

func (s *Store) getConversation(ctx context.Context, q sqlx.QueryerContext, id string) (*models.Conversation, error) {
	var conv models.Conversation
	if err := s.get(ctx, q, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id); err != nil {
		return nil, notFound(err, models.ErrConversationNotFound)
	}
	return &conv, nil
}

// FindConversationByContact returns the single conversation for (channelID, contactID).
func (s *Store) FindConversationByContact(ctx context.Context, channelID, contactID string) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.get(ctx, s.db, &conv, `SELECT `+conversationColumns+` FROM conversations
		WHERE channel_id = ? AND contact_id = ?`, channelID, contactID)
	if err != nil {
		return nil, notFound(err, models.ErrConversationNotFound)
	}
	return &conv, nil
}

// CreateConversation finds the conversation for (channel, contact) or creates it.
// The unique (channel_id, contact_id) constraint plus ON CONFLICT DO NOTHING makes
// concurrent first contacts converge on one row. created reports whether this
// call inserted it.
func (s *Store) CreateConversation(ctx context.Context, nc NewConversation) (conv *models.Conversation, created bool, err error) {
	if nc.ChannelID == "" || nc.ContactID == "" {
		return nil, false, fmt.Errorf("%w: channel and contact are required", models.ErrInvalidInput)
	}

	existing, err := s.FindConversationByContact(ctx, nc.ChannelID, nc.ContactID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, models.ErrConversationNotFound) {
		return nil, false, fmt.Errorf("finding conversation: %w", err)
	}

	if _, err := s.GetChannel(ctx, nc.ChannelID); err != nil {
		return nil, false, err
	}

	status := nc.Status
	if status == "" {
		status = models.ConversationActive
	}
	metadata := nc.Metadata
	if metadata == nil {
		metadata = models.JSONMap{}
	}
	name := nc.Contact.Name
	if name == "" {
		name = nc.ContactID
	}
	now := s.now()

	n, err := s.exec(ctx, s.db, `INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (channel_id, contact_id) DO NOTHING`,
		newID(), nc.ChannelID, nc.ContactID, name, nc.Contact.Avatar, status, nil,
		0, "", nil, models.StringList{}, "", metadata, now, now)
	if err != nil {
		return nil, false, fmt.Errorf("inserting conversation: %w", err)
	}

	conv, err = s.FindConversationByContact(ctx, nc.ChannelID, nc.ContactID)
	if err != nil {
		return nil, false, fmt.Errorf("reading conversation after insert: %w", err)
	}

	if n == 1 {
		log.Info().
			Str("conversationID", conv.ID).
			Str("channelID", conv.ChannelID).
			Str("contactID", conv.ContactID).
			Msg("Conversation created")
		s.pub.Publish(events.Event{
			Type:           events.NewConversation,
			ChannelID:      conv.ChannelID,
			ConversationID: conv.ID,
			Data:           conv,
		})
		return conv, true, nil
	}
	return conv, false, nil
}

// UpdateContact refreshes display metadata when the platform supplies better values.
func (s *Store) UpdateContact(ctx context.Context, id string, meta models.ContactMeta) error {
	if meta.Name == "" && meta.Avatar == "" {
		return nil
	}
	_, err := s.exec(ctx, s.db, `UPDATE conversations
		SET contact_name = CASE WHEN ? <> '' THEN ? ELSE contact_name END,
		    contact_avatar = CASE WHEN ? <> '' THEN ? ELSE contact_avatar END,
		    updated_at = ?
		WHERE id = ?`, meta.Name, meta.Name, meta.Avatar, meta.Avatar, s.now(), id)
	return err
}

func (s *Store) ListConversations(ctx context.Context, f ConversationFilter) ([]models.Conversation, error) {
	var (
		where []string
		args  []any
	)
	if f.ChannelID != "" {
		where = append(where, "channel_id = ?")
		args = append(args, f.ChannelID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.AssignedAgentID != "" {
		where = append(where, "assigned_agent_id = ?")
		args = append(args, f.AssignedAgentID)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY COALESCE(last_message_at, created_at) DESC, id LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	out := []models.Conversation{}
	if err := sqlx.SelectContext(ctx, s.db, &out, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	return out, nil
}

// RecordNewMessage updates the preview and timestamp and, for incoming messages,
// atomically increments the unread counter. A message older than the current
// preview (history backfill) still counts but does not replace the preview.
func (s *Store) RecordNewMessage(ctx context.Context, conversationID, preview string, at time.Time, incoming bool) error {
	return s.recordNewMessage(ctx, s.db, conversationID, preview, at, incoming)
}

func (s *Store) recordNewMessage(ctx context.Context, e sqlx.ExecerContext, conversationID, preview string, at time.Time, incoming bool) error {
	inc := 0
	if incoming {
		inc = 1
	}
	at = at.UTC()
	n, err := s.exec(ctx, e, `UPDATE conversations
		SET unread_count = unread_count + ?,
		    last_message = CASE WHEN last_message_at IS NULL OR last_message_at <= ? THEN ? ELSE last_message END,
		    last_message_at = CASE WHEN last_message_at IS NULL OR last_message_at <= ? THEN ? ELSE last_message_at END,
		    updated_at = ?
		WHERE id = ?`, inc, at, preview, at, at, s.now(), conversationID)
	if err != nil {
		return fmt.Errorf("recording new message: %w", err)
	}
	if n == 0 {
		return models.ErrConversationNotFound
	}
	return nil
}

// MarkRead resets the unread counter to zero.
func (s *Store) MarkRead(ctx context.Context, conversationID string) (*models.Conversation, error) {
	n, err := s.exec(ctx, s.db, `UPDATE conversations SET unread_count = 0, updated_at = ? WHERE id = ?`, s.now(), conversationID)
	if err != nil {
		return nil, fmt.Errorf("marking conversation read: %w", err)
	}
	if n == 0 {
		return nil, models.ErrConversationNotFound
	}
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	s.pub.Publish(events.Event{
		Type:           events.ConversationUpdated,
		ChannelID:      conv.ChannelID,
		ConversationID: conv.ID,
		Data:           conv,
	})
	return conv, nil
}

// UpdateConversation applies agent mutations (status, assignment, labels, notes).
func (s *Store) UpdateConversation(ctx context.Context, id string, u ConversationUpdate) (*models.Conversation, error) {
	var (
		sets []string
		args []any
	)
	if u.Status != nil {
		if !u.Status.Valid() {
			return nil, fmt.Errorf("%w: conversation status %q", models.ErrInvalidInput, *u.Status)
		}
		sets = append(sets, "status = ?")
		args = append(args, *u.Status)
	}
	if u.AssignTo != nil {
		sets = append(sets, "assigned_agent_id = ?")
		args = append(args, models.StrPtr(*u.AssignTo))
	}
	if u.Labels != nil {
		sets = append(sets, "labels = ?")
		args = append(args, dedupeLabels(*u.Labels))
	}
	if u.Notes != nil {
		sets = append(sets, "notes = ?")
		args = append(args, *u.Notes)
	} else if u.AppendNote != "" {
		sets = append(sets, "notes = CASE WHEN notes = '' THEN ? ELSE notes || ? END")
		args = append(args, u.AppendNote, "\n"+u.AppendNote)
	}
	if len(sets) == 0 {
		return s.GetConversation(ctx, id)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, s.now(), id)

	n, err := s.exec(ctx, s.db, `UPDATE conversations SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("updating conversation: %w", err)
	}
	if n == 0 {
		return nil, models.ErrConversationNotFound
	}

	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	s.pub.Publish(events.Event{
		Type:           events.ConversationUpdated,
		ChannelID:      conv.ChannelID,
		ConversationID: conv.ID,
		Data:           conv,
	})
	return conv, nil
}

func dedupeLabels(in models.StringList) models.StringList {
	seen := make(map[string]bool, len(in))
	out := models.StringList{}
	for _, l := range in {
		l = strings.TrimSpace(l)
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}
