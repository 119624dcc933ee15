package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"zapinbox/internal/events"
	"zapinbox/internal/models"
)

// ChannelStatusPayload is the data of a channel_status event.
type ChannelStatusPayload struct {
	Status     models.ChannelStatus `json:"status"`
	ExternalID string               `json:"externalId,omitempty"`
	Name       string               `json:"name,omitempty"`
}

// CreateChannel records a new channel in pending status.
func (s *Store) CreateChannel(ctx context.Context, platform models.Platform, name string, sessionData models.JSONMap) (*models.Channel, error) {
	if !platform.Valid() {
		return nil, fmt.Errorf("%w: %q", models.ErrUnsupportedPlatform, platform)
	}
	if sessionData == nil {
		sessionData = models.JSONMap{}
	}
	now := s.now()
	ch := &models.Channel{
		ID:          newID(),
		Platform:    platform,
		Name:        name,
		SessionData: sessionData,
		Status:      models.ChannelPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.exec(ctx, s.db, `INSERT INTO channels (`+channelColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ch.ID, ch.Platform, ch.ExternalID, ch.Name, ch.SessionData, ch.Status, ch.LastActiveAt, ch.CreatedAt, ch.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting channel: %w", err)
	}
	log.Info().Str("channelID", ch.ID).Str("platform", string(platform)).Msg("Channel created")
	return ch, nil
}

func (s *Store) GetChannel(ctx context.Context, id string) (*models.Channel, error) {
	var ch models.Channel
	err := s.get(ctx, s.db, &ch, `SELECT `+channelColumns+` FROM channels WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err, models.ErrChannelNotFound)
	}
	return &ch, nil
}

func (s *Store) ListChannels(ctx context.Context) ([]models.Channel, error) {
	out := []models.Channel{}
	err := sqlx.SelectContext(ctx, s.db, &out, `SELECT `+channelColumns+` FROM channels ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing channels: %w", err)
	}
	return out, nil
}

// FindChannelByExternalID returns the channel of platform bound to externalID,
// preferring an active one.
func (s *Store) FindChannelByExternalID(ctx context.Context, platform models.Platform, externalID string) (*models.Channel, error) {
	var ch models.Channel
	err := s.get(ctx, s.db, &ch, `SELECT `+channelColumns+` FROM channels
		WHERE platform = ? AND external_id = ?
		ORDER BY CASE WHEN status = 'active' THEN 0 ELSE 1 END, updated_at DESC
		LIMIT 1`, platform, externalID)
	if err != nil {
		return nil, notFound(err, models.ErrChannelNotFound)
	}
	return &ch, nil
}

// UpdateChannelStatus persists status and raises a channel_status event.
func (s *Store) UpdateChannelStatus(ctx context.Context, id string, status models.ChannelStatus) error {
	now := s.now()
	n, err := s.exec(ctx, s.db, `UPDATE channels SET status = ?, updated_at = ? WHERE id = ?`, status, now, id)
	if err != nil {
		return fmt.Errorf("updating channel status: %w", err)
	}
	if n == 0 {
		return models.ErrChannelNotFound
	}
	s.pub.Publish(events.Event{
		Type:      events.ChannelStatus,
		ChannelID: id,
		Data:      ChannelStatusPayload{Status: status},
	})
	return nil
}

// ActivateChannel binds the channel to its resolved external identifier and
// marks it active. An external identifier already active on another channel of
// the same platform is rejected.
func (s *Store) ActivateChannel(ctx context.Context, id, externalID, name string) (*models.Channel, error) {
	var ch models.Channel
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.get(ctx, tx, &ch, `SELECT `+channelColumns+` FROM channels WHERE id = ?`, id); err != nil {
			return notFound(err, models.ErrChannelNotFound)
		}

		var other string
		err := s.get(ctx, tx, &other, `SELECT id FROM channels
			WHERE platform = ? AND external_id = ? AND status = ? AND id <> ? LIMIT 1`,
			ch.Platform, externalID, models.ChannelActive, id)
		switch {
		case err == nil:
			return fmt.Errorf("%w: %s %s is already active on channel %s", models.ErrInvalidInput, ch.Platform, externalID, other)
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("checking external id uniqueness: %w", err)
		}

		now := s.now()
		if name == "" {
			name = ch.Name
		}
		if _, err := s.exec(ctx, tx, `UPDATE channels
			SET external_id = ?, name = ?, status = ?, last_active_at = ?, updated_at = ?
			WHERE id = ?`, externalID, name, models.ChannelActive, now, now, id); err != nil {
			return fmt.Errorf("activating channel: %w", err)
		}
		ch.ExternalID = &externalID
		ch.Name = name
		ch.Status = models.ChannelActive
		ch.LastActiveAt = &now
		ch.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.pub.Publish(events.Event{
		Type:      events.ChannelStatus,
		ChannelID: id,
		Data:      ChannelStatusPayload{Status: models.ChannelActive, ExternalID: externalID, Name: ch.Name},
	})
	log.Info().Str("channelID", id).Str("externalID", externalID).Msg("Channel activated")
	return &ch, nil
}

// UpdateChannelSession replaces the opaque session/credential blob.
func (s *Store) UpdateChannelSession(ctx context.Context, id string, data models.JSONMap) error {
	if data == nil {
		data = models.JSONMap{}
	}
	n, err := s.exec(ctx, s.db, `UPDATE channels SET session_data = ?, updated_at = ? WHERE id = ?`, data, s.now(), id)
	if err != nil {
		return fmt.Errorf("updating channel session: %w", err)
	}
	if n == 0 {
		return models.ErrChannelNotFound
	}
	return nil
}

// TouchChannel records activity on the channel.
func (s *Store) TouchChannel(ctx context.Context, id string) error {
	_, err := s.exec(ctx, s.db, `UPDATE channels SET last_active_at = ? WHERE id = ?`, s.now(), id)
	return err
}

// DeleteChannel removes the channel and, by cascade, its conversations and messages.
func (s *Store) DeleteChannel(ctx context.Context, id string) error {
	n, err := s.exec(ctx, s.db, `DELETE FROM channels WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting channel: %w", err)
	}
	if n == 0 {
		return models.ErrChannelNotFound
	}
	log.Info().Str("channelID", id).Msg("Channel deleted")
	return nil
}
