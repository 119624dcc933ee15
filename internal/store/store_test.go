package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zapinbox/internal/db"
	"zapinbox/internal/events"
	"zapinbox/internal/models"
)

func newTestStore(t *testing.T) (*Store, *events.Recorder) {
	t.Helper()
	conn, err := db.Open(context.Background(), "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	rec := &events.Recorder{}
	return New(conn, rec), rec
}

func seedConversation(t *testing.T, s *Store, contact string) (*models.Channel, *models.Conversation) {
	t.Helper()
	ctx := context.Background()
	ch, err := s.CreateChannel(ctx, models.PlatformWhatsApp, "Support", nil)
	require.NoError(t, err)
	conv, created, err := s.CreateConversation(ctx, NewConversation{ChannelID: ch.ID, ContactID: contact})
	require.NoError(t, err)
	require.True(t, created)
	return ch, conv
}

func incoming(convID, externalID, body string) *models.Message {
	return &models.Message{
		ConversationID: convID,
		Direction:      models.DirectionIncoming,
		Body:           body,
		ContentType:    models.ContentText,
		Status:         models.StatusDelivered,
		ExternalID:     models.StrPtr(externalID),
	}
}

func TestCreateChannelStartsPending(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ch, err := s.CreateChannel(ctx, models.PlatformMessenger, "Page", models.JSONMap{"pageToken": "abc"})
	require.NoError(t, err)
	assert.Equal(t, models.ChannelPending, ch.Status)

	got, err := s.GetChannel(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, "Page", got.Name)
	assert.Equal(t, "abc", got.SessionData["pageToken"])

	_, err = s.CreateChannel(ctx, models.Platform("telegram"), "x", nil)
	assert.ErrorIs(t, err, models.ErrUnsupportedPlatform)

	_, err = s.GetChannel(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrChannelNotFound)
}

func TestActivateChannelRejectsDuplicateExternalID(t *testing.T) {
	s, rec := newTestStore(t)
	ctx := context.Background()

	a, err := s.CreateChannel(ctx, models.PlatformWhatsApp, "A", nil)
	require.NoError(t, err)
	b, err := s.CreateChannel(ctx, models.PlatformWhatsApp, "B", nil)
	require.NoError(t, err)

	activated, err := s.ActivateChannel(ctx, a.ID, "971500000000", "")
	require.NoError(t, err)
	assert.Equal(t, models.ChannelActive, activated.Status)
	assert.Equal(t, "A", activated.Name)

	_, err = s.ActivateChannel(ctx, b.ID, "971500000000", "")
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	// Same identifier on another platform is fine.
	c, err := s.CreateChannel(ctx, models.PlatformInstagram, "C", nil)
	require.NoError(t, err)
	_, err = s.ActivateChannel(ctx, c.ID, "971500000000", "")
	assert.NoError(t, err)

	found, err := s.FindChannelByExternalID(ctx, models.PlatformWhatsApp, "971500000000")
	require.NoError(t, err)
	assert.Equal(t, a.ID, found.ID)

	assert.Len(t, rec.Events(events.ChannelStatus), 2)
}

func TestDuplicateExternalIDIsNoop(t *testing.T) {
	s, rec := newTestStore(t)
	ctx := context.Background()
	_, conv := seedConversation(t, s, "971501234567")

	first, created, err := s.AppendMessage(ctx, incoming(conv.ID, "wamid.123", "Hello"))
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := s.AppendMessage(ctx, incoming(conv.ID, "wamid.123", "Hello"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	msgs, err := s.ListMessages(ctx, conv.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hello", msgs[0].Body)
	assert.Equal(t, models.StatusDelivered, msgs[0].Status)

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UnreadCount)
	assert.Len(t, rec.Events(events.NewMessage), 1)
}

func TestConcurrentFirstContactConvergesOnOneConversation(t *testing.T) {
	s, rec := newTestStore(t)
	ctx := context.Background()
	ch, err := s.CreateChannel(ctx, models.PlatformWhatsApp, "C1", nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := range 2 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv, _, err := s.CreateConversation(ctx, NewConversation{ChannelID: ch.ID, ContactID: "971501234567"})
			if err != nil {
				errs <- err
				return
			}
			_, _, err = s.AppendMessage(ctx, incoming(conv.ID, fmt.Sprintf("wamid.%d", i), "hi"))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	convs, err := s.ListConversations(ctx, ConversationFilter{ChannelID: ch.ID})
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "971501234567", convs[0].ContactID)
	assert.Equal(t, 2, convs[0].UnreadCount)
	assert.Len(t, rec.Events(events.NewConversation), 1)
}

func TestMarkReadResetsUnreadCounter(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, conv := seedConversation(t, s, "contact-1")

	for i := range 5 {
		_, _, err := s.AppendMessage(ctx, incoming(conv.ID, fmt.Sprintf("m-%d", i), "ping"))
		require.NoError(t, err)
	}
	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, 5, got.UnreadCount)

	read, err := s.MarkRead(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, read.UnreadCount)

	_, _, err = s.AppendMessage(ctx, incoming(conv.ID, "m-after", "again"))
	require.NoError(t, err)
	got, err = s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UnreadCount)

	_, err = s.MarkRead(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrConversationNotFound)
}

func TestOutgoingMessageDoesNotCountAsUnread(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, conv := seedConversation(t, s, "contact-1")

	_, created, err := s.AppendMessage(ctx, &models.Message{
		ConversationID: conv.ID,
		Direction:      models.DirectionOutgoing,
		ContentType:    models.ContentImage,
		MediaRef:       models.StrPtr("https://cdn.example.com/a.jpg"),
		AgentID:        models.StrPtr("agent-7"),
	})
	require.NoError(t, err)
	assert.True(t, created)

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.UnreadCount)
	assert.Equal(t, "[Image]", got.LastMessage)
}

func TestOlderMessageKeepsNewerPreview(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, conv := seedConversation(t, s, "contact-1")

	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	newer := incoming(conv.ID, "new", "latest")
	newer.CreatedAt = now
	older := incoming(conv.ID, "old", "backfilled")
	older.CreatedAt = now.Add(-time.Hour)

	_, _, err := s.AppendMessage(ctx, newer)
	require.NoError(t, err)
	_, _, err = s.AppendMessage(ctx, older)
	require.NoError(t, err)

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "latest", got.LastMessage)
	require.NotNil(t, got.LastMessageAt)
	assert.True(t, got.LastMessageAt.Equal(now))

	msgs, err := s.ListMessages(ctx, conv.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "backfilled", msgs[0].Body)
	assert.Equal(t, "latest", msgs[1].Body)
}

func TestMarkMessageFailedKeepsDetail(t *testing.T) {
	s, rec := newTestStore(t)
	ctx := context.Background()
	_, conv := seedConversation(t, s, "contact-1")

	msg, _, err := s.AppendMessage(ctx, &models.Message{
		ConversationID: conv.ID,
		Direction:      models.DirectionOutgoing,
		Body:           "hi",
		Metadata:       models.JSONMap{"source": "agent"},
	})
	require.NoError(t, err)

	applied, err := s.MarkMessageFailed(ctx, msg.ID, "messenger provider error (status 400): outside window")
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "messenger provider error (status 400): outside window", got.Metadata["error"])
	assert.Equal(t, "agent", got.Metadata["source"])

	statuses := rec.Events(events.MessageStatus)
	require.Len(t, statuses, 1)
	assert.Equal(t, "messenger provider error (status 400): outside window", statuses[0].Data.(MessageStatusEvent).Error)

	// Already failed: nothing changes.
	applied, err = s.MarkMessageFailed(ctx, msg.ID, "second attempt")
	require.NoError(t, err)
	assert.False(t, applied)
	got, err = s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "messenger provider error (status 400): outside window", got.Metadata["error"])
}

func TestMessageStatusNeverRegresses(t *testing.T) {
	s, rec := newTestStore(t)
	ctx := context.Background()
	_, conv := seedConversation(t, s, "contact-1")

	msg, _, err := s.AppendMessage(ctx, &models.Message{
		ConversationID: conv.ID,
		Direction:      models.DirectionOutgoing,
		Body:           "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, msg.Status)

	require.NoError(t, s.MarkMessageSent(ctx, msg.ID, "wamid.out"))

	applied, err := s.UpdateMessageStatusByExternalID(ctx, "wamid.out", models.StatusRead)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.UpdateMessageStatusByExternalID(ctx, "wamid.out", models.StatusDelivered)
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = s.UpdateMessageStatus(ctx, msg.ID, models.StatusFailed)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, got.Status)
	assert.Equal(t, "wamid.out", models.Deref(got.ExternalID))

	// sent + read
	assert.Len(t, rec.Events(events.MessageStatus), 2)

	_, err = s.UpdateMessageStatusByExternalID(ctx, "unknown", models.StatusRead)
	assert.ErrorIs(t, err, models.ErrMessageNotFound)

	_, err = s.UpdateMessageStatus(ctx, msg.ID, models.StatusPending)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestFailedSendKeepsPreview(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, conv := seedConversation(t, s, "contact-1")

	msg, _, err := s.AppendMessage(ctx, &models.Message{
		ConversationID: conv.ID,
		Direction:      models.DirectionOutgoing,
		Body:           "Are you there?",
	})
	require.NoError(t, err)

	applied, err := s.UpdateMessageStatus(ctx, msg.ID, models.StatusFailed)
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Are you there?", got.LastMessage)
}

func TestUpdateConversation(t *testing.T) {
	s, rec := newTestStore(t)
	ctx := context.Background()
	_, conv := seedConversation(t, s, "contact-1")

	resolved := models.ConversationResolved
	agent := "agent-1"
	labels := models.StringList{"vip", " vip", "billing", ""}
	got, err := s.UpdateConversation(ctx, conv.ID, ConversationUpdate{
		Status:     &resolved,
		AssignTo:   &agent,
		Labels:     &labels,
		AppendNote: "called back",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ConversationResolved, got.Status)
	assert.Equal(t, "agent-1", models.Deref(got.AssignedAgentID))
	assert.Equal(t, models.StringList{"vip", "billing"}, got.Labels)
	assert.Equal(t, "called back", got.Notes)

	unassign := ""
	got, err = s.UpdateConversation(ctx, conv.ID, ConversationUpdate{AssignTo: &unassign, AppendNote: "closed"})
	require.NoError(t, err)
	assert.Nil(t, got.AssignedAgentID)
	assert.Equal(t, "called back\nclosed", got.Notes)

	bogus := models.ConversationStatus("deleted")
	_, err = s.UpdateConversation(ctx, conv.ID, ConversationUpdate{Status: &bogus})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	assert.Len(t, rec.Events(events.ConversationUpdated), 2)

	list, err := s.ListConversations(ctx, ConversationFilter{Status: models.ConversationResolved})
	require.NoError(t, err)
	assert.Len(t, list, 1)
	list, err = s.ListConversations(ctx, ConversationFilter{AssignedAgentID: "agent-1"})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDeleteChannelCascades(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	ch, conv := seedConversation(t, s, "contact-1")
	msg, _, err := s.AppendMessage(ctx, incoming(conv.ID, "wamid.1", "bye"))
	require.NoError(t, err)

	require.NoError(t, s.DeleteChannel(ctx, ch.ID))

	_, err = s.GetConversation(ctx, conv.ID)
	assert.ErrorIs(t, err, models.ErrConversationNotFound)
	_, err = s.GetMessage(ctx, msg.ID)
	assert.ErrorIs(t, err, models.ErrMessageNotFound)

	assert.ErrorIs(t, s.DeleteChannel(ctx, ch.ID), models.ErrChannelNotFound)
}

func TestCreateConversationRequiresChannel(t *testing.T) {
	s, _ := newTestStore(t)
	_, _, err := s.CreateConversation(context.Background(), NewConversation{ChannelID: "nope", ContactID: "x"})
	assert.ErrorIs(t, err, models.ErrChannelNotFound)

	_, _, err = s.CreateConversation(context.Background(), NewConversation{ChannelID: "nope"})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}
