// Package meta implements the page-messenger and business-DM platforms on top
// of the Graph API: page sessions for outbound sends and webhook processing
// for inbound traffic.
package meta

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"zapinbox/config"
	"zapinbox/internal/media"
	"zapinbox/internal/models"
	"zapinbox/internal/session"
	"zapinbox/pkg/httputil"
)

// SessionData key holding the page access token of a channel.
const AccessTokenKey = "accessToken"

// MediaStore loads outbound media references and persists inbound attachments.
type MediaStore interface {
	Backend() string
	Load(ctx context.Context, ref string) ([]byte, string, error)
	Store(ctx context.Context, item media.Item) (*media.Object, error)
}

// Adapter is the Graph API client for one Meta platform.
type Adapter struct {
	platform models.Platform
	version  string
	http     *resty.Client
	media    MediaStore
	profiles *cache.Cache
}

// NewAdapter builds the adapter for messenger or instagram.
func NewAdapter(platform models.Platform, cfg config.MetaConfig, timeout time.Duration, mediaStore MediaStore) (*Adapter, error) {
	if platform != models.PlatformMessenger && platform != models.PlatformInstagram {
		return nil, fmt.Errorf("%w: %s is not a Meta platform", models.ErrUnsupportedPlatform, platform)
	}
	if cfg.GraphBaseURL == "" {
		return nil, fmt.Errorf("%w: META_GRAPH_BASE_URL is empty", models.ErrConfiguration)
	}
	version := cfg.GraphVersion
	if version == "" {
		version = "v21.0"
	}

	log.Info().Str("platform", string(platform)).Str("graphVersion", version).Msg("Meta adapter configured")

	return &Adapter{
		platform: platform,
		version:  version,
		http:     httputil.NewClient(strings.TrimRight(cfg.GraphBaseURL, "/"), timeout),
		media:    mediaStore,
		profiles: cache.New(time.Hour, 10*time.Minute),
	}, nil
}

func (a *Adapter) Platform() models.Platform { return a.platform }

// RequiresSession is false: sends only need the page token, so sessions are
// created on demand.
func (a *Adapter) RequiresSession() bool { return false }

type account struct {
	ID                       string `json:"id"`
	Name                     string `json:"name"`
	InstagramBusinessAccount *struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"instagram_business_account"`
}

// Initialize checks the page token against the Graph API and reports the
// account the webhooks will address.
func (a *Adapter) Initialize(ctx context.Context, ch *models.Channel, hooks session.Hooks) (session.Session, error) {
	token, _ := ch.SessionData[AccessTokenKey].(string)
	if token == "" {
		return nil, fmt.Errorf("%w: channel %s has no page access token", models.ErrAuthenticationFailure, ch.ID)
	}

	fields := "id,name"
	if a.platform == models.PlatformInstagram {
		fields = "id,name,instagram_business_account{id,username}"
	}

	var acct account
	resp, err := a.http.R().
		SetContext(ctx).
		SetQueryParam("fields", fields).
		SetQueryParam("access_token", token).
		SetResult(&acct).
		Get(a.path("me"))
	if err != nil {
		return nil, &models.ProviderError{Platform: a.platform, Detail: "account lookup failed", Err: err}
	}
	if resp.IsError() {
		perr := a.providerError(resp)
		if resp.StatusCode() == 401 || resp.StatusCode() == 403 || isTokenError(resp) {
			return nil, fmt.Errorf("%w: %v", models.ErrAuthenticationFailure, perr)
		}
		return nil, perr
	}

	externalID, name := acct.ID, acct.Name
	if a.platform == models.PlatformInstagram {
		if acct.InstagramBusinessAccount == nil || acct.InstagramBusinessAccount.ID == "" {
			return nil, fmt.Errorf("%w: page %s has no linked Instagram business account", models.ErrConfiguration, acct.ID)
		}
		externalID = acct.InstagramBusinessAccount.ID
		if acct.InstagramBusinessAccount.Username != "" {
			name = acct.InstagramBusinessAccount.Username
		}
	}

	hooks.Ready(externalID, name)
	return &pageSession{adapter: a, channelID: ch.ID, token: token}, nil
}

func (a *Adapter) path(parts ...string) string {
	return "/" + a.version + "/" + strings.Join(parts, "/")
}

type graphError struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
		FBTraceID    string `json:"fbtrace_id"`
	} `json:"error"`
}

func (a *Adapter) providerError(resp *resty.Response) *models.ProviderError {
	var ge graphError
	detail := resp.String()
	if err := json.Unmarshal(resp.Body(), &ge); err == nil && ge.Error.Message != "" {
		detail = fmt.Sprintf("%s (code %d)", ge.Error.Message, ge.Error.Code)
	}
	return &models.ProviderError{Platform: a.platform, StatusCode: resp.StatusCode(), Detail: detail}
}

// Graph error code 190 is an invalid or expired access token.
func isTokenError(resp *resty.Response) bool {
	var ge graphError
	return json.Unmarshal(resp.Body(), &ge) == nil && ge.Error.Code == 190
}

// Profile fetches the display name and picture of a contact. Failures are
// logged and yield an empty profile.
func (a *Adapter) Profile(ctx context.Context, token, contactID string) models.ContactMeta {
	key := string(a.platform) + ":" + contactID
	if v, ok := a.profiles.Get(key); ok {
		return v.(models.ContactMeta)
	}
	if token == "" {
		return models.ContactMeta{}
	}

	fields := "first_name,last_name,profile_pic"
	if a.platform == models.PlatformInstagram {
		fields = "name,username,profile_pic"
	}
	var p struct {
		FirstName  string `json:"first_name"`
		LastName   string `json:"last_name"`
		Name       string `json:"name"`
		Username   string `json:"username"`
		ProfilePic string `json:"profile_pic"`
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetQueryParam("fields", fields).
		SetQueryParam("access_token", token).
		SetResult(&p).
		Get(a.path(contactID))
	if err != nil || resp.IsError() {
		status := 0
		if resp != nil {
			status = resp.StatusCode()
		}
		log.Debug().Err(err).Int("statusCode", status).Str("contactID", contactID).Msg("Contact profile unavailable")
		return models.ContactMeta{}
	}

	name := strings.TrimSpace(p.FirstName + " " + p.LastName)
	if name == "" {
		name = p.Name
	}
	if name == "" {
		name = p.Username
	}
	meta := models.ContactMeta{Name: name, Avatar: p.ProfilePic}
	a.profiles.SetDefault(key, meta)
	return meta
}

// pageSession sends through the Send API with one page token.
type pageSession struct {
	adapter   *Adapter
	channelID string
	token     string
}

type sendResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

func (s *pageSession) Send(ctx context.Context, recipient string, out session.Outbound) (string, error) {
	a := s.adapter
	if recipient == "" {
		return "", fmt.Errorf("%w: empty recipient", models.ErrInvalidInput)
	}

	message := map[string]any{}
	if out.MediaRef != "" {
		attachment, err := s.attachment(ctx, out)
		if err != nil {
			return "", err
		}
		message["attachment"] = attachment
	} else {
		if strings.TrimSpace(out.Body) == "" {
			return "", fmt.Errorf("%w: empty message body", models.ErrInvalidInput)
		}
		message["text"] = out.Body
	}

	var result sendResponse
	resp, err := a.http.R().
		SetContext(ctx).
		SetQueryParam("access_token", s.token).
		SetBody(map[string]any{
			"recipient":      map[string]string{"id": recipient},
			"messaging_type": "RESPONSE",
			"message":        message,
		}).
		SetResult(&result).
		Post(a.path("me", "messages"))
	if err != nil {
		return "", &models.ProviderError{Platform: a.platform, Detail: "send request failed", Err: err}
	}
	if resp.IsError() {
		perr := a.providerError(resp)
		log.Error().
			Str("channelID", s.channelID).
			Str("recipient", recipient).
			Int("statusCode", resp.StatusCode()).
			Str("detail", perr.Detail).
			Msg("Graph API rejected message")
		return "", perr
	}

	// Captions are not part of attachment messages; send them as a follow-up.
	if out.MediaRef != "" && strings.TrimSpace(out.Body) != "" {
		if _, err := s.Send(ctx, recipient, session.Outbound{Body: out.Body, ContentType: models.ContentText}); err != nil {
			log.Warn().Err(err).Str("channelID", s.channelID).Msg("Caption send failed after attachment")
		}
	}

	log.Debug().Str("channelID", s.channelID).Str("messageID", result.MessageID).Msg("Message sent via Graph API")
	return result.MessageID, nil
}

// attachment builds the attachment object. URLs are passed by reference;
// inline data is uploaded first through the attachment upload API.
func (s *pageSession) attachment(ctx context.Context, out session.Outbound) (map[string]any, error) {
	kind := attachmentType(out.ContentType)
	if strings.HasPrefix(out.MediaRef, "http://") || strings.HasPrefix(out.MediaRef, "https://") {
		return map[string]any{
			"type":    kind,
			"payload": map[string]any{"url": out.MediaRef, "is_reusable": true},
		}, nil
	}
	if s.adapter.media == nil {
		return nil, fmt.Errorf("%w: inline media needs a media store", models.ErrInvalidInput)
	}

	data, mime, err := s.adapter.media.Load(ctx, out.MediaRef)
	if err != nil {
		return nil, err
	}
	if out.ContentType == "" || out.ContentType == models.ContentText {
		kind = attachmentType(models.ContentTypeFromMIME(mime))
	}

	id, err := s.upload(ctx, kind, data, mime)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"type":    kind,
		"payload": map[string]any{"attachment_id": id},
	}, nil
}

func (s *pageSession) upload(ctx context.Context, kind string, data []byte, mime string) (string, error) {
	a := s.adapter
	var result struct {
		AttachmentID string `json:"attachment_id"`
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetQueryParam("access_token", s.token).
		SetMultipartFormData(map[string]string{
			"message": fmt.Sprintf(`{"attachment":{"type":%q,"payload":{"is_reusable":true}}}`, kind),
		}).
		SetMultipartField("filedata", "upload"+media.Extension(mime), mime, bytes.NewReader(data)).
		SetResult(&result).
		Post(a.path("me", "message_attachments"))
	if err != nil {
		return "", &models.ProviderError{Platform: a.platform, Detail: "attachment upload failed", Err: err}
	}
	if resp.IsError() {
		return "", a.providerError(resp)
	}
	return result.AttachmentID, nil
}

// Teardown has nothing to release; page tokens are stateless.
func (s *pageSession) Teardown(context.Context, bool) error { return nil }

func attachmentType(ct models.ContentType) string {
	switch ct {
	case models.ContentImage, models.ContentSticker:
		return "image"
	case models.ContentVideo:
		return "video"
	case models.ContentAudio:
		return "audio"
	}
	return "file"
}
