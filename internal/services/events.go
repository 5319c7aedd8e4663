package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/maqalati/server/config"
	"github.com/maqalati/server/internal/mq"
	"github.com/maqalati/server/types"
	"github.com/rs/zerolog"
)

// Account event types.
const (
	EventRegistered  = "account.registered"
	EventActivated   = "account.activated"
	EventSuspended   = "account.suspended"
	EventBanned      = "account.banned"
	EventRoleChanged = "account.role_changed"
)

// AccountEvent is published for the mailer and other consumers.
type AccountEvent struct {
	Type            string     `json:"type"`
	UserID          int64      `json:"user_id"`
	Username        string     `json:"username"`
	Email           string     `json:"email"`
	FullName        string     `json:"full_name,omitempty"`
	Role            types.Role `json:"role,omitempty"`
	ActivationToken string     `json:"activation_token,omitempty"`
	ActivationURL   string     `json:"activation_url,omitempty"`
	OccurredAt      time.Time  `json:"occurred_at"`
}

// Publisher is the subset of mq.Backend used to emit events.
type Publisher interface {
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
}

// AccountEvents publishes account lifecycle events. Without a broker the
// events are only logged.
type AccountEvents struct {
	pub     Publisher
	channel string
	siteURL string
	logger  zerolog.Logger
	now     func() time.Time
}

// NewAccountEvents accepts a nil publisher.
func NewAccountEvents(pub Publisher, cfg config.MQConfig, site config.SiteConfig, logger zerolog.Logger) *AccountEvents {
	return &AccountEvents{
		pub:     pub,
		channel: cfg.Channel,
		siteURL: site.URL,
		logger:  logger,
		now:     time.Now,
	}
}

// ActivationURL is the link mailed to a newly registered user.
func (e *AccountEvents) ActivationURL(token string) string {
	return e.siteURL + "/auth/activate?token=" + url.QueryEscape(token)
}

func (e *AccountEvents) Publish(ctx context.Context, ev AccountEvent) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = e.now().UTC()
	}
	if ev.ActivationToken != "" && ev.ActivationURL == "" {
		ev.ActivationURL = e.ActivationURL(ev.ActivationToken)
	}

	if e.pub == nil {
		e.logger.Info().
			Str("event", ev.Type).
			Int64("user_id", ev.UserID).
			Msg("account event (no broker configured)")
		return nil
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Type, err)
	}
	id, err := e.pub.Publish(ctx, e.channel, data, map[string]string{
		mq.AttrEvent: ev.Type,
		"user_id":    strconv.FormatInt(ev.UserID, 10),
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	e.logger.Debug().Str("event", ev.Type).Str("message_id", id).Msg("account event published")
	return nil
}

// DecodeAccountEvent parses a message published by AccountEvents.
func DecodeAccountEvent(msg mq.Message) (AccountEvent, error) {
	var ev AccountEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		return AccountEvent{}, fmt.Errorf("decode account event %s: %w", msg.ID, err)
	}
	return ev, nil
}

func eventFor(typ string, u types.User) AccountEvent {
	return AccountEvent{
		Type:     typ,
		UserID:   u.ID,
		Username: u.Username,
		Email:    u.Email,
		FullName: u.FullName,
		Role:     u.Role,
	}
}
