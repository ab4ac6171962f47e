package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/speedwagon-io/relaywatch/internal/model"
	"github.com/speedwagon-io/relaywatch/internal/remediation"
)

type messageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type TelegramNotifier struct {
	log      *slog.Logger
	bot      messageSender
	chatID   int64
	throttle time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time
	now      func() time.Time
}

func NewTelegramNotifier(log *slog.Logger, token string, chatID int64, timeout, throttle time.Duration) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	log.Info("telegram bot authorized", slog.String("username", bot.Self.UserName))
	return newTelegramNotifier(log, bot, chatID, throttle), nil
}

func newTelegramNotifier(log *slog.Logger, bot messageSender, chatID int64, throttle time.Duration) *TelegramNotifier {
	return &TelegramNotifier{
		log:      log,
		bot:      bot,
		chatID:   chatID,
		throttle: throttle,
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}
}

func (n *TelegramNotifier) IncidentOpened(_ context.Context, unit *model.Unit, incident *model.Incident) error {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("🚨 <b>%s</b>: %s\n", esc(unit.DisplayName()), esc(string(incident.Type))))
	sb.WriteString(fmt.Sprintf("<b>Since:</b> %s\n", incident.StartedAt.Format("2006-01-02 15:04:05")))
	if incident.Description != "" {
		sb.WriteString(esc(incident.Description))
	}
	return n.send(sb.String())
}

func (n *TelegramNotifier) IncidentResolved(_ context.Context, unit *model.Unit, incidentType model.IncidentType) error {
	return n.send(fmt.Sprintf("✅ <b>%s</b>: %s resolved", esc(unit.DisplayName()), esc(string(incidentType))))
}

// Remediated reports attempts always and refusals at most once per throttle
// period per unit, since a rate-limited unit is refused every cycle.
func (n *TelegramNotifier) Remediated(_ context.Context, outcome remediation.Outcome) error {
	if !outcome.Attempted {
		if n.throttled(outcome.UnitID + "/" + string(outcome.Reason)) {
			n.log.Debug("throttling remediation notice", slog.String("unit_id", outcome.UnitID))
			return nil
		}
		return n.send(fmt.Sprintf("⏸ <b>%s</b>: restart skipped (%s)\n%s",
			esc(outcome.UnitName), esc(string(outcome.Reason)), esc(outcome.Message)))
	}

	icon, verb := "🔧", "restarted"
	if !outcome.Succeeded {
		icon, verb = "❌", "restart failed"
	}
	return n.send(fmt.Sprintf("%s <b>%s</b>: %s via %s\n%s",
		icon, esc(outcome.UnitName), verb, esc(outcome.Method), esc(outcome.Message)))
}

func (n *TelegramNotifier) throttled(key string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	if last, ok := n.lastSent[key]; ok && now.Sub(last) < n.throttle {
		return true
	}
	n.lastSent[key] = now
	return false
}

func (n *TelegramNotifier) send(text string) error {
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = "HTML"
	msg.DisableWebPagePreview = true

	if _, err := n.bot.Send(msg); err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}

func esc(s string) string {
	return html.EscapeString(s)
}
