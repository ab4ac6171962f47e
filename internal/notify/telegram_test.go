package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/speedwagon-io/relaywatch/internal/lib/logger/sl"
	"github.com/speedwagon-io/relaywatch/internal/model"
	"github.com/speedwagon-io/relaywatch/internal/remediation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBot struct {
	texts []string
	err   error
}

func (b *recordingBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		b.texts = append(b.texts, msg.Text)
	}
	return tgbotapi.Message{}, b.err
}

func TestTelegramIncidentMessages(t *testing.T) {
	bot := &recordingBot{}
	n := newTelegramNotifier(sl.NewDiscardLogger(), bot, 42, time.Minute)
	unit := &model.Unit{ID: "relay-01", Name: "North <Hill>"}

	require.NoError(t, n.IncidentOpened(context.Background(), unit, &model.Incident{
		Type:        model.IncidentDown,
		StartedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Description: "no heartbeat for 200s (timeout: 180s)",
	}))
	require.NoError(t, n.IncidentResolved(context.Background(), unit, model.IncidentDown))

	require.Len(t, bot.texts, 2)
	assert.Contains(t, bot.texts[0], "North &lt;Hill&gt;")
	assert.Contains(t, bot.texts[0], "2026-01-02 03:04:05")
	assert.Contains(t, bot.texts[1], "down resolved")
}

func TestTelegramThrottlesRefusals(t *testing.T) {
	bot := &recordingBot{}
	n := newTelegramNotifier(sl.NewDiscardLogger(), bot, 42, time.Minute)
	current := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return current }

	refused := remediation.Outcome{UnitID: "relay-01", UnitName: "Relay", Reason: remediation.ReasonRateLimited}
	require.NoError(t, n.Remediated(context.Background(), refused))
	require.NoError(t, n.Remediated(context.Background(), refused))
	assert.Len(t, bot.texts, 1)

	current = current.Add(2 * time.Minute)
	require.NoError(t, n.Remediated(context.Background(), refused))
	assert.Len(t, bot.texts, 2)

	attempted := remediation.Outcome{UnitID: "relay-01", UnitName: "Relay", Attempted: true, Method: "script", Message: "exit code 1"}
	require.NoError(t, n.Remediated(context.Background(), attempted))
	require.NoError(t, n.Remediated(context.Background(), attempted))
	require.Len(t, bot.texts, 4)
	assert.Contains(t, bot.texts[3], "restart failed via script")
}

func TestMultiJoinsErrors(t *testing.T) {
	failing := newTelegramNotifier(sl.NewDiscardLogger(), &recordingBot{err: errors.New("forbidden")}, 1, time.Minute)
	m := Multi{NewLogNotifier(sl.NewDiscardLogger()), failing}

	err := m.IncidentResolved(context.Background(), &model.Unit{ID: "u"}, model.IncidentDegraded)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "forbidden")
}
