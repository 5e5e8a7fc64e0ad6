package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"crypto-futures-trader/internal/model"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBot struct {
	mu    sync.Mutex
	texts []string
	block chan struct{}
	err   error
}

func (b *recordingBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if b.block != nil {
		<-b.block
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		b.texts = append(b.texts, msg.Text)
	}
	return tgbotapi.Message{}, b.err
}

func (b *recordingBot) sent() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.texts...)
}

func TestTelegramDeliversInOrder(t *testing.T) {
	bot := &recordingBot{}
	tg := newTelegram(bot, 1, 8, nil)

	tg.Notify("a")
	tg.Notify("b")
	tg.Close(context.Background())

	assert.Equal(t, []string{"a", "b"}, bot.sent())
}

func TestTelegramDropsWhenFull(t *testing.T) {
	bot := &recordingBot{block: make(chan struct{})}
	tg := newTelegram(bot, 1, 1, nil)

	start := time.Now()
	for i := 0; i < 10; i++ {
		tg.Notify("msg")
	}
	// 不阻塞调用方
	assert.Less(t, time.Since(start), time.Second)

	close(bot.block)
	tg.Close(context.Background())
	assert.LessOrEqual(t, len(bot.sent()), 2)
}

func TestTelegramSendErrorsAreSwallowed(t *testing.T) {
	bot := &recordingBot{err: errors.New("chat not found")}
	tg := newTelegram(bot, 1, 4, nil)
	tg.Notify("x")
	tg.Close(context.Background())
	require.Len(t, bot.sent(), 1)
}

func TestMessages(t *testing.T) {
	p := model.Position{
		Symbol: "BTCUSDT", Side: model.DirLong, EntryPrice: 1000, Quantity: 0.01, Leverage: 10,
		StopLossPrice: 985, TakeProfitPrice: 1040, ExitPrice: 985, RealizedPnL: -0.15, CloseReason: model.CloseStopLoss,
	}
	assert.Contains(t, OpenedMessage(p), "OPEN LONG BTCUSDT")
	assert.Contains(t, ClosedMessage(p), "[SL_HIT]")
	assert.Contains(t, ClosedMessage(p), "-0.1500")

	Nop{}.Notify("ignored")
}
