package notify

import (
	"context"
	"fmt"
	"sync"

	"crypto-futures-trader/internal/model"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Notifier 推送交易事件，实现不能阻塞决策循环
type Notifier interface {
	Notify(msg string)
}

// Nop 丢弃所有消息
type Nop struct{}

func (Nop) Notify(string) {}

// sender 是 tgbotapi.BotAPI 中用到的部分
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram 异步发送，队列满时丢弃
type Telegram struct {
	bot    sender
	chatID int64
	queue  chan string
	logger *zap.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewTelegram 创建 bot 并启动发送协程
func NewTelegram(token string, chatID int64, logger *zap.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: init bot: %w", err)
	}
	if logger != nil {
		logger.Info("Telegram bot authorized", zap.String("account", bot.Self.UserName))
	}
	return newTelegram(bot, chatID, 64, logger), nil
}

func newTelegram(bot sender, chatID int64, buffer int, logger *zap.Logger) *Telegram {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Telegram{
		bot:    bot,
		chatID: chatID,
		queue:  make(chan string, buffer),
		logger: logger.With(zap.String("component", "telegram")),
	}
	t.wg.Add(1)
	go t.loop()
	return t
}

// Notify 非阻塞入队
func (t *Telegram) Notify(msg string) {
	select {
	case t.queue <- msg:
	default:
		t.logger.Warn("Notification queue full, dropping message")
	}
}

func (t *Telegram) loop() {
	defer t.wg.Done()
	for msg := range t.queue {
		if _, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, msg)); err != nil {
			t.logger.Warn("Failed to send Telegram message", zap.Error(err))
		}
	}
}

// Close 发送完队列中剩余消息后返回，或在 ctx 结束时放弃等待
func (t *Telegram) Close(ctx context.Context) {
	t.stopOnce.Do(func() { close(t.queue) })

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// OpenedMessage 开仓消息
func OpenedMessage(p model.Position) string {
	return fmt.Sprintf("OPEN %s %s\nentry: %.6g qty: %.6g x%d\nSL: %.6g TP: %.6g\n%s",
		p.Side, p.Symbol, p.EntryPrice, p.Quantity, p.Leverage, p.StopLossPrice, p.TakeProfitPrice, p.EntryReason)
}

// ClosedMessage 平仓消息
func ClosedMessage(p model.Position) string {
	return fmt.Sprintf("CLOSE %s %s [%s]\nentry: %.6g exit: %.6g\nPnL: %.4f USDT",
		p.Side, p.Symbol, p.CloseReason, p.EntryPrice, p.ExitPrice, p.RealizedPnL)
}
