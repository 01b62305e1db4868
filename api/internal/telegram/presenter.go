package telegram

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"tragatelo/api/internal/analysis"
	"tragatelo/api/internal/apperrors"
	"tragatelo/api/internal/flow"
	"tragatelo/api/internal/logger"
)

// chatPresenter delivers flow results to one chat.
type chatPresenter struct {
	bot    Sender
	chatID int64
	flow   *flow.Flow
}

func (p *chatPresenter) Present(out analysis.Outcome) {
	msg := tgbotapi.NewMessage(p.chatID, RenderCard(out.Analysis))
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.ReplyMarkup = resultKeyboard(out.Mode)
	if _, err := p.bot.Send(msg); err != nil {
		// a card Telegram refuses to parse is still worth showing unformatted
		logger.WithError(err).WithField("chat", p.chatID).Warn("send result card, retrying as plain text")
		msg.ParseMode = ""
		if _, err := p.bot.Send(msg); err != nil {
			logger.WithError(err).WithField("chat", p.chatID).Error("send result card")
		}
	}
}

func (p *chatPresenter) Fail(err error) {
	msg := tgbotapi.NewMessage(p.chatID, "❌ "+apperrors.UserMessage(err))
	if retryable(err) && p.flow != nil && p.flow.CanRetry() {
		msg.ReplyMarkup = retryKeyboard()
	}
	if _, sendErr := p.bot.Send(msg); sendErr != nil {
		logger.WithError(sendErr).WithField("chat", p.chatID).Error("send failure message")
	}
}

func (p *chatPresenter) Stage(s flow.Stage) {
	if s != flow.StageAnalyzing {
		return
	}
	// chat actions answer true, not a Message, so Request instead of Send
	_, _ = p.bot.Request(tgbotapi.NewChatAction(p.chatID, tgbotapi.ChatTyping))
}

// retryable reports whether analyzing the same image again can succeed.
func retryable(err error) bool {
	switch apperrors.KindOf(err) {
	case apperrors.KindTransport:
		return apperrors.CauseOf(err) != apperrors.CauseForbidden
	case apperrors.KindEmptyResponse, apperrors.KindUnparsableResponse:
		return true
	}
	return false
}
