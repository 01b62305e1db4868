// Package telegram serves the product scanner as a Telegram bot: photos and
// image documents are the upload source and results come back as grade cards.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	"tragatelo/api/internal/analysis"
	"tragatelo/api/internal/encode"
	"tragatelo/api/internal/flow"
	"tragatelo/api/internal/logger"
)

const (
	cbModePrefix = "mode:"
	cbRetry      = "retry"
	cbCancel     = "cancel"
)

const (
	helpText = "Envíame una foto del código de barras o de la etiqueta de ingredientes de un producto " +
		"y te diré qué tan saludable es, con una nota de la A a la E.\n\n" +
		"Comandos:\n/mode barcode | ingredients: qué debo leer en la foto\n/cancel: cancelar el análisis en curso\n/help: esta ayuda"
	busyText         = "⏳ Ya estoy analizando una imagen. Espera el resultado o usa /cancel."
	cancelledText    = "Análisis cancelado."
	nothingToRetry   = "No hay ninguna imagen para reintentar. Envíame una foto del producto."
	unknownModeText  = "Modo desconocido. Usa /mode barcode o /mode ingredients."
	unknownCmdText   = "Comando desconocido. Usa /help."
	sendPhotoText    = "Envíame una foto del producto 📷"
	photoAcceptedFmt = "🔎 Foto recibida. Analizando %s…"
)

// Sender is the part of *tgbotapi.BotAPI the router needs.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
}

type Options struct {
	MaxUploadBytes int64
	MinPayloadLen  int
	// ChatTTL is how long an idle chat keeps its mode and last image.
	ChatTTL    time.Duration
	HTTPClient *http.Client
}

type Router struct {
	bot      Sender
	analyzer flow.Analyzer
	encoder  *encode.Encoder
	httpc    *http.Client
	chats    *chatFlows

	wg sync.WaitGroup
}

func NewRouter(bot Sender, a flow.Analyzer, opts Options) *Router {
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 60 * time.Second}
	}
	r := &Router{
		bot:      bot,
		analyzer: a,
		encoder:  encode.NewEncoder(opts.MaxUploadBytes, opts.MinPayloadLen),
		httpc:    httpc,
	}
	r.chats = newChatFlows(opts.ChatTTL, r.newFlow)
	return r
}

func (r *Router) newFlow(chatID int64) *flow.Flow {
	p := &chatPresenter{bot: r.bot, chatID: chatID}
	p.flow = flow.New(flow.Config{
		Encoder:   r.encoder,
		Analyzer:  r.analyzer,
		Presenter: p,
	})
	return p.flow
}

// HandleUpdate dispatches one update. Analyses run in the background; use
// Wait to drain them.
func (r *Router) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	if upd.CallbackQuery != nil {
		r.handleCallback(ctx, upd.CallbackQuery)
		return
	}
	msg := upd.Message
	if msg == nil || msg.Chat == nil {
		return
	}
	cid := msg.Chat.ID

	switch {
	case msg.IsCommand():
		r.handleCommand(cid, msg.Command(), msg.CommandArguments())
	case len(msg.Photo) > 0:
		r.accept(ctx, cid, r.photoFile(msg.Photo))
	case msg.Document != nil:
		r.accept(ctx, cid, r.documentFile(msg.Document))
	default:
		r.send(cid, sendPhotoText)
	}
}

// Wait blocks until every background analysis has finished.
func (r *Router) Wait() { r.wg.Wait() }

// Close discards every chat's state and cancels anything in flight.
func (r *Router) Close() { r.chats.closeAll() }

func (r *Router) handleCommand(cid int64, cmd, args string) {
	switch cmd {
	case "start":
		r.sendWithKeyboard(cid, "¡Hola! Soy Trágatelo 🍏\n\n"+helpText, modeKeyboard(r.chats.get(cid).Mode()))
	case "help":
		r.send(cid, helpText)
	case "health":
		r.send(cid, "✅ OK")
	case "mode":
		arg := strings.TrimSpace(args)
		if arg == "" {
			cur := r.chats.get(cid).Mode()
			r.sendWithKeyboard(cid, "Modo actual: "+modeLabels[cur]+".", modeKeyboard(cur))
			return
		}
		r.setMode(cid, arg)
	case "cancel":
		if f, ok := r.chats.peek(cid); ok {
			f.Cancel()
		}
		r.send(cid, cancelledText)
	default:
		r.send(cid, unknownCmdText)
	}
}

func (r *Router) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	_, _ = r.bot.Request(tgbotapi.NewCallback(cb.ID, "")) // ack
	if cb.Message == nil || cb.Message.Chat == nil {
		return
	}
	cid := cb.Message.Chat.ID

	switch data := cb.Data; {
	case strings.HasPrefix(data, cbModePrefix):
		r.setMode(cid, strings.TrimPrefix(data, cbModePrefix))
	case data == cbRetry:
		r.run(ctx, cid, func(ctx context.Context, f *flow.Flow) error {
			_, err := f.Retry(ctx)
			return err
		})
	case data == cbCancel:
		if f, ok := r.chats.peek(cid); ok {
			f.Cancel()
		}
		r.send(cid, cancelledText)
	}
}

var modeAliases = map[string]analysis.Mode{
	"codigo":       analysis.ModeBarcode,
	"código":       analysis.ModeBarcode,
	"barras":       analysis.ModeBarcode,
	"ingredientes": analysis.ModeIngredients,
}

func (r *Router) setMode(cid int64, arg string) {
	mode, err := analysis.ParseMode(arg)
	if err != nil {
		alias, ok := modeAliases[strings.ToLower(strings.TrimSpace(arg))]
		if !ok {
			r.send(cid, unknownModeText)
			return
		}
		mode = alias
	}
	switch err := r.chats.get(cid).SetMode(mode); {
	case errors.Is(err, flow.ErrBusy):
		r.send(cid, busyText)
	case err != nil:
		r.send(cid, unknownModeText)
	default:
		r.send(cid, "✅ Modo: "+modeLabels[mode]+". Envíame la foto.")
	}
}

func (r *Router) accept(ctx context.Context, cid int64, file encode.File) {
	f := r.chats.get(cid)
	if f.Busy() {
		r.send(cid, busyText)
		return
	}
	r.send(cid, fmt.Sprintf(photoAcceptedFmt, modeLabels[f.Mode()]))
	r.run(ctx, cid, func(ctx context.Context, f *flow.Flow) error {
		_, err := f.Upload(ctx, file)
		return err
	})
}

// run executes fn on the chat's flow in the background. Analysis failures
// reach the chat through the flow's presenter; only flow-state refusals are
// answered here.
func (r *Router) run(ctx context.Context, cid int64, fn func(context.Context, *flow.Flow) error) {
	f := r.chats.get(cid)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := fn(ctx, f)
		switch {
		case err == nil:
		case errors.Is(err, flow.ErrBusy):
			r.send(cid, busyText)
		case errors.Is(err, flow.ErrNothingToRetry):
			r.send(cid, nothingToRetry)
		case errors.Is(err, flow.ErrStale), errors.Is(err, flow.ErrClosed):
		default:
			logger.WithFields(logrus.Fields{"chat": cid, "flow": f.ID}).WithError(err).Debug("chat request failed")
		}
	}()
}

func (r *Router) send(chatID int64, text string) {
	if _, err := r.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		logger.WithError(err).WithField("chat", chatID).Error("send message")
	}
}

func (r *Router) sendWithKeyboard(chatID int64, text string, kb tgbotapi.InlineKeyboardMarkup) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = kb
	if _, err := r.bot.Send(msg); err != nil {
		logger.WithError(err).WithField("chat", chatID).Error("send message")
	}
}
