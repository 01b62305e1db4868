package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"tragatelo/api/internal/apperrors"
)

// telegramFile is an uploaded photo or document. Nothing is downloaded until
// Open, so the encoder can reject it on its declared type and size first.
type telegramFile struct {
	bot    Sender
	httpc  *http.Client
	fileID string
	name   string
	mime   string
	size   int64
}

func (f *telegramFile) Name() string     { return f.name }
func (f *telegramFile) MIMEType() string { return f.mime }
func (f *telegramFile) Size() int64      { return f.size }

func (f *telegramFile) Open(ctx context.Context) (io.ReadCloser, error) {
	link, err := f.bot.GetFileDirectURL(f.fileID)
	if err != nil {
		return nil, apperrors.NewTransport(apperrors.CauseNetwork, 0, fmt.Errorf("resolve telegram file: %w", stripURL(err)))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.httpc.Do(req)
	if err != nil {
		cause := apperrors.CauseNetwork
		if errors.Is(err, context.DeadlineExceeded) {
			cause = apperrors.CauseTimeout
		}
		return nil, apperrors.NewTransport(cause, 0, fmt.Errorf("download telegram file %s: %w", f.fileID, stripURL(err)))
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, apperrors.NewTransport(apperrors.TransportCauseForStatus(resp.StatusCode), resp.StatusCode,
			fmt.Errorf("download telegram file %s: status %d", f.fileID, resp.StatusCode))
	}
	return resp.Body, nil
}

// photoFile picks the largest size Telegram offers.
func (r *Router) photoFile(sizes []tgbotapi.PhotoSize) *telegramFile {
	ph := sizes[len(sizes)-1]
	return &telegramFile{
		bot:    r.bot,
		httpc:  r.httpc,
		fileID: ph.FileID,
		name:   ph.FileUniqueID + ".jpg",
		mime:   "image/jpeg",
		size:   int64(ph.FileSize),
	}
}

func (r *Router) documentFile(doc *tgbotapi.Document) *telegramFile {
	name := doc.FileName
	if strings.TrimSpace(name) == "" {
		name = doc.FileUniqueID
	}
	return &telegramFile{
		bot:    r.bot,
		httpc:  r.httpc,
		fileID: doc.FileID,
		name:   name,
		mime:   doc.MimeType,
		size:   int64(doc.FileSize),
	}
}

// stripURL drops the request URL, which embeds the bot token.
func stripURL(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}
