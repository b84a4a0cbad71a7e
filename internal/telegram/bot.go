// Package telegram hosts the workflow as a chat bot. Each chat owns one
// session; photos replace the image and commands drive the transitions.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	"github.com/menta2k/dish-counter/internal/config"
	"github.com/menta2k/dish-counter/internal/store"
	"github.com/menta2k/dish-counter/internal/utils"
	"github.com/menta2k/dish-counter/pkg/geometry"
	"github.com/menta2k/dish-counter/pkg/types"
	"github.com/menta2k/dish-counter/pkg/workflow"
)

const (
	msgCommands = `Commands:
/start - open the counter
/crop x y side - select a square region (/crop alone selects the whole image)
/model N - select a model (/model alone lists them)
/size N - detector input size
/conf F - confidence threshold
/nms F - NMS IoU threshold
/labels on|off - class labels on boxes
/detect - run detection
/status - current settings`

	msgNotStarted     = "Send /start first."
	msgNoImage        = "Send a photo of the dish first."
	msgBusy           = "A detection is already running, please wait."
	msgBadImage       = "Could not read that image. Try another photo."
	msgFailed         = "Detection failed. Try again later."
	msgUnknownCommand = "Unknown command. Use /help."
	msgSendPhoto      = "Send a photo of the dish or use /help."
)

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Bot is the telegram host
type Bot struct {
	api    *tgbotapi.BotAPI
	send   sender
	fetch  func(ctx context.Context, fileID string) ([]byte, error)
	engine *workflow.Engine
	store  store.Store
	texts  config.Texts
	log    logrus.FieldLogger
}

// NewBot authorizes with token
func NewBot(cfg config.TelegramConfig, engine *workflow.Engine, st store.Store, texts config.Texts, log logrus.FieldLogger) (*Bot, error) {
	if cfg.Token == "" {
		return nil, &config.ConfigurationError{Msg: "telegram token is required"}
	}
	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	api.Debug = cfg.Debug
	if log == nil {
		log = logrus.StandardLogger()
	}
	log.WithField("account", api.Self.UserName).Info("telegram bot authorized")

	b := newBot(api, engine, st, texts, log)
	b.api = api
	b.fetch = b.downloadFile
	return b, nil
}

func newBot(s sender, engine *workflow.Engine, st store.Store, texts config.Texts, log logrus.FieldLogger) *Bot {
	return &Bot{send: s, engine: engine, store: st, texts: texts, log: log}
}

// Run processes updates until ctx is done
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)
	defer b.api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			b.handleMessage(ctx, update.Message)
		}
	}
}

func sessionID(chatID int64) string {
	return "tg:" + strconv.FormatInt(chatID, 10)
}

func (b *Bot) session(ctx context.Context, chatID int64) (*workflow.Session, error) {
	s, err := b.store.Get(ctx, sessionID(chatID))
	if errors.Is(err, store.ErrNotFound) {
		return workflow.NewSession(sessionID(chatID)), nil
	}
	return s, err
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	log := b.log.WithField("session", sessionID(chatID))

	sess, err := b.session(ctx, chatID)
	if err != nil {
		log.WithError(err).Error("load session")
		b.sendText(chatID, msgFailed)
		return
	}

	var next *workflow.Session
	var out []tgbotapi.Chattable
	switch {
	case msg.IsCommand():
		next, out, err = b.handleCommand(ctx, sess, chatID, msg.Command(), msg.CommandArguments())
	case len(msg.Photo) > 0:
		next, out, err = b.handleImage(ctx, sess, chatID, msg.Photo[len(msg.Photo)-1].FileID, workflow.SourceCamera)
	case msg.Document != nil && strings.HasPrefix(msg.Document.MimeType, "image/"):
		next, out, err = b.handleImage(ctx, sess, chatID, msg.Document.FileID, workflow.SourceUpload)
	default:
		out = []tgbotapi.Chattable{tgbotapi.NewMessage(chatID, msgSendPhoto)}
	}
	if err != nil {
		log.WithError(err).Debug("transition rejected")
		b.sendText(chatID, b.errorText(err))
		return
	}

	if next != nil {
		if err := b.store.Save(ctx, next); err != nil {
			log.WithError(err).Error("save session")
			b.sendText(chatID, msgFailed)
			return
		}
	}
	for _, c := range out {
		if _, err := b.send.Send(c); err != nil {
			log.WithError(err).Error("send reply")
		}
	}
}

func (b *Bot) handleImage(ctx context.Context, sess *workflow.Session, chatID int64, fileID string, src workflow.Source) (*workflow.Session, []tgbotapi.Chattable, error) {
	if sess.Page != workflow.PageApp {
		return nil, nil, workflow.ErrNotStarted
	}
	data, err := b.fetch(ctx, fileID)
	if err != nil {
		return nil, nil, err
	}
	next, err := b.engine.Upload(sess, data, src)
	if err != nil {
		return nil, nil, err
	}
	text := fmt.Sprintf("Image received: %dx%d, %s. Model: %s.\nSelect a region with /crop or run /detect.",
		next.Width, next.Height, utils.FormatFileSize(int64(len(data))), b.engine.View(next).ModelLabel)
	return next, []tgbotapi.Chattable{tgbotapi.NewMessage(chatID, text)}, nil
}

func (b *Bot) handleCommand(ctx context.Context, sess *workflow.Session, chatID int64, cmd, args string) (*workflow.Session, []tgbotapi.Chattable, error) {
	reply := func(text string) []tgbotapi.Chattable {
		return []tgbotapi.Chattable{tgbotapi.NewMessage(chatID, text)}
	}
	fields := strings.Fields(args)

	switch cmd {
	case "start":
		next, err := b.engine.Start(sess)
		if err != nil {
			return nil, nil, err
		}
		return next, reply(b.texts.Title + "\n\n" + b.texts.Welcome + "\n\n" + msgCommands), nil

	case "help":
		return nil, reply(msgCommands), nil

	case "status":
		return nil, reply(b.status(sess)), nil

	case "crop":
		sel, err := parseCrop(fields)
		if err != nil {
			return nil, nil, err
		}
		next, err := b.engine.SetSelection(sess, sel)
		if err != nil {
			return nil, nil, err
		}
		if next.Selection == nil {
			return next, reply("Whole image selected."), nil
		}
		s := next.Selection
		return next, reply(fmt.Sprintf("Selected %dx%d at %d,%d.", s.Width, s.Height, s.X, s.Y)), nil

	case "model":
		if len(fields) == 0 {
			return nil, reply(b.modelList(sess)), nil
		}
		n, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, nil, fmt.Errorf("%w: model must be a number", workflow.ErrUnknownModel)
		}
		next, err := b.engine.SelectModel(sess, n-1)
		if err != nil {
			return nil, nil, err
		}
		return next, reply(b.status(next)), nil

	case "size", "conf", "nms", "labels":
		p, err := parseParam(sess.Params, cmd, fields)
		if err != nil {
			return nil, nil, err
		}
		next, err := b.engine.SetParams(sess, p)
		if err != nil {
			return nil, nil, err
		}
		return next, reply(b.status(next)), nil

	case "detect":
		next, err := b.engine.Detect(ctx, sess)
		if err != nil {
			return nil, nil, err
		}
		caption := fmt.Sprintf(b.texts.Success, next.Count)
		file := tgbotapi.FileBytes{Name: utils.SanitizeFilename(next.ArtifactName), Bytes: next.Artifact}
		photo := tgbotapi.NewPhoto(chatID, file)
		photo.Caption = caption
		doc := tgbotapi.NewDocument(chatID, file)
		doc.Caption = b.texts.DownloadHelp
		return next, []tgbotapi.Chattable{photo, doc}, nil
	}
	return nil, reply(msgUnknownCommand), nil
}

func (b *Bot) status(sess *workflow.Session) string {
	v := b.engine.View(sess)
	labels := "off"
	if v.Params.ShowLabels {
		labels = "on"
	}
	return fmt.Sprintf("Model: %s\nInput size: %d\nConfidence: %.2f\nNMS: %.2f\nLabels: %s",
		v.ModelLabel, v.Params.InputSize, v.Params.Confidence, v.Params.NMS, labels)
}

func (b *Bot) modelList(sess *workflow.Session) string {
	var sb strings.Builder
	sb.WriteString(b.texts.ModelHelp + ":\n")
	for i, m := range b.engine.Models() {
		mark := " "
		if i == sess.ModelIndex {
			mark = "*"
		}
		fmt.Fprintf(&sb, "%s %d. %s\n", mark, i+1, m.Label)
	}
	return sb.String()
}

func (b *Bot) errorText(err error) string {
	var decodeErr *geometry.DecodeError
	switch {
	case errors.Is(err, workflow.ErrNotStarted):
		return msgNotStarted
	case errors.Is(err, workflow.ErrNoImage):
		return msgNoImage
	case errors.Is(err, workflow.ErrBusy):
		return msgBusy
	case errors.As(err, &decodeErr):
		return msgBadImage
	case errors.Is(err, workflow.ErrInvalidParams), errors.Is(err, workflow.ErrInvalidSelection),
		errors.Is(err, workflow.ErrUnknownModel):
		return err.Error()
	default:
		return msgFailed
	}
}

// parseCrop accepts "", "x y side" or "x y w h"
func parseCrop(fields []string) (*types.Selection, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	if len(fields) != 3 && len(fields) != 4 {
		return nil, fmt.Errorf("%w: use /crop x y side or /crop x y w h", workflow.ErrInvalidSelection)
	}
	v := make([]int, len(fields))
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a number", workflow.ErrInvalidSelection, f)
		}
		v[i] = n
	}
	sel := &types.Selection{X: v[0], Y: v[1], Width: v[2], Height: v[2]}
	if len(v) == 4 {
		sel.Height = v[3]
	}
	return sel, nil
}

func parseParam(p types.RunParams, cmd string, fields []string) (types.RunParams, error) {
	if len(fields) != 1 {
		return p, fmt.Errorf("%w: /%s takes one value", workflow.ErrInvalidParams, cmd)
	}
	arg := fields[0]
	switch cmd {
	case "size":
		n, err := strconv.Atoi(arg)
		if err != nil {
			return p, fmt.Errorf("%w: input size %q", workflow.ErrInvalidParams, arg)
		}
		p.InputSize = n
	case "conf", "nms":
		f, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return p, fmt.Errorf("%w: threshold %q", workflow.ErrInvalidParams, arg)
		}
		if cmd == "conf" {
			p.Confidence = f
		} else {
			p.NMS = f
		}
	case "labels":
		switch strings.ToLower(arg) {
		case "on", "true", "1":
			p.ShowLabels = true
		case "off", "false", "0":
			p.ShowLabels = false
		default:
			return p, fmt.Errorf("%w: /labels on|off", workflow.ErrInvalidParams)
		}
	}
	return p, nil
}

// downloadFile fetches a file from telegram
func (b *Bot) downloadFile(ctx context.Context, fileID string) ([]byte, error) {
	url, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	resp, err := resty.New().R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("download file: status %d", resp.StatusCode())
	}
	return resp.Body(), nil
}

func (b *Bot) sendText(chatID int64, text string) {
	if _, err := b.send.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		b.log.WithError(err).Error("send message")
	}
}
