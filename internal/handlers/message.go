package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"

	"github.com/friendlyfeed/friendlyfeed/internal/attachment"
	"github.com/friendlyfeed/friendlyfeed/internal/auth"
	"github.com/friendlyfeed/friendlyfeed/internal/blob"
	"github.com/friendlyfeed/friendlyfeed/internal/chat"
	"github.com/friendlyfeed/friendlyfeed/internal/message"
	"github.com/friendlyfeed/friendlyfeed/internal/metrics"
	"github.com/friendlyfeed/friendlyfeed/internal/session"
)

const defaultHeartbeat = 20 * time.Second

// ChatService is the chat control flow the handler drives.
type ChatService interface {
	SendText(ctx context.Context, sess session.Session, text string) (chat.TextResult, error)
	SendImage(ctx context.Context, sess session.Session, res attachment.Resource) (*attachment.Upload, error)
	History(ctx context.Context, sess session.Session) ([]message.Entry, error)
}

// SendMessageRequest is the body of POST /messages.
type SendMessageRequest struct {
	Text string `json:"text" validate:"required"`
}

// SendMessageResponse carries the key of the written message.
type SendMessageResponse struct {
	Key string `json:"key"`
}

// SendImageResponse carries the placeholder key and the upload state at
// the time the response was written.
type SendImageResponse struct {
	Key   string `json:"key"`
	State string `json:"state"`
}

// MessageHandler serves the signed-in user's message log.
type MessageHandler struct {
	chat      ChatService
	source    message.Subscriber
	metrics   *metrics.Metrics
	maxUpload int64
	heartbeat time.Duration
	logger    *slog.Logger
}

// NewMessageHandler creates a MessageHandler. source backs the per-stream
// feeds of the events endpoints; maxUpload bounds image uploads (0 uses
// blob.DefaultMaxBytes).
func NewMessageHandler(log *slog.Logger, chatService ChatService, source message.Subscriber, m *metrics.Metrics, maxUpload int64) *MessageHandler {
	if log == nil {
		log = slog.Default()
	}
	if maxUpload <= 0 {
		maxUpload = blob.DefaultMaxBytes
	}
	return &MessageHandler{
		chat:      chatService,
		source:    source,
		metrics:   m,
		maxUpload: maxUpload,
		heartbeat: defaultHeartbeat,
		logger:    log.With(slog.String("handler", "message")),
	}
}

// Register registers the message routes.
func (h *MessageHandler) Register(e *echo.Echo) {
	e.POST("/messages", h.SendMessage)
	e.POST("/messages/images", h.SendImage)
	e.GET("/messages", h.ListMessages)
	e.GET("/messages/events", h.StreamMessageEvents)
	e.GET("/messages/ws", h.StreamMessageSocket)
}

// SendMessage writes a text message and starts the bot reply.
func (h *MessageHandler) SendMessage(c echo.Context) error {
	sess, err := auth.SessionFromContext(c)
	if err != nil {
		return err
	}
	var req SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	res, err := h.chat.SendText(c.Request().Context(), sess, req.Text)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, SendMessageResponse{Key: res.Key})
}

// SendImage accepts a multipart "file" field holding an image, writes the
// placeholder message and uploads the bytes in the background.
func (h *MessageHandler) SendImage(c echo.Context) error {
	sess, err := auth.SessionFromContext(c)
	if err != nil {
		return err
	}
	if err := sess.Validate(); err != nil {
		return toHTTPError(err)
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	if fh.Size > h.maxUpload {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file exceeds %s", humanize.IBytes(uint64(h.maxUpload))))
	}
	res, err := h.spool(fh)
	if err != nil {
		return err
	}

	up, err := h.chat.SendImage(c.Request().Context(), sess, res)
	if err != nil {
		_ = os.Remove(res.Path)
		return toHTTPError(err)
	}
	go func() {
		<-up.Done()
		if err := os.Remove(res.Path); err != nil && !os.IsNotExist(err) {
			h.logger.Warn("remove spooled upload failed", slog.String("path", res.Path), slog.Any("error", err))
		}
	}()
	return c.JSON(http.StatusAccepted, SendImageResponse{Key: up.Key(), State: up.State().String()})
}

// spool copies the form file to a temp file so the background upload does
// not depend on the request body. Only image content is accepted.
func (h *MessageHandler) spool(fh *multipart.FileHeader) (attachment.FileResource, error) {
	src, err := fh.Open()
	if err != nil {
		return attachment.FileResource{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer src.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(src, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return attachment.FileResource{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	head = head[:n]
	if n == 0 {
		return attachment.FileResource{}, toHTTPError(blob.ErrEmpty)
	}
	contentType := imageContentType(fh.Header.Get(echo.HeaderContentType), head)
	if contentType == "" {
		return attachment.FileResource{}, echo.NewHTTPError(http.StatusUnsupportedMediaType, "only image files are accepted")
	}

	tmp, err := os.CreateTemp("", "friendlyfeed-upload-*")
	if err != nil {
		return attachment.FileResource{}, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	limited := io.LimitReader(io.MultiReader(bytes.NewReader(head), src), h.maxUpload+1)
	written, err := io.Copy(tmp, limited)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return attachment.FileResource{}, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if written > h.maxUpload {
		_ = os.Remove(tmp.Name())
		return attachment.FileResource{}, echo.NewHTTPError(http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file exceeds %s", humanize.IBytes(uint64(h.maxUpload))))
	}
	return attachment.FileResource{Path: tmp.Name(), Filename: fh.Filename, Type: contentType}, nil
}

// imageContentType returns the image media type of an upload, or "" when it
// is not an image. The declared type wins when it names an image.
func imageContentType(declared string, head []byte) string {
	declared = strings.ToLower(strings.TrimSpace(declared))
	if i := strings.IndexByte(declared, ';'); i >= 0 {
		declared = strings.TrimSpace(declared[:i])
	}
	if strings.HasPrefix(declared, "image/") {
		return declared
	}
	if declared != "" && declared != "application/octet-stream" {
		return ""
	}
	if sniffed := http.DetectContentType(head); strings.HasPrefix(sniffed, "image/") {
		return sniffed
	}
	return ""
}

// ListMessages returns the user's log ordered by key.
func (h *MessageHandler) ListMessages(c echo.Context) error {
	sess, err := auth.SessionFromContext(c)
	if err != nil {
		return err
	}
	entries, err := h.chat.History(c.Request().Context(), sess)
	if err != nil {
		return toHTTPError(err)
	}
	if entries == nil {
		entries = []message.Entry{}
	}
	return c.JSON(http.StatusOK, map[string]any{"items": entries})
}

// StreamMessageEvents streams the user's feed as server-sent events. The
// store's replay arrives first as inserted events, then live changes.
func (h *MessageHandler) StreamMessageEvents(c echo.Context) error {
	sess, err := auth.SessionFromContext(c)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()
	stream, err := openStream(ctx, h.logger, h.source, sess, h.metrics)
	if err != nil {
		return toHTTPError(err)
	}
	defer stream.Close()

	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "streaming not supported")
	}
	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
	c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
	c.Response().WriteHeader(http.StatusOK)
	writer := bufio.NewWriter(c.Response().Writer)

	heartbeatTicker := time.NewTicker(h.heartbeat)
	defer heartbeatTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeatTicker.C:
			if err := writeSSEJSON(writer, flusher, StreamEvent{Type: "ping"}); err != nil {
				return nil
			}
		case ev, ok := <-stream.Events:
			if !ok {
				return nil
			}
			if err := writeSSEJSON(writer, flusher, ev); err != nil {
				return nil
			}
			if ev.Type == streamTypeError {
				return nil
			}
		}
	}
}

func writeSSEData(writer *bufio.Writer, flusher http.Flusher, payload string) error {
	if _, err := writer.WriteString(fmt.Sprintf("data: %s\n\n", payload)); err != nil {
		return err
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeSSEJSON(writer *bufio.Writer, flusher http.Flusher, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return writeSSEData(writer, flusher, string(data))
}
