// Package upload turns locally picked media into durable attachment URLs
// through the external upload endpoint.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/matheus3301/dmsync/internal/chat"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrUpload wraps every upload failure returned by Upload.
var ErrUpload = errors.New("upload failed")

// Config configures a Client.
type Config struct {
	URL             string
	Token           string
	Timeout         time.Duration
	MaxRetries      uint64
	InitialBackoff  time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// Response is the JSON body returned by the upload endpoint.
type Response struct {
	Attachments []chat.Attachment `json:"attachments"`
}

// statusError is a non-2xx reply.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("upload endpoint returned %d: %s", e.code, e.body)
}

// Client uploads media with bounded retries behind a circuit breaker.
type Client struct {
	cfg    Config
	http   *http.Client
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

// New creates an upload client.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	st := gobreaker.Settings{
		Name:        "upload",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			var se *statusError
			return err == nil || (errors.As(err, &se) && se.code < 500)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("circuit breaker state", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		cb:     gobreaker.NewCircuitBreaker(st),
		logger: logger,
	}
}

var extKinds = map[string]chat.AttachmentKind{
	".jpg": chat.KindImage, ".jpeg": chat.KindImage, ".png": chat.KindImage, ".gif": chat.KindImage,
	".webp": chat.KindImage, ".heic": chat.KindImage,
	".mp4": chat.KindVideo, ".mov": chat.KindVideo, ".webm": chat.KindVideo, ".mkv": chat.KindVideo,
	".mp3": chat.KindAudio, ".m4a": chat.KindAudio, ".aac": chat.KindAudio, ".ogg": chat.KindAudio,
	".opus": chat.KindAudio, ".wav": chat.KindAudio,
}

// KindOf guesses an attachment kind from a file extension.
func KindOf(path string) chat.AttachmentKind {
	ext := strings.ToLower(filepath.Ext(path))
	if k, ok := extKinds[ext]; ok {
		return k
	}
	mt := mime.TypeByExtension(ext)
	switch {
	case strings.HasPrefix(mt, "image/"):
		return chat.KindImage
	case strings.HasPrefix(mt, "video/"):
		return chat.KindVideo
	case strings.HasPrefix(mt, "audio/"):
		return chat.KindAudio
	}
	return chat.KindFile
}

// Upload sends every file in one multipart request and returns attachments
// in input order. Any failure is returned wrapped in ErrUpload.
func (c *Client) Upload(ctx context.Context, media []chat.LocalMedia) ([]chat.Attachment, error) {
	if len(media) == 0 {
		return nil, nil
	}
	body, contentType, err := encode(media)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpload, err)
	}

	var out []chat.Attachment
	operation := func() error {
		res, err := c.cb.Execute(func() (interface{}, error) {
			return c.post(ctx, body, contentType)
		})
		if err != nil {
			var se *statusError
			if errors.As(err, &se) && se.code < 500 {
				return backoff.Permanent(err)
			}
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			return err
		}
		atts, err := validate(res.(*Response), media)
		if err != nil {
			return backoff.Permanent(err)
		}
		out = atts
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxElapsedTime = 0
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("upload attempt failed", zap.Int("files", len(media)), zap.Duration("retry_in", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(b, c.cfg.MaxRetries), ctx), notify); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpload, err)
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, body []byte, contentType string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(msg))}
	}
	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

// encode builds the multipart body: one "files" part and one "kinds" field
// per input, in order.
func encode(media []chat.LocalMedia) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, m := range media {
		data, err := os.ReadFile(m.Path)
		if err != nil {
			return nil, "", fmt.Errorf("read %s: %w", m.Path, err)
		}
		kind := m.Kind
		if kind == "" {
			kind = KindOf(m.Path)
		}
		if !kind.Valid() {
			return nil, "", fmt.Errorf("invalid kind %q for %s", kind, m.Path)
		}
		part, err := w.CreateFormFile("files", filepath.Base(m.Path))
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(data); err != nil {
			return nil, "", err
		}
		if err := w.WriteField("kinds", string(kind)); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func validate(res *Response, media []chat.LocalMedia) ([]chat.Attachment, error) {
	if len(res.Attachments) != len(media) {
		return nil, fmt.Errorf("got %d attachments for %d files", len(res.Attachments), len(media))
	}
	for i, a := range res.Attachments {
		if a.URL == "" {
			return nil, fmt.Errorf("attachment %d has no url", i)
		}
		if !a.Kind.Valid() {
			return nil, fmt.Errorf("attachment %d has invalid kind %q", i, a.Kind)
		}
	}
	return res.Attachments, nil
}
