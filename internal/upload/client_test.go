package upload

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/dmsync/internal/chat"
	"go.uber.org/zap"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// echoHandler answers with one attachment per uploaded file, in order.
func echoHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		files := r.MultipartForm.File["files"]
		kinds := r.MultipartForm.Value["kinds"]
		var res Response
		for i, fh := range files {
			res.Attachments = append(res.Attachments, chat.Attachment{
				URL:  "https://cdn.test/" + fh.Filename,
				Kind: chat.AttachmentKind(kinds[i]),
				Size: fh.Size,
			})
		}
		_ = json.NewEncoder(w).Encode(res)
	}
}

func newClient(url string) *Client {
	return New(Config{URL: url, MaxRetries: 3, InitialBackoff: time.Millisecond}, zap.NewNop())
}

func TestUploadPreservesOrder(t *testing.T) {
	srv := httptest.NewServer(echoHandler(t))
	defer srv.Close()

	media := []chat.LocalMedia{
		{Path: writeFile(t, "a.png", "png")},
		{Path: writeFile(t, "b.mp3", "mp3-data")},
		{Path: writeFile(t, "c.bin", "x"), Kind: chat.KindFile},
	}
	atts, err := newClient(srv.URL).Upload(context.Background(), media)
	if err != nil {
		t.Fatal(err)
	}
	want := []struct {
		url  string
		kind chat.AttachmentKind
	}{
		{"https://cdn.test/a.png", chat.KindImage},
		{"https://cdn.test/b.mp3", chat.KindAudio},
		{"https://cdn.test/c.bin", chat.KindFile},
	}
	if len(atts) != len(want) {
		t.Fatalf("got %d attachments, want %d", len(atts), len(want))
	}
	for i, w := range want {
		if atts[i].URL != w.url || atts[i].Kind != w.kind {
			t.Errorf("attachment %d = %+v, want %s/%s", i, atts[i], w.url, w.kind)
		}
	}
	if atts[1].Size != int64(len("mp3-data")) {
		t.Errorf("size = %d", atts[1].Size)
	}
}

func TestUploadEmptyIsNoop(t *testing.T) {
	atts, err := newClient("http://127.0.0.1:1").Upload(context.Background(), nil)
	if err != nil || atts != nil {
		t.Errorf("Upload(nil) = %v, %v", atts, err)
	}
}

func TestUploadRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	echo := echoHandler(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		echo(w, r)
	}))
	defer srv.Close()

	atts, err := newClient(srv.URL).Upload(context.Background(), []chat.LocalMedia{{Path: writeFile(t, "a.jpg", "j")}})
	if err != nil {
		t.Fatal(err)
	}
	if len(atts) != 1 || calls.Load() != 3 {
		t.Errorf("attachments = %d, calls = %d, want 1 and 3", len(atts), calls.Load())
	}
}

func TestUploadFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		calls   int32
	}{
		{"client error is permanent", func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "too big", http.StatusRequestEntityTooLarge)
		}, 1},
		{"length mismatch", func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(Response{})
		}, 1},
		{"server error exhausts retries", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				tt.handler(w, r)
			}))
			defer srv.Close()

			_, err := newClient(srv.URL).Upload(context.Background(), []chat.LocalMedia{{Path: writeFile(t, "a.png", "p")}})
			if !errors.Is(err, ErrUpload) {
				t.Fatalf("err = %v, want ErrUpload", err)
			}
			if calls.Load() != tt.calls {
				t.Errorf("calls = %d, want %d", calls.Load(), tt.calls)
			}
		})
	}
}

func TestUploadMissingFile(t *testing.T) {
	_, err := newClient("http://127.0.0.1:1").Upload(context.Background(), []chat.LocalMedia{{Path: "/nonexistent/file.png"}})
	if !errors.Is(err, ErrUpload) {
		t.Errorf("err = %v, want ErrUpload", err)
	}
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, MaxRetries: 0, BreakerFailures: 2, BreakerCooldown: time.Minute}, zap.NewNop())
	media := []chat.LocalMedia{{Path: writeFile(t, "a.png", "p")}}
	for i := 0; i < 4; i++ {
		_, _ = c.Upload(context.Background(), media)
	}
	if calls.Load() != 2 {
		t.Errorf("endpoint hit %d times, want 2 before the breaker opened", calls.Load())
	}
}

func TestKindOf(t *testing.T) {
	tests := map[string]chat.AttachmentKind{
		"a.PNG":   chat.KindImage,
		"b.mp4":   chat.KindVideo,
		"c.mp3":   chat.KindAudio,
		"d.xyzzy": chat.KindFile,
		"noext":   chat.KindFile,
	}
	for path, want := range tests {
		if got := KindOf(path); got != want {
			t.Errorf("KindOf(%q) = %s, want %s", path, got, want)
		}
	}
}
