package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	kit "stockwatch/internal/transport"
	logx "stockwatch/pkg/logx"
)

func TestSendTextPostsToBotAPI(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		path string
		form map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		path = r.URL.Path
		_ = json.Unmarshal(body, &form)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":42,"chat":{"id":7,"type":"private"},"date":0,"text":"hi"}}`)
	}))
	defer srv.Close()

	s, err := New(Config{Token: "123:abc", ChatIDs: []int64{7}, Offline: true, URL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := s.Targets(); len(got) != 1 || got[0].ChatID != 7 {
		t.Fatalf("targets = %+v", got)
	}

	ref, err := s.SendText(context.Background(), kit.ChatTarget{ChatID: 7}, "hi", &kit.SendOptions{DisablePreview: true})
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if ref.MessageID != 42 || ref.ChatID != 7 {
		t.Fatalf("ref = %+v", ref)
	}

	mu.Lock()
	defer mu.Unlock()
	if !strings.HasSuffix(path, "/bot123:abc/sendMessage") {
		t.Fatalf("path = %q", path)
	}
	if form["text"] != "hi" {
		t.Fatalf("payload = %v", form)
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Token: "  "}, logx.Nop()); err == nil {
		t.Fatal("empty token accepted")
	}
}
