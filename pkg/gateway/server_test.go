// Copyright 2024-2026 Immanuel Fodor
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/immanuelfodor/matrix-encrypted-webhooks/pkg/gateway/payloadfmt"
)

// fakeMessenger records sends instead of talking to a homeserver.
type fakeMessenger struct {
	mu    sync.Mutex
	calls []sentMessage
	err   error
}

type sentMessage struct {
	roomID  id.RoomID
	content *event.MessageEventContent
}

func (f *fakeMessenger) SendMessage(_ context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.calls = append(f.calls, sentMessage{roomID: roomID, content: content})
	return "$fake:x.org", nil
}

func (f *fakeMessenger) sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.calls...)
}

func newTestServer(t *testing.T, cfg *Config, messenger Messenger) *Server {
	t.Helper()
	router, err := NewRouter(cfg.Routes)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	return NewServer(cfg, router, messenger, zerolog.Nop())
}

func testConfig() *Config {
	return &Config{
		AdminRoom:    "!admin:x.org",
		Routes:       []Route{{Token: "ABC123", RoomID: "!room1:x.org", SenderName: "Test"}},
		Format:       payloadfmt.ModeJSON,
		AllowUnicode: true,
		Port:         8000,
		SendTimeout:  30 * time.Second,
	}
}

func doRequest(t *testing.T, srv *Server, method, path, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHandleHook_JSONRelay(t *testing.T) {
	t.Parallel()
	messenger := &fakeMessenger{}
	srv := newTestServer(t, testConfig(), messenger)

	rec := doRequest(t, srv, http.MethodPost, "/post/ABC123", "application/json", `{"a":1}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status got %d, body %s", rec.Code, rec.Body.String())
	}
	calls := messenger.sent()
	if len(calls) != 1 {
		t.Fatalf("got %d sends, want 1", len(calls))
	}
	if calls[0].roomID != "!room1:x.org" {
		t.Errorf("room got %q", calls[0].roomID)
	}
	if calls[0].content.Body != "{\n  \"a\": 1\n}" {
		t.Errorf("body got %q", calls[0].content.Body)
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if resp["success"] != true {
		t.Errorf("response got %v", resp)
	}
}

func TestHandleHook_FormRelayKeepsOrder(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Format = payloadfmt.ModeRaw
	messenger := &fakeMessenger{}
	srv := newTestServer(t, cfg, messenger)

	rec := doRequest(t, srv, http.MethodPost, "/post/ABC123",
		"application/x-www-form-urlencoded", "zebra=1&apple=2")

	if rec.Code != http.StatusOK {
		t.Fatalf("status got %d, body %s", rec.Code, rec.Body.String())
	}
	calls := messenger.sent()
	if len(calls) != 1 {
		t.Fatalf("got %d sends, want 1", len(calls))
	}
	if calls[0].content.Body != "zebra=1\napple=2" {
		t.Errorf("body got %q", calls[0].content.Body)
	}
}

func TestHandleHook_UnknownToken(t *testing.T) {
	t.Parallel()
	messenger := &fakeMessenger{}
	srv := newTestServer(t, testConfig(), messenger)

	rec := doRequest(t, srv, http.MethodPost, "/post/UNKNOWN", "application/json", `{"a":1}`)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status got %d, want 404", rec.Code)
	}
	if len(messenger.sent()) != 0 {
		t.Error("unknown token must not trigger a send")
	}
	if !strings.Contains(rec.Body.String(), "token mismatch") {
		t.Errorf("body got %s", rec.Body.String())
	}
}

func TestHandleHook_TokenIsCaseSensitive(t *testing.T) {
	t.Parallel()
	messenger := &fakeMessenger{}
	srv := newTestServer(t, testConfig(), messenger)

	rec := doRequest(t, srv, http.MethodPost, "/post/abc123", "application/json", `{"a":1}`)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status got %d, want 404", rec.Code)
	}
	if len(messenger.sent()) != 0 {
		t.Error("case-mismatched token must not trigger a send")
	}
}

func TestHandleHook_UnsupportedContentType(t *testing.T) {
	t.Parallel()
	messenger := &fakeMessenger{}
	srv := newTestServer(t, testConfig(), messenger)

	for _, contentType := range []string{"text/plain", "application/xml", ""} {
		rec := doRequest(t, srv, http.MethodPost, "/post/ABC123", contentType, "data")
		if rec.Code != http.StatusUnsupportedMediaType {
			t.Errorf("content type %q: status got %d, want 415", contentType, rec.Code)
		}
	}
	if len(messenger.sent()) != 0 {
		t.Error("rejected content types must not trigger a send")
	}
}

func TestHandleHook_MalformedBody(t *testing.T) {
	t.Parallel()
	messenger := &fakeMessenger{}
	srv := newTestServer(t, testConfig(), messenger)

	tests := []struct {
		name        string
		contentType string
		body        string
	}{
		{"broken JSON", "application/json", `{"a":`},
		{"non-mapping JSON", "application/json", `[1,2,3]`},
		{"bad form escape", "application/x-www-form-urlencoded", "a=%zz"},
	}
	for _, tt := range tests {
		rec := doRequest(t, srv, http.MethodPost, "/post/ABC123", tt.contentType, tt.body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status got %d, want 400", tt.name, rec.Code)
		}
	}
	if len(messenger.sent()) != 0 {
		t.Error("malformed bodies must not trigger a send")
	}
}

func TestHandleHook_SendFailure(t *testing.T) {
	t.Parallel()
	messenger := &fakeMessenger{err: errors.New("homeserver unreachable")}
	srv := newTestServer(t, testConfig(), messenger)

	rec := doRequest(t, srv, http.MethodPost, "/post/ABC123", "application/json", `{"a":1}`)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status got %d, want 502", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "message dispatch failed") {
		t.Errorf("body got %s", rec.Body.String())
	}
}

func TestHandleHook_MarkdownDualBody(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.UseMarkdown = true
	messenger := &fakeMessenger{}
	srv := newTestServer(t, cfg, messenger)

	rec := doRequest(t, srv, http.MethodPost, "/post/ABC123", "application/json", `{"a":1}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status got %d", rec.Code)
	}
	calls := messenger.sent()
	if len(calls) != 1 {
		t.Fatalf("got %d sends, want 1", len(calls))
	}
	content := calls[0].content
	if content.Body != "{\n  \"a\": 1\n}" {
		t.Errorf("plain body altered by markdown wrapping: %q", content.Body)
	}
	if content.Format != event.FormatHTML || !strings.Contains(content.FormattedBody, "<pre><code>") {
		t.Errorf("formatted variant missing: %+v", content)
	}
}

func TestHandleIndex(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, testConfig(), &fakeMessenger{})

	rec := doRequest(t, srv, http.MethodGet, "/", "", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status got %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if resp["success"] != true {
		t.Errorf("response got %v", resp)
	}
}

func TestHandleHook_GetNotAllowed(t *testing.T) {
	t.Parallel()
	messenger := &fakeMessenger{}
	srv := newTestServer(t, testConfig(), messenger)

	rec := doRequest(t, srv, http.MethodGet, "/post/ABC123", "", "")

	if rec.Code == http.StatusOK {
		t.Error("GET on the hook route should not succeed")
	}
	if len(messenger.sent()) != 0 {
		t.Error("GET must not trigger a send")
	}
}
