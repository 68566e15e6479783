package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/chatrelay/internal/autoreply"
	"github.com/nextlevelbuilder/chatrelay/internal/bus"
	"github.com/nextlevelbuilder/chatrelay/internal/relay"
	"github.com/nextlevelbuilder/chatrelay/internal/store"
	"github.com/nextlevelbuilder/chatrelay/internal/store/sqlite"
	"github.com/nextlevelbuilder/chatrelay/internal/uploads"
)

type recordingTransport struct {
	sent chan bus.OutboundMessage
}

func (r *recordingTransport) Send(_ context.Context, msg bus.OutboundMessage) error {
	r.sent <- msg
	return nil
}

type testServer struct {
	mux       *http.ServeMux
	relay     *relay.Controller
	transport *recordingTransport
}

func newTestServer(t *testing.T, ttl time.Duration) *testServer {
	t.Helper()

	stores, err := sqlite.NewStores(store.StoreConfig{
		Path: filepath.Join(t.TempDir(), "api.db"),
		TTL:  ttl,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { stores.Close() })

	tr := &recordingTransport{sent: make(chan bus.OutboundMessage, 8)}
	rc := relay.NewController(stores, autoreply.NewMatcher(nil), tr, 5*time.Millisecond)
	t.Cleanup(rc.Shutdown)

	up, err := uploads.New(t.TempDir(), 1024*1024)
	if err != nil {
		t.Fatal(err)
	}

	hub := NewHub(rc, nil)
	t.Cleanup(hub.Shutdown)
	rc.OnMessageStored(hub.Broadcast)

	mux := http.NewServeMux()
	NewHandler(rc, up, hub, 0).RegisterRoutes(mux)

	return &testServer{mux: mux, relay: rc, transport: tr}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) createSession(t *testing.T) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/session", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session status = %d: %s", rec.Code, rec.Body)
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.ID == "" {
		t.Fatalf("bad create response: %s", rec.Body)
	}
	return resp.ID
}

// TestSessionEndpoints verifies create and get, including the 404-vs-410
// status contract.
func TestSessionEndpoints(t *testing.T) {
	s := newTestServer(t, time.Hour)

	id := s.createSession(t)

	rec := s.do(t, http.MethodGet, "/api/session/"+id, "")
	if rec.Code != http.StatusOK {
		t.Errorf("get session status = %d", rec.Code)
	}
	var sess struct {
		ID    string `json:"id"`
		Bound bool   `json:"bound"`
	}
	json.Unmarshal(rec.Body.Bytes(), &sess)
	if sess.ID != id || sess.Bound {
		t.Errorf("session response = %+v", sess)
	}

	if rec := s.do(t, http.MethodGet, "/api/session/unknown", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", rec.Code)
	}
}

// TestExpiredSessionIsGone verifies expired sessions answer 410, telling the
// client to start a new conversation instead of retrying.
func TestExpiredSessionIsGone(t *testing.T) {
	s := newTestServer(t, 50*time.Millisecond)

	id := s.createSession(t)
	time.Sleep(100 * time.Millisecond)

	if rec := s.do(t, http.MethodGet, "/api/session/"+id, ""); rec.Code != http.StatusGone {
		t.Errorf("expired session status = %d, want 410", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, "/api/message/"+id, `{"content":"hi"}`); rec.Code != http.StatusGone {
		t.Errorf("message to expired session status = %d, want 410", rec.Code)
	}
}

// TestMessageFlow verifies posting text messages and reading back the ordered
// history.
func TestMessageFlow(t *testing.T) {
	s := newTestServer(t, time.Hour)
	id := s.createSession(t)

	for _, content := range []string{"first", "second"} {
		rec := s.do(t, http.MethodPost, "/api/message/"+id, fmt.Sprintf(`{"content":%q}`, content))
		if rec.Code != http.StatusCreated {
			t.Fatalf("post message status = %d: %s", rec.Code, rec.Body)
		}
	}

	rec := s.do(t, http.MethodGet, "/api/messages/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var msgs []struct {
		Author  string `json:"author"`
		Content string `json:"content"`
	}
	json.Unmarshal(rec.Body.Bytes(), &msgs)
	if len(msgs) != 2 || msgs[0].Content != "first" || msgs[1].Content != "second" {
		t.Errorf("history = %+v", msgs)
	}
	if msgs[0].Author != "visitor" {
		t.Errorf("author = %q", msgs[0].Author)
	}

	// Validation failures.
	if rec := s.do(t, http.MethodPost, "/api/message/"+id, `{"content":""}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty content status = %d, want 400", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, "/api/message/"+id, `not json`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad json status = %d, want 400", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, "/api/message/unknown", `{"content":"x"}`); rec.Code != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/api/messages/"+id+"?limit=bogus", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rec.Code)
	}
}

// TestBindEndpointForwards verifies binding via the API and that subsequent
// visitor messages are forwarded to the bound chat.
func TestBindEndpointForwards(t *testing.T) {
	s := newTestServer(t, time.Hour)
	id := s.createSession(t)

	rec := s.do(t, http.MethodPost, "/api/bind/"+id, `{"chat_id": -100123}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("bind status = %d: %s", rec.Code, rec.Body)
	}

	if rec := s.do(t, http.MethodPost, "/api/message/"+id, `{"content":"forward me"}`); rec.Code != http.StatusCreated {
		t.Fatalf("post status = %d", rec.Code)
	}

	select {
	case out := <-s.transport.sent:
		if out.ChatID != -100123 || out.Body != "forward me" {
			t.Errorf("forwarded %+v", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message never forwarded to agent channel")
	}

	// Bind validation.
	if rec := s.do(t, http.MethodPost, "/api/bind/"+id, `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("bind without chat_id status = %d, want 400", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, "/api/bind/unknown", `{"chat_id": 1}`); rec.Code != http.StatusNotFound {
		t.Errorf("bind unknown session status = %d, want 404", rec.Code)
	}
}

// TestUploadEndpoint verifies the multipart image upload path end to end:
// blob stored, message persisted with the public URL, file served back.
func TestUploadEndpoint(t *testing.T) {
	s := newTestServer(t, time.Hour)
	id := s.createSession(t)

	body, contentType := buildPNGUpload(t, "photo.png")
	req := httptest.NewRequest(http.MethodPost, "/api/message/"+id+"/image", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d: %s", rec.Code, rec.Body)
	}
	var msg struct {
		Kind    string `json:"kind"`
		Content string `json:"content"`
	}
	json.Unmarshal(rec.Body.Bytes(), &msg)
	if msg.Kind != "image" {
		t.Errorf("kind = %q", msg.Kind)
	}
	if !strings.HasPrefix(msg.Content, "/uploads/") {
		t.Errorf("content = %q, want /uploads/ URL", msg.Content)
	}

	// The stored blob is reachable through the static file route.
	if rec := s.do(t, http.MethodGet, msg.Content, ""); rec.Code != http.StatusOK {
		t.Errorf("fetch uploaded file status = %d", rec.Code)
	}

	// Missing file field.
	req = httptest.NewRequest(http.MethodPost, "/api/message/"+id+"/image", bytes.NewReader(nil))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=none")
	rec = httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing file status = %d, want 400", rec.Code)
	}
}

// buildPNGUpload builds a multipart body with a small real PNG under the
// "file" field, so the image sanitizer has something decodable.
func buildPNGUpload(t *testing.T, filename string) (*bytes.Buffer, string) {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	var pngBuf bytes.Buffer
	if err := png.Encode(&pngBuf, img); err != nil {
		t.Fatal(err)
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	part.Write(pngBuf.Bytes())
	w.Close()
	return &body, w.FormDataContentType()
}

// TestHealth verifies the liveness endpoint.
func TestHealth(t *testing.T) {
	s := newTestServer(t, time.Hour)
	if rec := s.do(t, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}
}
