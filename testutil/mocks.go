// Package testutil holds fake CHZZK servers shared by package tests.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
)

// MockChzzkServer is a test server that mocks the CHZZK service API. Handlers are keyed by
// exact URL path and may be swapped while the server is running.
type MockChzzkServer struct {
	*httptest.Server

	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	hits     map[string]int
}

// NewMockChzzkServer creates a new mock CHZZK API server, closed on test cleanup.
func NewMockChzzkServer(t *testing.T) *MockChzzkServer {
	t.Helper()
	m := &MockChzzkServer{
		handlers: make(map[string]http.HandlerFunc),
		hits:     make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.hits[r.URL.Path]++
		handler, ok := m.handlers[r.URL.Path]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Handle registers (or replaces) the handler for an exact path.
func (m *MockChzzkServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	m.handlers[path] = h
	m.mu.Unlock()
}

// Hits returns how many requests reached path.
func (m *MockChzzkServer) Hits(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[path]
}

// LivesPath, ChannelPath and LiveDetailPath are the mocked endpoint paths.
const LivesPath = "/service/v1/lives"

func ChannelPath(channelID string) string { return "/service/v1/channels/" + channelID }

func LiveDetailPath(channelID string) string {
	return "/service/v3/channels/" + channelID + "/live-detail"
}

// LiveItem builds one popular-lives entry.
func LiveItem(channelID string, viewers int64, adult bool) map[string]interface{} {
	return map[string]interface{}{
		"liveId":              viewers,
		"liveTitle":           "live of " + channelID,
		"concurrentUserCount": viewers,
		"adult":               adult,
		"chatChannelId":       nil,
		"channel": map[string]string{
			"channelId":   channelID,
			"channelName": "name-" + channelID,
		},
	}
}

// MockLivesPages serves pages in order. Page i advertises a next cursor whose liveId is
// i+1 unless it is the last page; the handler picks the page from the liveId query param.
func (m *MockChzzkServer) MockLivesPages(pages ...[]map[string]interface{}) {
	m.Handle(LivesPath, func(w http.ResponseWriter, r *http.Request) {
		idx := 0
		if v := r.URL.Query().Get("liveId"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			idx = n
		}
		if idx >= len(pages) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var next interface{}
		if idx+1 < len(pages) {
			var lastViewers interface{} = 0
			if items := pages[idx]; len(items) > 0 {
				lastViewers = items[len(items)-1]["concurrentUserCount"]
			}
			next = map[string]interface{}{"concurrentUserCount": lastViewers, "liveId": idx + 1}
		}
		writeJSON(w, map[string]interface{}{
			"code": 200,
			"content": map[string]interface{}{
				"size": len(pages[idx]),
				"page": map[string]interface{}{"next": next},
				"data": pages[idx],
			},
		})
	})
}

// MockChannel serves channel detail. Nil follower or openLive are encoded as JSON null.
func (m *MockChzzkServer) MockChannel(channelID string, follower *int64, openLive *bool) {
	m.Handle(ChannelPath(channelID), func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"code": 200,
			"content": map[string]interface{}{
				"channelId":       channelID,
				"channelName":     "name-" + channelID,
				"channelImageUrl": "https://img.example/" + channelID + ".png",
				"followerCount":   follower,
				"openLive":        openLive,
			},
		})
	})
}

// MockLiveDetail serves live detail with the given chat channel id (nil encodes null).
func (m *MockChzzkServer) MockLiveDetail(channelID string, chatChannelID *string) {
	m.Handle(LiveDetailPath(channelID), func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"code": 200,
			"content": map[string]interface{}{
				"liveId":        1,
				"status":        "OPEN",
				"chatChannelId": chatChannelID,
			},
		})
	})
}

// MockStatus makes path answer with a bare status code.
func (m *MockChzzkServer) MockStatus(path string, status int) {
	m.Handle(path, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	})
}

// MockRaw makes path answer 200 with the given body verbatim.
func (m *MockChzzkServer) MockRaw(path, body string) {
	m.Handle(path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body)) //nolint:errcheck // test mock response
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// Int64 and Bool return pointers for optional mock fields.
func Int64(v int64) *int64 { return &v }
func Bool(v bool) *bool    { return &v }

// String returns a pointer to v.
func String(v string) *string { return &v }
