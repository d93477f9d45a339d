package server

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/documind/internal/testutil"
	"github.com/xhad/documind/internal/types"
	"github.com/xhad/documind/pkg/loader"
	"github.com/xhad/documind/pkg/metrics"
	"github.com/xhad/documind/pkg/processor"
	"github.com/xhad/documind/pkg/session"
	"github.com/xhad/documind/pkg/store"
)

const eiffel = "The Eiffel tower is located in Paris. It was completed in 1889 for the World's Fair."

type testServer struct {
	*httptest.Server
	sessions *session.Manager
}

func newTestServer(t *testing.T, gen types.Generator, maxSessions int, messageRate float64) *testServer {
	t.Helper()

	splitter, err := processor.NewWithConfig(processor.ProcessorConfig{ChunkSize: 200, ChunkOverlap: 20})
	require.NoError(t, err)
	web, err := loader.NewWebLoader(loader.WebConfig{RateLimit: 100})
	require.NoError(t, err)

	m := metrics.New()
	sessions := session.NewManager(session.ManagerConfig{
		Template: session.SessionConfig{
			Loader:    loader.New(),
			Splitter:  splitter,
			Generator: gen,
			Index:     store.Config{Embedder: testutil.NewHashEmbedder(64)},
			Metrics:   m,
		},
		MaxSessions: maxSessions,
	})

	srv, err := NewWSServer(Config{
		StorageDir:  t.TempDir(),
		MessageRate: messageRate,
		Metrics:     m,
	}, sessions, web)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = sessions.CloseAll()
	})
	return &testServer{Server: ts, sessions: sessions}
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// connect dials and consumes the greeting.
func (ts *testServer) connect(t *testing.T) *websocket.Conn {
	t.Helper()
	conn := ts.dial(t)
	msg := read(t, conn)
	require.Equal(t, TypeStatus, msg.Type)
	require.Equal(t, "Connected", msg.Content)
	return conn
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// readReply skips progress updates.
func readReply(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	for {
		msg := read(t, conn)
		if msg.Type != TypeStatus || (msg.Content != "Analyzing document..." && !strings.HasPrefix(msg.Content, "Processing URL")) {
			return msg
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, msg Message) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func upload(name, content string) Message {
	return Message{Type: TypeUpload, Content: name, Data: base64.StdEncoding.EncodeToString([]byte(content))}
}

func errorKindOf(t *testing.T, msg Message) string {
	t.Helper()
	require.Equal(t, TypeError, msg.Type, msg.Content)
	data, ok := msg.Data.(map[string]interface{})
	require.True(t, ok)
	return data["kind"].(string)
}

func TestUploadQueryAndHistory(t *testing.T) {
	ts := newTestServer(t, &testutil.StaticGenerator{Response: "<think>look at the context</think>Paris"}, 0, 100)
	conn := ts.connect(t)

	send(t, conn, upload("eiffel.txt", eiffel))
	assert.Equal(t, "Analyzing document...", read(t, conn).Content)

	done := read(t, conn)
	require.Equal(t, TypeStatus, done.Type, done.Content)
	assert.Equal(t, "Document processed successfully! Ask your questions below.", done.Content)
	info := done.Data.(map[string]interface{})
	assert.Equal(t, "eiffel.txt", info["title"])
	assert.EqualValues(t, 1, info["chunks"])

	send(t, conn, Message{Type: TypeQuery, Content: "Where is the Eiffel tower?"})
	resp := read(t, conn)
	require.Equal(t, TypeResponse, resp.Type, resp.Content)
	assert.Equal(t, "Paris", resp.Content)
	srcs := resp.Data.([]interface{})
	require.Len(t, srcs, 1)
	assert.Contains(t, srcs[0].(map[string]interface{})["text"], "Eiffel")

	send(t, conn, Message{Type: TypeHistory})
	hist := read(t, conn)
	assert.Equal(t, TypeHistory, hist.Type)
	assert.Equal(t, "2", hist.Content)
	turns := hist.Data.([]interface{})
	require.Len(t, turns, 2)
	assert.Equal(t, "User", turns[0].(map[string]interface{})["role"])
	assert.Equal(t, "Where is the Eiffel tower?", turns[0].(map[string]interface{})["text"])
	assert.Equal(t, "AI", turns[1].(map[string]interface{})["role"])
	assert.Equal(t, "Paris", turns[1].(map[string]interface{})["text"])

	send(t, conn, Message{Type: TypeClear})
	assert.Equal(t, "Chat history cleared!", read(t, conn).Content)

	send(t, conn, Message{Type: TypeHistory})
	assert.Equal(t, "0", read(t, conn).Content)

	// the index survives a cleared history
	send(t, conn, Message{Type: TypeQuery, Content: "When was it completed?"})
	assert.Equal(t, TypeResponse, read(t, conn).Type)
}

func TestURLMessage(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<html><head><title>Eiffel</title></head><body><main><p>%s</p></main></body></html>", eiffel)
	}))
	defer page.Close()

	ts := newTestServer(t, &testutil.StaticGenerator{Response: "Paris"}, 0, 100)
	conn := ts.connect(t)

	send(t, conn, Message{Type: TypeURL, Content: page.URL})
	assert.Contains(t, read(t, conn).Content, "Processing URL")

	done := read(t, conn)
	require.Equal(t, TypeStatus, done.Type, done.Content)
	assert.Equal(t, "Eiffel", done.Data.(map[string]interface{})["title"])

	send(t, conn, Message{Type: TypeURL, Content: "ftp://example.com/doc"})
	assert.Equal(t, "load", errorKindOf(t, readReply(t, conn)))
}

func TestMessageErrors(t *testing.T) {
	ts := newTestServer(t, &testutil.StaticGenerator{Response: "Paris"}, 0, 100)
	conn := ts.connect(t)

	tests := []struct {
		name string
		msg  Message
		kind string
	}{
		{name: "unknown type", msg: Message{Type: "dance"}, kind: "request"},
		{name: "missing upload data", msg: Message{Type: TypeUpload, Content: "a.txt"}, kind: "request"},
		{name: "bad base64", msg: Message{Type: TypeUpload, Content: "a.txt", Data: "%%%"}, kind: "request"},
		{name: "unsupported file", msg: upload("tool.exe", "MZ"), kind: "load"},
		{name: "empty query", msg: Message{Type: TypeQuery, Content: "   "}, kind: "request"},
		{name: "length out of range", msg: Message{Type: TypeLength, Content: "500"}, kind: "request"},
		{name: "length not a number", msg: Message{Type: TypeLength, Content: "short"}, kind: "request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			send(t, conn, tt.msg)
			assert.Equal(t, tt.kind, errorKindOf(t, readReply(t, conn)))
		})
	}

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))
	assert.Equal(t, "request", errorKindOf(t, read(t, conn)))

	send(t, conn, Message{Type: TypeLength, Content: "20"})
	assert.Equal(t, "Answers now limited to 20 tokens", read(t, conn).Content)
}

func TestFailedQueryKeepsHistoryEmpty(t *testing.T) {
	ts := newTestServer(t, &testutil.StaticGenerator{Err: testutil.ErrBackend}, 0, 100)
	conn := ts.connect(t)

	send(t, conn, upload("eiffel.txt", eiffel))
	require.Equal(t, TypeStatus, readReply(t, conn).Type)

	send(t, conn, Message{Type: TypeQuery, Content: "Where is the Eiffel tower?"})
	assert.Equal(t, "generation", errorKindOf(t, read(t, conn)))

	send(t, conn, Message{Type: TypeHistory})
	assert.Equal(t, "0", read(t, conn).Content)
}

func TestSessionLimit(t *testing.T) {
	ts := newTestServer(t, &testutil.StaticGenerator{Response: "Paris"}, 1, 100)
	ts.connect(t)

	second := ts.dial(t)
	assert.Equal(t, "capacity", errorKindOf(t, read(t, second)))
	assert.Equal(t, 1, ts.sessions.Len())
}

func TestDisconnectClosesSession(t *testing.T) {
	ts := newTestServer(t, &testutil.StaticGenerator{Response: "Paris"}, 0, 100)
	conn := ts.connect(t)
	require.Equal(t, 1, ts.sessions.Len())

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return ts.sessions.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestDisconnectCancelsQuery(t *testing.T) {
	gen := &testutil.BlockingGenerator{Started: make(chan struct{})}
	ts := newTestServer(t, gen, 0, 100)
	conn := ts.connect(t)

	send(t, conn, Message{Type: TypeQuery, Content: "anything"})
	select {
	case <-gen.Started:
	case <-time.After(5 * time.Second):
		t.Fatal("query never reached the generator")
	}

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return ts.sessions.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, &testutil.StaticGenerator{Response: "Paris"}, 0, 1)
	conn := ts.connect(t)

	for i := 0; i < 3; i++ {
		send(t, conn, Message{Type: TypeHistory})
	}

	limited := 0
	for i := 0; i < 3; i++ {
		msg := read(t, conn)
		if msg.Type == TypeError && errorKindOf(t, msg) == "rate_limit" {
			limited++
		}
	}
	assert.GreaterOrEqual(t, limited, 1)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, &testutil.StaticGenerator{Response: "Paris"}, 0, 100)
	ts.connect(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "documind_active_sessions 1")
}

func TestNewWSServer(t *testing.T) {
	_, err := NewWSServer(Config{}, nil, nil)
	assert.Error(t, err)
}
