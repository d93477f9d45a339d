// Package server exposes sessions over a websocket. Each connection gets its
// own session, closed when the connection goes away.
package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/xhad/documind/internal/logger"
	"github.com/xhad/documind/internal/models"
	"github.com/xhad/documind/internal/types"
	"github.com/xhad/documind/pkg/metrics"
	"github.com/xhad/documind/pkg/session"
	"golang.org/x/time/rate"
)

// Message types sent by clients.
const (
	TypeUpload  = "upload"
	TypeURL     = "url"
	TypeQuery   = "query"
	TypeClear   = "clear"
	TypeHistory = "history"
	TypeLength  = "length"
)

// Message types sent by the server.
const (
	TypeStatus   = "status"
	TypeResponse = "response"
	TypeError    = "error"
)

type Message struct {
	Type    string      `json:"type"`
	Content string      `json:"content"`
	Data    interface{} `json:"data,omitempty"`
}

// Source is a retrieved chunk attached to a response.
type Source struct {
	Text       string  `json:"text"`
	StartIndex int     `json:"start_index"`
	Score      float64 `json:"score"`
}

type UploadInfo struct {
	DocumentID  string `json:"document_id"`
	Title       string `json:"title"`
	Chunks      int    `json:"chunks"`
	TotalChunks int    `json:"total_chunks"`
}

type ErrorInfo struct {
	Kind string `json:"kind"`
}

type Config struct {
	// StorageDir receives uploaded files, one directory per session.
	StorageDir     string
	MaxUploadBytes int64
	// MessageRate limits messages per second per connection.
	MessageRate float64
	CheckOrigin func(r *http.Request) bool
	Logger      logger.Logger
	Metrics     *metrics.Metrics
}

type WSServer struct {
	config   Config
	sessions *session.Manager
	web      types.Loader
	upgrader websocket.Upgrader
	log      logger.Logger
}

// NewWSServer serves sessions from the manager. web loads pages for url
// messages; nil disables them.
func NewWSServer(config Config, sessions *session.Manager, web types.Loader) (*WSServer, error) {
	if sessions == nil {
		return nil, errors.New("session manager is required")
	}
	if config.StorageDir == "" {
		config.StorageDir = filepath.Join(os.TempDir(), "documind-uploads")
	}
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = 50 << 20
	}
	if config.MessageRate <= 0 {
		config.MessageRate = 5
	}
	if config.CheckOrigin == nil {
		config.CheckOrigin = func(r *http.Request) bool { return true }
	}
	if config.Logger == nil {
		config.Logger = logger.Nop()
	}

	return &WSServer{
		config:   config,
		sessions: sessions,
		web:      web,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     config.CheckOrigin,
		},
		log: config.Logger,
	}, nil
}

// Handler routes /ws, /health and /metrics.
func (s *WSServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", s.config.Metrics.Handler())
	return mux
}

// client serialises writes; gorilla allows one concurrent writer.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
	log  logger.Logger
}

func (c *client) send(msgType, content string, data interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteJSON(Message{Type: msgType, Content: content, Data: data}); err != nil {
		c.log.Debug("Error sending message", "error", err)
	}
}

func (c *client) fail(err error) {
	c.send(TypeError, err.Error(), ErrorInfo{Kind: errorKind(err)})
}

func (s *WSServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// base64 grows uploads by a third
	conn.SetReadLimit(s.config.MaxUploadBytes/3*4 + 64<<10)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess, err := s.sessions.Create(ctx)
	c := &client{conn: conn}
	if err != nil {
		c.log = s.log
		c.fail(err)
		return
	}
	id := sess.ID()
	c.log = s.log.With("session", id)

	dir := filepath.Join(s.config.StorageDir, id)
	defer func() {
		if err := s.sessions.Close(id); err != nil {
			c.log.Warn("Failed to close session", "error", err)
		}
		_ = os.RemoveAll(dir)
	}()

	c.send(TypeStatus, "Connected", map[string]string{"session_id": id})

	limiter := rate.NewLimiter(rate.Limit(s.config.MessageRate), max(1, int(s.config.MessageRate)))
	msgs := make(chan Message, 8)

	go func() {
		defer cancel()
		defer close(msgs)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					c.log.Debug("Error reading message", "error", err)
				}
				return
			}

			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				c.send(TypeError, fmt.Sprintf("invalid message: %v", err), ErrorInfo{Kind: "request"})
				continue
			}
			if !limiter.Allow() {
				c.send(TypeError, "rate limit exceeded, slow down", ErrorInfo{Kind: "rate_limit"})
				continue
			}

			select {
			case msgs <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			s.handleMessage(ctx, c, sess, dir, msg)
		}
	}
}

func (s *WSServer) handleMessage(ctx context.Context, c *client, sess *session.Session, dir string, msg Message) {
	switch msg.Type {
	case TypeUpload:
		encoded, _ := msg.Data.(string)
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil || len(raw) == 0 {
			c.send(TypeError, "upload data must be a non-empty base64 string", ErrorInfo{Kind: "request"})
			return
		}
		path, err := session.SaveUpload(dir, msg.Content, bytes.NewReader(raw), s.config.MaxUploadBytes)
		if err != nil {
			c.fail(err)
			return
		}
		c.send(TypeStatus, "Analyzing document...", nil)
		res, err := sess.ProcessUpload(ctx, path)
		if err != nil {
			c.fail(err)
			return
		}
		s.uploaded(c, res)

	case TypeURL:
		if s.web == nil {
			c.send(TypeError, "web pages are not enabled", ErrorInfo{Kind: "request"})
			return
		}
		c.send(TypeStatus, fmt.Sprintf("Processing URL: %s", msg.Content), nil)
		doc, err := s.web.Load(ctx, msg.Content)
		if err != nil {
			c.fail(err)
			return
		}
		res, err := sess.ProcessDocument(ctx, doc)
		if err != nil {
			c.fail(err)
			return
		}
		s.uploaded(c, res)

	case TypeQuery:
		answer, err := sess.AnswerQuery(ctx, msg.Content)
		if err != nil {
			c.fail(err)
			return
		}
		c.send(TypeResponse, answer.Text, sources(answer.Sources))

	case TypeClear:
		sess.ClearHistory()
		c.send(TypeStatus, "Chat history cleared!", nil)

	case TypeHistory:
		turns := sess.History()
		c.send(TypeHistory, strconv.Itoa(len(turns)), turns)

	case TypeLength:
		n, err := strconv.Atoi(msg.Content)
		if err != nil || n < 1 || n > 100 {
			c.send(TypeError, "length must be between 1 and 100", ErrorInfo{Kind: "request"})
			return
		}
		if err := sess.SetMaxTokens(n); err != nil {
			c.fail(err)
			return
		}
		c.send(TypeStatus, fmt.Sprintf("Answers now limited to %d tokens", n), nil)

	default:
		c.send(TypeError, fmt.Sprintf("unknown message type %q", msg.Type), ErrorInfo{Kind: "request"})
	}
}

func (s *WSServer) uploaded(c *client, res session.UploadResult) {
	info := UploadInfo{
		DocumentID:  res.DocumentID,
		Title:       res.Title,
		Chunks:      res.Chunks,
		TotalChunks: res.TotalChunks,
	}
	if res.Chunks == 0 {
		c.send(TypeStatus, fmt.Sprintf("%s contained no extractable text", res.Title), info)
		return
	}
	c.send(TypeStatus, "Document processed successfully! Ask your questions below.", info)
}

func sources(chunks []models.ScoredChunk) []Source {
	out := make([]Source, len(chunks))
	for i, c := range chunks {
		out[i] = Source{Text: c.Text, StartIndex: c.StartIndex, Score: c.Score}
	}
	return out
}

func errorKind(err error) string {
	var (
		loadErr  *types.LoadError
		embedErr *types.EmbeddingError
		ctxErr   *types.ContextTooLargeError
		genErr   *types.GenerationError
	)
	switch {
	case errors.As(err, &loadErr):
		return "load"
	case errors.As(err, &embedErr):
		return "embedding"
	case errors.As(err, &ctxErr):
		return "context_too_large"
	case errors.As(err, &genErr):
		return "generation"
	case errors.Is(err, types.ErrEmptyQuery), errors.Is(err, session.ErrTooLarge):
		return "request"
	case errors.Is(err, session.ErrTooManySessions):
		return "capacity"
	case errors.Is(err, context.Canceled), errors.Is(err, session.ErrClosed):
		return "cancelled"
	default:
		return "internal"
	}
}
