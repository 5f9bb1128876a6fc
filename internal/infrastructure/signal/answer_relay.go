package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"speedshare/internal/core/domain"
	"speedshare/internal/core/ports"
	"speedshare/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	MessageAnswer = "answer"
	MessageError  = "error"
)

// RelayMessage is the single frame written to an answer socket before it
// is closed. Record holds the short-key record form.
type RelayMessage struct {
	Type   string          `json:"type"`
	Record json.RawMessage `json:"record,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type RelayOptions struct {
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	AnswerTimeout  time.Duration
	MaxMessageSize int64
	AllowedOrigins []string
}

func DefaultRelayOptions() RelayOptions {
	return RelayOptions{
		PingInterval:   30 * time.Second,
		WriteTimeout:   10 * time.Second,
		AnswerTimeout:  5 * time.Minute,
		MaxMessageSize: 4 * 1024,
	}
}

// AnswerRelay pushes the receiver's answer to the sender over a websocket
// as soon as it is posted, so the sender need not poll the HTTP API.
type AnswerRelay struct {
	registry ports.RendezvousRegistry
	upgrader websocket.Upgrader
	opts     RelayOptions
	logger   *zap.SugaredLogger
}

func NewAnswerRelay(registry ports.RendezvousRegistry, opts RelayOptions, logger *zap.SugaredLogger) *AnswerRelay {
	defaults := DefaultRelayOptions()
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaults.PingInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}
	if opts.AnswerTimeout <= 0 {
		opts.AnswerTimeout = defaults.AnswerTimeout
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaults.MaxMessageSize
	}

	return &AnswerRelay{
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(opts.AllowedOrigins),
		},
		opts:   opts,
		logger: logger,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// Serve upgrades the request and waits for the answer to code. The caller
// checks that the code exists before handing the request over. The socket
// is closed after one RelayMessage, or when the client goes away.
func (r *AnswerRelay) Serve(w http.ResponseWriter, req *http.Request, code domain.RendezvousCode) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Debugw("answer relay upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(req.Context(), r.opts.AnswerTimeout)
	defer cancel()

	// The client never sends data; reading only surfaces pongs and close.
	conn.SetReadLimit(r.opts.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(2 * r.opts.PingInterval))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * r.opts.PingInterval))
	})
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	answers := make(chan RelayMessage, 1)
	go func() {
		answers <- r.await(ctx, code)
	}()

	pingTicker := time.NewTicker(r.opts.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case msg := <-answers:
			select {
			case <-gone:
			default:
				r.write(conn, msg)
			}
			return

		case <-gone:
			r.logger.Debugw("answer relay client left", "code", utils.MaskSensitive(string(code), 2))
			return

		case <-pingTicker.C:
			deadline := time.Now().Add(r.opts.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				r.logger.Debugw("answer relay ping failed", "code", utils.MaskSensitive(string(code), 2), "error", err)
				return
			}
		}
	}
}

func (r *AnswerRelay) await(ctx context.Context, code domain.RendezvousCode) RelayMessage {
	answer, err := r.registry.AwaitAnswer(ctx, code)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return RelayMessage{Type: MessageError, Error: "timed out waiting for answer"}
		}
		return RelayMessage{Type: MessageError, Error: err.Error()}
	}

	data, err := domain.EncodeRecord(answer)
	if err != nil {
		return RelayMessage{Type: MessageError, Error: err.Error()}
	}
	return RelayMessage{Type: MessageAnswer, Record: data}
}

func (r *AnswerRelay) write(conn *websocket.Conn, msg RelayMessage) {
	conn.SetWriteDeadline(time.Now().Add(r.opts.WriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		r.logger.Debugw("answer relay write failed", "error", err)
		return
	}

	closeCode := websocket.CloseNormalClosure
	if msg.Type == MessageError {
		closeCode = websocket.CloseGoingAway
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeCode, msg.Type),
		time.Now().Add(r.opts.WriteTimeout))
}
