package inspector

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/heisenworks/applyos/internal/core/domain"
	"github.com/heisenworks/applyos/internal/core/ports"
)

// command is one instruction pushed down to the in-page agent.
type command struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Action  string `json:"action"`
	URL     string `json:"url,omitempty"`
	FieldID string `json:"field_id,omitempty"`
	Value   string `json:"value,omitempty"`
	Index   int    `json:"index,omitempty"`
}

// message is anything the agent sends up: observation pushes and command
// results.
type message struct {
	Type        string              `json:"type"` // "observation" or "result"
	ID          string              `json:"id,omitempty"`
	Observation *domain.Observation `json:"observation,omitempty"`
	Error       string              `json:"error,omitempty"`
	Suggestions []string            `json:"suggestions,omitempty"`
}

// Bridge exposes the page through a single websocket to the in-page agent.
// The agent pushes observations whenever the DOM changes; the bridge caches
// the latest one and answers Snapshot from that cache. Commands are
// request/response with per-call deadlines.
type Bridge struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader
	timeout  time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	latest  domain.Observation
	hasObs  bool
	pending map[string]chan message

	writeMu sync.Mutex
	changes chan struct{}
	nextID  atomic.Uint64
}

var _ ports.PageInspector = (*Bridge)(nil)

func NewBridge(logger *slog.Logger) *Bridge {
	return &Bridge{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1 << 16,
			WriteBufferSize: 1 << 16,
			// The agent runs inside the managed browser, not a web origin
			// we control, so origin checks buy nothing here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		timeout: 10 * time.Second,
		pending: make(map[string]chan message),
		changes: make(chan struct{}, 1),
	}
}

// Handler upgrades the agent's connection and serves it until it drops.
// A new connection replaces the previous one.
func (b *Bridge) Handler(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error("inspector upgrade failed", "error", err)
		return
	}

	b.mu.Lock()
	if b.conn != nil {
		b.conn.Close()
	}
	b.conn = conn
	b.hasObs = false
	b.mu.Unlock()

	b.logger.Info("inspector agent connected", "remote", r.RemoteAddr)
	b.readLoop(conn)
}

func (b *Bridge) readLoop(conn *websocket.Conn) {
	defer func() {
		b.mu.Lock()
		if b.conn == conn {
			b.conn = nil
			b.hasObs = false
		}
		b.mu.Unlock()
		conn.Close()
		b.logger.Info("inspector agent disconnected")
	}()

	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.logger.Warn("inspector read error", "error", err)
			}
			return
		}

		switch msg.Type {
		case "observation":
			if msg.Observation == nil {
				continue
			}
			b.mu.Lock()
			b.latest = *msg.Observation
			b.hasObs = true
			b.mu.Unlock()
			b.signal()
		case "result":
			b.mu.Lock()
			ch := b.pending[msg.ID]
			delete(b.pending, msg.ID)
			b.mu.Unlock()
			if ch != nil {
				ch <- msg
			}
		default:
			b.logger.Debug("unknown inspector message", "type", msg.Type)
		}
	}
}

func (b *Bridge) signal() {
	select {
	case b.changes <- struct{}{}:
	default:
	}
}

// Snapshot returns the latest cached observation. It fails when no agent is
// connected or nothing has been observed yet.
func (b *Bridge) Snapshot(ctx context.Context) (domain.Observation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil || !b.hasObs {
		return domain.Observation{}, domain.ErrNoActiveTarget
	}
	return b.latest, nil
}

func (b *Bridge) Changes() <-chan struct{} { return b.changes }

// send issues one command and waits for the agent's result.
func (b *Bridge) send(ctx context.Context, cmd command) (message, error) {
	cmd.Type = "command"
	cmd.ID = strconv.FormatUint(b.nextID.Add(1), 10)

	b.mu.Lock()
	conn := b.conn
	if conn == nil {
		b.mu.Unlock()
		return message{}, domain.ErrNoActiveTarget
	}
	ch := make(chan message, 1)
	b.pending[cmd.ID] = ch
	b.mu.Unlock()

	b.writeMu.Lock()
	err := conn.WriteJSON(cmd)
	b.writeMu.Unlock()
	if err != nil {
		b.drop(cmd.ID)
		return message{}, fmt.Errorf("send %s: %w", cmd.Action, err)
	}

	t := time.NewTimer(b.timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		b.drop(cmd.ID)
		return message{}, ctx.Err()
	case <-t.C:
		b.drop(cmd.ID)
		return message{}, fmt.Errorf("%s timed out", cmd.Action)
	case msg := <-ch:
		if msg.Error != "" {
			return message{}, fmt.Errorf("%s failed: %s", cmd.Action, msg.Error)
		}
		return msg, nil
	}
}

func (b *Bridge) drop(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

func (b *Bridge) Navigate(ctx context.Context, url string) error {
	_, err := b.send(ctx, command{Action: "navigate", URL: url})
	return err
}

func (b *Bridge) ClickEntryPoint(ctx context.Context) error {
	_, err := b.send(ctx, command{Action: "click_entry"})
	return err
}

func (b *Bridge) ClickAction(ctx context.Context) error {
	_, err := b.send(ctx, command{Action: "click_action"})
	return err
}

func (b *Bridge) FillField(ctx context.Context, fieldID, value string) error {
	_, err := b.send(ctx, command{Action: "fill", FieldID: fieldID, Value: value})
	return err
}

func (b *Bridge) SelectOption(ctx context.Context, fieldID, option string) error {
	_, err := b.send(ctx, command{Action: "select", FieldID: fieldID, Value: option})
	return err
}

func (b *Bridge) TypeText(ctx context.Context, fieldID, value string) error {
	_, err := b.send(ctx, command{Action: "type", FieldID: fieldID, Value: value})
	return err
}

func (b *Bridge) Suggestions(ctx context.Context, fieldID string) ([]string, error) {
	msg, err := b.send(ctx, command{Action: "suggestions", FieldID: fieldID})
	if err != nil {
		return nil, err
	}
	return msg.Suggestions, nil
}

func (b *Bridge) PickSuggestion(ctx context.Context, fieldID string, i int) error {
	_, err := b.send(ctx, command{Action: "pick_suggestion", FieldID: fieldID, Index: i})
	return err
}
