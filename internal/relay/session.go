package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/SteamVC/RoomWatch/internal/idgen"
	"github.com/SteamVC/RoomWatch/internal/imvu"
)

// ダウンストリームへ送るイベントの種類
const (
	EventConnected = "connected"
	EventMessage   = "message"
	EventState     = "state"
	EventError     = "error"
)

// Event はダウンストリームへ送るイベントです
type Event struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"roomId,omitempty"`  // connected
	Data    json.RawMessage `json:"data,omitempty"`    // message / state
	Message string          `json:"message,omitempty"` // error
}

// Sink はダウンストリームの送り先です
// SendはRunのgoroutineから順番に呼ばれます
type Sink interface {
	Send(Event) error
	Close() error
}

// Session は1ルーム分の購読です
// 再接続はしません。終わった後にもう一度購読するには新しいSessionが必要です
type Session struct {
	id     string
	roomID string
	creds  imvu.Session
	dialer Dialer
	sink   Sink
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	onExit func() // done を閉じる直前に呼ばれる

	mu    sync.RWMutex
	state State
	err   error
}

func newSession(parent context.Context, roomID string, creds imvu.Session, d Dialer, sink Sink, log *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(parent)
	id := idgen.NewULID()
	return &Session{
		id:     id,
		roomID: roomID,
		creds:  creds,
		dialer: d,
		sink:   sink,
		log:    log.With("roomId", roomID, "session", id),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  Connecting,
	}
}

// ID はセッションのULIDを返します
func (s *Session) ID() string { return s.id }

// RoomID は購読しているルームのIDを返します
func (s *Session) RoomID() string { return s.roomID }

// State は現在の状態を返します
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Done はセッションが終わると閉じられます
func (s *Session) Done() <-chan struct{} { return s.done }

// Err はセッションが終わった理由を返します。利用者側からの切断ならnilです
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Close はアップストリームを閉じてセッションを終わらせます
// ダウンストリームを閉じたときに呼びます。何度呼んでも安全です
func (s *Session) Close() {
	s.cancel()
}

// run は接続からクローズまでを実行します
// どの経路で終わってもアップストリームとダウンストリームの両方を閉じます
func (s *Session) run() {
	err := s.loop()

	s.mu.Lock()
	if s.state != Failed {
		s.state = Closed
	}
	s.err = err
	st := s.state
	s.mu.Unlock()

	if cerr := s.sink.Close(); cerr != nil {
		s.log.Debug("downstream close", "err", cerr)
	}
	s.cancel()
	if err != nil {
		s.log.Warn("relay ended", "state", st, "err", err)
	} else {
		s.log.Info("relay closed", "state", st)
	}
	if s.onExit != nil {
		s.onExit()
	}
	close(s.done)
}

func (s *Session) loop() error {
	up, err := s.dialer.Dial(s.ctx)
	if err != nil {
		if s.ctx.Err() != nil {
			return nil
		}
		s.sendError("IMQ connection error")
		return err
	}
	stop := context.AfterFunc(s.ctx, func() { up.Close() })
	defer func() {
		stop()
		up.Close()
	}()

	s.setState(Authenticating)
	if err := up.WriteJSON(connectFrame(s.creds.CID, s.creds.Sauce)); err != nil {
		s.sendError("IMQ connection error")
		return fmt.Errorf("relay: send connect: %w", err)
	}

	for {
		_, p, err := up.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			s.sendError("IMQ connection error")
			return fmt.Errorf("relay: read: %w", err)
		}

		in := classify(p)
		tr, ok := lookup(s.State(), in.kind)
		if !ok {
			s.log.Debug("frame dropped", "type", in.typ, "state", s.State())
			continue
		}
		s.setState(tr.next)

		switch tr.act {
		case actSubscribe:
			if err := up.WriteJSON(openFloodgatesFrame()); err != nil {
				s.sendError("IMQ connection error")
				return fmt.Errorf("relay: open floodgates: %w", err)
			}
			if err := up.WriteJSON(subscribeFrame(s.roomID)); err != nil {
				s.sendError("IMQ connection error")
				return fmt.Errorf("relay: subscribe: %w", err)
			}
			s.log.Info("subscribed", "queue", QueueName(s.roomID))
			if err := s.send(Event{Type: EventConnected, RoomID: s.roomID}); err != nil {
				return nil
			}
		case actFail:
			s.log.Warn("authentication failed", "reason", in.errText)
			s.sendError("IMQ authentication failed")
			return ErrAuthFailed
		case actForwardMessage:
			if err := s.send(Event{Type: EventMessage, Data: in.data}); err != nil {
				return nil
			}
		case actForwardState:
			if err := s.send(Event{Type: EventState, Data: in.data}); err != nil {
				return nil
			}
		}
	}
}

// send はダウンストリームへ送ります。送れなければ切断とみなします
func (s *Session) send(e Event) error {
	if err := s.sink.Send(e); err != nil {
		s.log.Debug("downstream send failed", "type", e.Type, "err", err)
		return err
	}
	return nil
}

func (s *Session) sendError(msg string) {
	if s.ctx.Err() != nil {
		return
	}
	_ = s.send(Event{Type: EventError, Message: msg})
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}
