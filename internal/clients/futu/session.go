// Package futu ingests Hong Kong tick data from a Futu OpenD quote
// gateway: a push subscription over the gateway's websocket JSON
// bridge, a per-symbol polling fallback, dedupe baselines, and the
// health loop that feeds the notifier and the watchdog.
package futu

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bobmcallan/hktick/internal/common"
)

// RawTick is one ticker record as the gateway bridge encodes it.
// Numeric timestamps arrive in TSMs; human-formatted ones in Time.
type RawTick struct {
	Code       string   `json:"code"`
	Time       string   `json:"time,omitempty"`
	TSMs       int64    `json:"ts,omitempty"`
	Price      *float64 `json:"price,omitempty"`
	Volume     *int64   `json:"volume,omitempty"`
	Turnover   *float64 `json:"turnover,omitempty"`
	Direction  *string  `json:"ticker_direction,omitempty"`
	Sequence   *int64   `json:"sequence,omitempty"`
	TickType   *string  `json:"type,omitempty"`
	TradingDay string   `json:"trading_day,omitempty"`
}

// QuoteSession is one live connection to the quote gateway. Pushes
// delivers ticker frames from the read loop; Fault reports the first
// transport failure, after which the session is dead.
type QuoteSession interface {
	Subscribe(ctx context.Context, symbols []string, session string) error
	FetchRecent(ctx context.Context, symbol string, num int) ([]RawTick, error)
	Ping(ctx context.Context) error
	Pushes() <-chan []RawTick
	Fault() <-chan error
	Close() error
}

// SessionFactory opens a fresh session; the reconnect supervisor calls
// it on every attempt.
type SessionFactory func(cfg common.UpstreamConfig, logger *common.Logger) (QuoteSession, error)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsWriteTimeout     = 5 * time.Second
	wsRequestTimeout   = 10 * time.Second
)

type wsRequest struct {
	Op      string   `json:"op"`
	ID      int64    `json:"id"`
	Symbols []string `json:"symbols,omitempty"`
	Symbol  string   `json:"symbol,omitempty"`
	SubType string   `json:"sub_type,omitempty"`
	Session string   `json:"session,omitempty"`
	Num     int      `json:"num,omitempty"`
}

type wsFrame struct {
	Op   string    `json:"op"`
	ID   int64     `json:"id"`
	OK   *bool     `json:"ok,omitempty"`
	Msg  string    `json:"msg,omitempty"`
	Data []RawTick `json:"data,omitempty"`
}

// wsSession speaks the gateway's JSON protocol over a websocket:
// request/response frames matched by id, plus unsolicited "push"
// frames carrying ticker rows.
type wsSession struct {
	conn   *websocket.Conn
	logger *common.Logger

	writeMu sync.Mutex
	nextID  int64

	pendingMu sync.Mutex
	pending   map[int64]chan wsFrame

	pushes  chan []RawTick
	fault   chan error
	closed  chan struct{}
	closeMu sync.Mutex
	done    bool
}

// DialSession connects to ws://host:port/quote and starts the read
// loop. It is the production SessionFactory.
func DialSession(cfg common.UpstreamConfig, logger *common.Logger) (QuoteSession, error) {
	endpoint := url.URL{
		Scheme: "ws",
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:   "/quote",
	}
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.Dial(endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial quote gateway %s: %w", endpoint.String(), err)
	}

	s := &wsSession{
		conn:    conn,
		logger:  logger,
		pending: make(map[int64]chan wsFrame),
		pushes:  make(chan []RawTick, 256),
		fault:   make(chan error, 1),
		closed:  make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func (s *wsSession) Subscribe(ctx context.Context, symbols []string, session string) error {
	if len(symbols) == 0 {
		return fmt.Errorf("subscribe: empty symbol list")
	}
	frame, err := s.request(ctx, wsRequest{
		Op:      "subscribe",
		Symbols: symbols,
		SubType: "ticker",
		Session: strings.ToUpper(session),
	})
	if err != nil {
		return err
	}
	if frame.OK != nil && !*frame.OK {
		return fmt.Errorf("subscribe failed: %s", frame.Msg)
	}
	return nil
}

func (s *wsSession) FetchRecent(ctx context.Context, symbol string, num int) ([]RawTick, error) {
	frame, err := s.request(ctx, wsRequest{Op: "recent", Symbol: symbol, Num: num})
	if err != nil {
		return nil, err
	}
	if frame.OK != nil && !*frame.OK {
		return nil, fmt.Errorf("recent %s failed: %s", symbol, frame.Msg)
	}
	return frame.Data, nil
}

func (s *wsSession) Ping(ctx context.Context) error {
	frame, err := s.request(ctx, wsRequest{Op: "ping"})
	if err != nil {
		return err
	}
	if frame.OK != nil && !*frame.OK {
		return fmt.Errorf("ping failed: %s", frame.Msg)
	}
	return nil
}

func (s *wsSession) Pushes() <-chan []RawTick {
	return s.pushes
}

func (s *wsSession) Fault() <-chan error {
	return s.fault
}

func (s *wsSession) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.done {
		return nil
	}
	s.done = true
	close(s.closed)
	return s.conn.Close()
}

func (s *wsSession) request(ctx context.Context, req wsRequest) (wsFrame, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wsRequestTimeout)
		defer cancel()
	}

	reply := make(chan wsFrame, 1)
	s.pendingMu.Lock()
	s.nextID++
	req.ID = s.nextID
	s.pending[req.ID] = reply
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, req.ID)
		s.pendingMu.Unlock()
	}()

	s.writeMu.Lock()
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	err := s.conn.WriteJSON(req)
	s.writeMu.Unlock()
	if err != nil {
		return wsFrame{}, fmt.Errorf("write %s: %w", req.Op, err)
	}

	select {
	case <-ctx.Done():
		return wsFrame{}, ctx.Err()
	case <-s.closed:
		return wsFrame{}, fmt.Errorf("session closed during %s", req.Op)
	case frame := <-reply:
		return frame, nil
	}
}

func (s *wsSession) readLoop() {
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.reportFault(err)
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			s.logger.Warn().Err(err).Msg("quote gateway sent undecodable frame")
			continue
		}

		if frame.Op == "push" {
			select {
			case s.pushes <- frame.Data:
			default:
				s.logger.Warn().Int("rows", len(frame.Data)).Msg("push buffer full, frame dropped")
			}
			continue
		}

		s.pendingMu.Lock()
		reply, ok := s.pending[frame.ID]
		s.pendingMu.Unlock()
		if ok {
			reply <- frame
		}
	}
}

func (s *wsSession) reportFault(err error) {
	select {
	case <-s.closed:
		return
	default:
	}
	select {
	case s.fault <- err:
	default:
	}
}
