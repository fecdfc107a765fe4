package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	DefaultStreamURL = "wss://stream.binance.com:9443/ws"

	streamHandshakeTimeout = 10 * time.Second
	streamReadTimeout      = 30 * time.Second
	streamReconnectDelay   = 2 * time.Second
)

type streamQuote struct {
	priceE6 uint64
	at      time.Time
}

// StreamSource keeps the latest mini-ticker close per asset from a Binance
// websocket stream. FetchPrice never touches the network; it serves the last
// quote while it is younger than maxAge.
type StreamSource struct {
	url    string
	maxAge time.Duration
	logger zerolog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	quotes map[string]streamQuote
}

var _ Source = (*StreamSource)(nil)

func NewStreamSource(url string, maxAge time.Duration, logger zerolog.Logger) *StreamSource {
	if url == "" {
		url = DefaultStreamURL
	}
	return &StreamSource{
		url:    url,
		maxAge: maxAge,
		logger: logger,
		now:    time.Now,
		quotes: make(map[string]streamQuote),
	}
}

func (s *StreamSource) Name() string {
	return "stream"
}

func (s *StreamSource) FetchPrice(_ context.Context, asset string) (uint64, error) {
	s.mu.RLock()
	q, ok := s.quotes[strings.ToUpper(asset)]
	s.mu.RUnlock()

	if !ok || s.now().Sub(q.at) > s.maxAge {
		return 0, fmt.Errorf("stream: %w for %s", ErrNoPrice, asset)
	}
	return q.priceE6, nil
}

// Run subscribes to the mini-ticker of every asset and keeps reconnecting
// until ctx is cancelled.
func (s *StreamSource) Run(ctx context.Context, assets []string) error {
	for {
		err := s.session(ctx, assets)
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Warn().Err(err).Str("url", s.url).Msg("price stream disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(streamReconnectDelay):
		}
	}
}

type miniTicker struct {
	Event  string `json:"e"`
	Symbol string `json:"s"`
	Close  string `json:"c"`
}

func (s *StreamSource) session(ctx context.Context, assets []string) error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = streamHandshakeTimeout

	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	defer conn.Close()

	// Unblock ReadMessage on shutdown.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	params := make([]string, 0, len(assets))
	for _, a := range assets {
		params = append(params, strings.ToLower(a)+"usdt@miniTicker")
	}
	if err := conn.WriteJSON(map[string]any{"method": "SUBSCRIBE", "params": params, "id": 1}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.logger.Info().Strs("streams", params).Msg("price stream subscribed")

	for {
		_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var t miniTicker
		if err := json.Unmarshal(msg, &t); err != nil || t.Event != "24hrMiniTicker" {
			continue
		}
		price, err := ParsePriceE6(t.Close)
		if err != nil {
			s.logger.Debug().Err(err).Str("symbol", t.Symbol).Msg("dropping unparsable quote")
			continue
		}

		asset := strings.TrimSuffix(strings.ToUpper(t.Symbol), "USDT")
		s.mu.Lock()
		s.quotes[asset] = streamQuote{priceE6: price, at: s.now()}
		s.mu.Unlock()
	}
}
