package oracle_test

import (
	"PerpKeeper/internal/oracle"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBinanceSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/ticker/price", r.URL.Path)
		assert.Equal(t, "SOLUSDT", r.URL.Query().Get("symbol"))
		fmt.Fprint(w, `{"symbol":"SOLUSDT","price":"151.23000000"}`)
	}))
	defer srv.Close()

	price, err := oracle.NewBinanceSource(srv.URL, 100).FetchPrice(context.Background(), "sol")
	require.NoError(t, err)
	assert.Equal(t, uint64(151_230_000), price)
}

func TestCoinbaseSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/prices/ETH-USD/spot", r.URL.Path)
		fmt.Fprint(w, `{"data":{"base":"ETH","currency":"USD","amount":"2500.5"}}`)
	}))
	defer srv.Close()

	price, err := oracle.NewCoinbaseSource(srv.URL, 100).FetchPrice(context.Background(), "ETH")
	require.NoError(t, err)
	assert.Equal(t, uint64(2_500_500_000), price)
}

func TestHTTPSource_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := oracle.NewBinanceSource(srv.URL, 100).FetchPrice(context.Background(), "SOL")
	assert.ErrorContains(t, err, "status 429")
}

func TestHTTPSource_EmptyPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{}}`)
	}))
	defer srv.Close()

	_, err := oracle.NewCoinbaseSource(srv.URL, 100).FetchPrice(context.Background(), "SOL")
	assert.ErrorIs(t, err, oracle.ErrNoPrice)
}

func TestStreamSource_ServesLatestQuote(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan []string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub struct {
			Params []string `json:"params"`
		}
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		subscribed <- sub.Params

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"result":null,"id":1}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"24hrMiniTicker","s":"SOLUSDT","c":"99.5"}`))

		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	src := oracle.NewStreamSource("ws"+strings.TrimPrefix(srv.URL, "http"), time.Minute, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = src.Run(ctx, []string{"SOL"})
		close(done)
	}()

	select {
	case params := <-subscribed:
		assert.Equal(t, []string{"solusdt@miniTicker"}, params)
	case <-time.After(5 * time.Second):
		t.Fatal("stream never subscribed")
	}

	require.Eventually(t, func() bool {
		p, err := src.FetchPrice(context.Background(), "SOL")
		return err == nil && p == 99_500_000
	}, 5*time.Second, 10*time.Millisecond)

	_, err := src.FetchPrice(context.Background(), "ETH")
	assert.ErrorIs(t, err, oracle.ErrNoPrice)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop")
	}
}
