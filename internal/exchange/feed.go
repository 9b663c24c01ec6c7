package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"pair_bot/pkg/logger"
)

// MarketFeed — общие публичные данные рынка: кэш последней цены, питаемый
// ws-стримом тикера, с REST-фолбэком, плюс кэш шагов количества.
// Один на процесс, читают все клиенты.
type MarketFeed struct {
	baseURL  string
	wsURL    string
	symbol   string
	http     *http.Client
	wsDialer *websocket.Dialer

	mu     sync.RWMutex
	prices map[string]decimal.Decimal
	steps  map[string]decimal.Decimal

	onStatus func(connected bool)
}

func NewMarketFeed(baseURL, wsURL, symbol string) *MarketFeed {
	return &MarketFeed{
		baseURL:  strings.TrimRight(baseURL, "/"),
		wsURL:    wsURL,
		symbol:   symbol,
		http:     &http.Client{Timeout: 10 * time.Second},
		wsDialer: &websocket.Dialer{},
		prices:   make(map[string]decimal.Decimal),
		steps:    make(map[string]decimal.Decimal),
	}
}

// OnStatus регистрирует колбэк статуса ws-подключения (для health).
// Вызывать до Run.
func (f *MarketFeed) OnStatus(fn func(connected bool)) { f.onStatus = fn }

func (f *MarketFeed) setPrice(symbol string, p decimal.Decimal) {
	f.mu.Lock()
	f.prices[symbol] = p
	f.mu.Unlock()
}

// LastPrice отдаёт цену из ws-кэша, при пустом кэше — REST-тикер.
func (f *MarketFeed) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	f.mu.RLock()
	p, ok := f.prices[symbol]
	f.mu.RUnlock()
	if ok && p.Sign() > 0 {
		return p, nil
	}

	var res struct {
		LastPrice string `json:"lastPrice"`
	}
	if err := f.get(ctx, "/api/v1/ticker?symbol="+url.QueryEscape(symbol), &res); err != nil {
		return decimal.Zero, fmt.Errorf("LastPrice: %w", err)
	}
	p, err := decimal.NewFromString(res.LastPrice)
	if err != nil || p.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("LastPrice: bad price %q", res.LastPrice)
	}
	f.setPrice(symbol, p)
	return p, nil
}

// StepSize — шаг количества рынка из /api/v1/markets, кэшируется навсегда.
// Рынок без фильтра получает резервный шаг 0.01.
func (f *MarketFeed) StepSize(ctx context.Context, symbol string) (decimal.Decimal, error) {
	f.mu.RLock()
	s, ok := f.steps[symbol]
	f.mu.RUnlock()
	if ok {
		return s, nil
	}

	var markets []marketRow
	if err := f.get(ctx, "/api/v1/markets", &markets); err != nil {
		return decimal.Zero, fmt.Errorf("StepSize: %w", err)
	}

	step := decimal.New(1, -2)
	for _, m := range markets {
		if !symbolMatches(m.Symbol, symbol) {
			continue
		}
		if parsed, err := decimal.NewFromString(m.Filters.Quantity.StepSize); err == nil && parsed.Sign() > 0 {
			step = parsed
		}
		break
	}

	f.mu.Lock()
	f.steps[symbol] = step
	f.mu.Unlock()
	return step, nil
}

type marketRow struct {
	Symbol  string `json:"symbol"`
	Filters struct {
		Quantity struct {
			StepSize string `json:"stepSize"`
		} `json:"quantity"`
	} `json:"filters"`
}

func (f *MarketFeed) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()

	rb, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		return apiErrorFrom(resp.StatusCode, rb)
	}
	if err := json.Unmarshal(rb, out); err != nil {
		return fmt.Errorf("decode: %w; body=%s", err, string(rb))
	}
	return nil
}

// Run держит подписку на тикер с переподключением. Блокируется до отмены ctx.
func (f *MarketFeed) Run(ctx context.Context) {
	retry := 0
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := f.wsDialer.Dial(f.wsURL, nil)
		if err != nil {
			retry++
			if retry > 8 {
				retry = 8
			}
			logger.Warn("MarketFeed | dial %s: %v", f.wsURL, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(300*retry) * time.Millisecond):
			}
			continue
		}
		retry = 0

		sub := map[string]any{
			"method": "SUBSCRIBE",
			"params": []string{"ticker." + f.symbol},
		}
		if err := conn.WriteJSON(sub); err != nil {
			logger.Warn("MarketFeed | subscribe: %v", err)
			_ = conn.Close()
			continue
		}
		f.setConnected(true)

		stopPing := make(chan struct{})
		go func() {
			t := time.NewTicker(15 * time.Second)
			defer t.Stop()
			for {
				select {
				case <-stopPing:
					return
				case <-ctx.Done():
					_ = conn.Close() // разблокирует ReadMessage при останове
					return
				case <-t.C:
					_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				}
			}
		}()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				close(stopPing)
				_ = conn.Close()
				f.setConnected(false)
				break
			}

			var frame struct {
				Stream string `json:"stream"`
				Data   struct {
					Symbol string `json:"s"`
					Last   string `json:"c"`
				} `json:"data"`
			}
			if err := json.Unmarshal(msg, &frame); err != nil {
				continue
			}
			if !strings.HasPrefix(frame.Stream, "ticker.") || frame.Data.Last == "" {
				continue
			}
			p, err := decimal.NewFromString(frame.Data.Last)
			if err != nil || p.Sign() <= 0 {
				continue
			}
			sym := frame.Data.Symbol
			if sym == "" {
				sym = strings.TrimPrefix(frame.Stream, "ticker.")
			}
			f.setPrice(sym, p)
		}

		select {
		case <-ctx.Done():
			return
		default:
			time.Sleep(time.Second)
		}
	}
}

func (f *MarketFeed) setConnected(v bool) {
	if f.onStatus != nil {
		f.onStatus(v)
	}
}
