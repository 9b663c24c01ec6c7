package exchange

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"

	"pair_bot/internal/helper"
	"pair_bot/internal/models"
)

const (
	usdcSymbol = "USDC"
	blockchain = "Solana"
	signWindow = "5000"
)

// позиции с остатком ниже этого порога считаем пылью от ликвидации
var positionEpsilon = decimal.New(1, -8)

// Client — REST-клиент Backpack Exchange под одну учётку.
// Подпись запросов ED25519: секрет конфига — base64-сид приватного ключа.
type Client struct {
	baseURL string
	apiKey  string
	priv    ed25519.PrivateKey
	http    *http.Client
	feed    *MarketFeed
}

func NewClient(baseURL, apiKey, apiSecret string, feed *MarketFeed) (*Client, error) {
	seed, err := base64.StdEncoding.DecodeString(apiSecret)
	if err != nil {
		return nil, fmt.Errorf("NewClient decode secret: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("NewClient: secret must be %d-byte ed25519 seed, got %d", ed25519.SeedSize, len(seed))
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		priv:    ed25519.NewKeyFromSeed(seed),
		http:    &http.Client{Timeout: 10 * time.Second},
		feed:    feed,
	}, nil
}

// Transfer — вывод USDC на адрес суб- или основного аккаунта (Solana).
func (c *Client) Transfer(ctx context.Context, toAddress string, amount decimal.Decimal) (string, error) {
	if amount.Sign() <= 0 {
		return "", fmt.Errorf("Transfer: amount <= 0")
	}

	body := withdrawRequest{
		Address:    toAddress,
		Blockchain: blockchain,
		Quantity:   amount.StringFixed(6),
		Symbol:     usdcSymbol,
	}

	var res struct {
		ID json.Number `json:"id"`
	}
	if err := c.doSigned(ctx, http.MethodPost, "/api/v1/capital/withdrawals", "withdraw", body.signParams(), body, &res); err != nil {
		return "", fmt.Errorf("Transfer: %w", err)
	}
	return res.ID.String(), nil
}

// PlaceOrder открывает маркет-позицию на notional USDC. Сначала пробуем
// quoteQuantity; если биржа отвергла формат — пересчитываем в базовое
// количество по последней цене с прижатием к шагу рынка.
func (c *Client) PlaceOrder(ctx context.Context, symbol string, side models.Side, notional decimal.Decimal, leverage int) (string, error) {
	if notional.Sign() <= 0 {
		return "", fmt.Errorf("PlaceOrder: notional <= 0")
	}
	if leverage <= 0 {
		return "", fmt.Errorf("PlaceOrder: leverage <= 0")
	}

	ord := orderRequest{
		OrderType:           "Market",
		Side:                orderSide(side),
		Symbol:              symbol,
		QuoteQuantity:       notional.RoundFloor(4).StringFixed(4),
		AutoBorrow:          true,
		AutoBorrowRepay:     true,
		AutoLend:            true,
		AutoLendRedeem:      true,
		SelfTradePrevention: "RejectTaker",
	}

	id, err := c.executeOrder(ctx, ord)
	if err == nil {
		return id, nil
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Transient() {
		// транспорт и 5xx отдаём наверх — их ретраит вызывающий
		return "", fmt.Errorf("PlaceOrder: %w", err)
	}
	if c.feed == nil {
		return "", fmt.Errorf("PlaceOrder: %w", err)
	}

	price, perr := c.feed.LastPrice(ctx, symbol)
	if perr != nil || price.Sign() <= 0 {
		return "", fmt.Errorf("PlaceOrder: %w", err)
	}
	step, serr := c.feed.StepSize(ctx, symbol)
	if serr != nil || step.Sign() <= 0 {
		step = decimal.New(1, -2)
	}

	qty := helper.RoundDownToStep(notional.Div(price), step)
	if qty.LessThan(step) {
		qty = step
	}
	ord.QuoteQuantity = ""
	ord.Quantity = qty.StringFixed(helper.StepDecimals(step))

	id, err2 := c.executeOrder(ctx, ord)
	if err2 != nil {
		return "", fmt.Errorf("PlaceOrder quantity fallback: %w", err2)
	}
	return id, nil
}

// ClosePosition закрывает позицию reduce-only маркетом на весь объём.
// Нет позиции — успех: биржа могла закрыть её сама.
func (c *Client) ClosePosition(ctx context.Context, symbol string) error {
	pos, err := c.GetPosition(ctx, symbol)
	if err != nil {
		return fmt.Errorf("ClosePosition: %w", err)
	}
	if pos.State != models.PositionOpen {
		return nil
	}

	side := "Ask"
	if pos.NetQuantity.Sign() < 0 {
		side = "Bid"
	}
	ord := orderRequest{
		OrderType:  "Market",
		Side:       side,
		Symbol:     symbol,
		Quantity:   pos.NetQuantity.Abs().String(),
		ReduceOnly: true,
	}

	if _, err := c.executeOrder(ctx, ord); err != nil {
		// гонка с авто-закрытием: перечитываем позицию перед тем как сдаться
		if again, aerr := c.GetPosition(ctx, symbol); aerr == nil && again.State != models.PositionOpen {
			return nil
		}
		return fmt.Errorf("ClosePosition: %w", err)
	}
	return nil
}

func (c *Client) GetPosition(ctx context.Context, symbol string) (models.Position, error) {
	var raw json.RawMessage
	if err := c.doSigned(ctx, http.MethodGet, "/api/v1/position", "positionQuery", nil, nil, &raw); err != nil {
		return models.Position{}, fmt.Errorf("GetPosition: %w", err)
	}

	rows, err := positionRows(raw)
	if err != nil {
		return models.Position{}, fmt.Errorf("GetPosition decode: %w; body=%s", err, string(raw))
	}

	for _, row := range rows {
		if !symbolMatches(row.Symbol, symbol) {
			continue
		}
		qty, _ := decimal.NewFromString(row.NetQuantity)
		entry, _ := decimal.NewFromString(row.EntryPrice)
		mark, _ := decimal.NewFromString(row.MarkPrice)
		liq, _ := decimal.NewFromString(row.EstLiquidationPrice)
		pnl, _ := decimal.NewFromString(row.UnrealizedPnl)

		pos := models.Position{
			Symbol:           row.Symbol,
			State:            models.PositionOpen,
			NetQuantity:      qty,
			EntryPrice:       entry,
			MarkPrice:        mark,
			LiquidationPrice: liq,
			UnrealizedPnl:    pnl,
			Updated:          time.Now(),
		}
		if qty.Abs().LessThanOrEqual(positionEpsilon) {
			pos.State = models.PositionClosed
		}
		return pos, nil
	}

	// позиции нет — для биржи это "закрыта", ликвидацию различает lifecycle
	return models.Position{Symbol: symbol, State: models.PositionClosed, Updated: time.Now()}, nil
}

func (c *Client) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	var raw json.RawMessage
	if err := c.doSigned(ctx, http.MethodGet, "/api/v1/capital/collateral", "collateralQuery", nil, nil, &raw); err != nil {
		return decimal.Zero, fmt.Errorf("GetBalance: %w", err)
	}

	rows, err := collateralRows(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("GetBalance decode: %w; body=%s", err, string(raw))
	}

	for _, row := range rows {
		if row.Symbol != usdcSymbol {
			continue
		}
		bal, _ := decimal.NewFromString(row.AvailableQuantity)
		return bal, nil
	}
	return decimal.Zero, nil
}

// ===== запросы/подпись =====

type withdrawRequest struct {
	Address    string `json:"address"`
	Blockchain string `json:"blockchain"`
	Quantity   string `json:"quantity"`
	Symbol     string `json:"symbol"`
}

func (r withdrawRequest) signParams() map[string]string {
	return map[string]string{
		"address":    r.Address,
		"blockchain": r.Blockchain,
		"quantity":   r.Quantity,
		"symbol":     r.Symbol,
	}
}

type orderRequest struct {
	OrderType           string `json:"orderType"`
	Side                string `json:"side"`
	Symbol              string `json:"symbol"`
	QuoteQuantity       string `json:"quoteQuantity,omitempty"`
	Quantity            string `json:"quantity,omitempty"`
	ReduceOnly          bool   `json:"reduceOnly"`
	AutoBorrow          bool   `json:"autoBorrow,omitempty"`
	AutoBorrowRepay     bool   `json:"autoBorrowRepay,omitempty"`
	AutoLend            bool   `json:"autoLend,omitempty"`
	AutoLendRedeem      bool   `json:"autoLendRedeem,omitempty"`
	SelfTradePrevention string `json:"selfTradePrevention,omitempty"`
}

// signParams — значения как строки, булевы в нижнем регистре: так их
// ожидает подписываемая строка Backpack.
func (r orderRequest) signParams() map[string]string {
	params := map[string]string{
		"orderType":  r.OrderType,
		"side":       r.Side,
		"symbol":     r.Symbol,
		"reduceOnly": strconv.FormatBool(r.ReduceOnly),
	}
	if r.QuoteQuantity != "" {
		params["quoteQuantity"] = r.QuoteQuantity
	}
	if r.Quantity != "" {
		params["quantity"] = r.Quantity
	}
	if r.AutoBorrow {
		params["autoBorrow"] = "true"
	}
	if r.AutoBorrowRepay {
		params["autoBorrowRepay"] = "true"
	}
	if r.AutoLend {
		params["autoLend"] = "true"
	}
	if r.AutoLendRedeem {
		params["autoLendRedeem"] = "true"
	}
	if r.SelfTradePrevention != "" {
		params["selfTradePrevention"] = r.SelfTradePrevention
	}
	return params
}

func (c *Client) executeOrder(ctx context.Context, ord orderRequest) (string, error) {
	var res struct {
		ID json.Number `json:"id"`
	}
	if err := c.doSigned(ctx, http.MethodPost, "/api/v1/order", "orderExecute", ord.signParams(), ord, &res); err != nil {
		return "", err
	}
	return res.ID.String(), nil
}

func orderSide(side models.Side) string {
	if side == models.SideLong {
		return "Bid"
	}
	return "Ask"
}

// sign строит строку "instruction=...&<params по алфавиту>&timestamp=...&window=..."
// и подписывает её ED25519-ключом аккаунта.
func (c *Client) sign(instruction string, params map[string]string, ts int64) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("instruction=")
	b.WriteString(instruction)
	for _, k := range keys {
		b.WriteString("&")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(params[k])
	}
	b.WriteString("&timestamp=")
	b.WriteString(strconv.FormatInt(ts, 10))
	b.WriteString("&window=")
	b.WriteString(signWindow)

	sig := ed25519.Sign(c.priv, []byte(b.String()))
	return base64.StdEncoding.EncodeToString(sig)
}

func (c *Client) doSigned(ctx context.Context, method, path, instruction string, params map[string]string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = sonic.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}

	ts := time.Now().UnixMilli()
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("X-Signature", c.sign(instruction, params, ts))
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Window", signWindow)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()

	rb, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		return apiErrorFrom(resp.StatusCode, rb)
	}

	if out != nil && len(rb) > 0 {
		if err := json.Unmarshal(rb, out); err != nil {
			return fmt.Errorf("decode: %w; body=%s", err, string(rb))
		}
	}
	return nil
}

func apiErrorFrom(status int, body []byte) error {
	var e struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &e)
	if e.Code == "" && e.Message == "" {
		e.Message = strings.TrimSpace(string(body))
	}
	return &APIError{Status: status, Code: e.Code, Message: e.Message}
}

// ===== разбор ответов =====

type positionRow struct {
	Symbol              string `json:"symbol"`
	NetQuantity         string `json:"netQuantity"`
	EntryPrice          string `json:"entryPrice"`
	MarkPrice           string `json:"markPrice"`
	EstLiquidationPrice string `json:"estLiquidationPrice"`
	UnrealizedPnl       string `json:"unrealizedPnl"`
}

// positionRows терпит оба формата ответа: голый массив и обёртку {"data": [...]}.
func positionRows(raw json.RawMessage) ([]positionRow, error) {
	var rows []positionRow
	if err := json.Unmarshal(raw, &rows); err == nil {
		return rows, nil
	}
	var wrap struct {
		Data []positionRow `json:"data"`
	}
	if err := json.Unmarshal(raw, &wrap); err != nil {
		return nil, err
	}
	return wrap.Data, nil
}

type collateralRow struct {
	Symbol            string `json:"symbol"`
	AvailableQuantity string `json:"availableQuantity"`
}

func collateralRows(raw json.RawMessage) ([]collateralRow, error) {
	var rows []collateralRow
	if err := json.Unmarshal(raw, &rows); err == nil {
		return rows, nil
	}
	var wrap struct {
		Collateral []collateralRow `json:"collateral"`
		Data       json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &wrap); err != nil {
		return nil, err
	}
	if wrap.Collateral != nil {
		return wrap.Collateral, nil
	}
	if wrap.Data != nil {
		return collateralRows(wrap.Data)
	}
	return nil, nil
}

func symbolMatches(got, want string) bool {
	if got == want {
		return true
	}
	return got == strings.ReplaceAll(want, "_", "-") ||
		got == strings.ReplaceAll(want, "-", "_")
}
