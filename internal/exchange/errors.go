package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrInsufficientBalance — биржа отклонила операцию из-за нехватки средств
	// (на Backpack код INSUFFICIENT_FUNDS / "Insufficient collateral").
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// APIError — типизированный отказ биржи: HTTP-статус плюс код/сообщение из тела.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s msg=%s", e.Status, e.Code, e.Message)
}

// Unwrap мапит известные коды биржи на sentinel-ошибки, чтобы работал errors.Is.
func (e *APIError) Unwrap() error {
	if e.insufficient() {
		return ErrInsufficientBalance
	}
	return nil
}

func (e *APIError) insufficient() bool {
	if strings.EqualFold(e.Code, "INSUFFICIENT_FUNDS") {
		return true
	}
	return strings.Contains(strings.ToLower(e.Message), "insufficient collateral")
}

// Transient: таймауты, рейт-лимиты и 5xx ретраятся; остальные 4xx — нет.
func (e *APIError) Transient() bool {
	switch {
	case e.Status == http.StatusRequestTimeout, e.Status == http.StatusTooManyRequests:
		return true
	case e.Status >= 500:
		return true
	default:
		return false
	}
}

// IsTransient классифицирует ошибку для retry.Caller: сетевые обрывы и
// таймауты ретраим, отказы биржи — по статусу, нехватку средств и отмену
// контекста не ретраим никогда.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrInsufficientBalance) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}

	// всё остальное — транспортный уровень (обрыв, DNS, EOF)
	return true
}
