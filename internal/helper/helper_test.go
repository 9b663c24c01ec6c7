package helper

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestRoundDownToStep(t *testing.T) {
	tests := []struct {
		q, step, want string
	}{
		{"1.2345", "0.01", "1.23"},
		{"1.2399", "0.01", "1.23"},
		{"1.23", "0.01", "1.23"},
		{"2.999", "0.5", "2.5"},
		{"0.009", "0.01", "0"},
		{"7", "1", "7"},
		{"1.2345", "0", "1.2345"},
		{"1.2345", "-1", "1.2345"},
	}
	for _, tt := range tests {
		got := RoundDownToStep(d(tt.q), d(tt.step))
		assert.True(t, got.Equal(d(tt.want)), "RoundDownToStep(%s, %s) = %s, want %s", tt.q, tt.step, got, tt.want)
	}
}

func TestRoundUpToStep(t *testing.T) {
	tests := []struct {
		q, step, want string
	}{
		{"1.2301", "0.01", "1.24"},
		{"1.23", "0.01", "1.23"},
		{"2.1", "0.5", "2.5"},
		{"0.001", "0.01", "0.01"},
		{"1.2345", "0", "1.2345"},
	}
	for _, tt := range tests {
		got := RoundUpToStep(d(tt.q), d(tt.step))
		assert.True(t, got.Equal(d(tt.want)), "RoundUpToStep(%s, %s) = %s, want %s", tt.q, tt.step, got, tt.want)
	}
}

func TestStepDecimals(t *testing.T) {
	assert.Equal(t, int32(2), StepDecimals(d("0.01")))
	assert.Equal(t, int32(6), StepDecimals(d("0.000001")))
	assert.Equal(t, int32(0), StepDecimals(d("1")))
	assert.Equal(t, int32(0), StepDecimals(d("10")))
}
