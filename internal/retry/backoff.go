package retry

import "time"

// Backoff — экспоненциальная пауза между попытками: Min умножается на
// Factor с каждой попыткой до потолка Max.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
}

func DefaultBackoff() Backoff {
	return Backoff{
		Min:    time.Second,
		Max:    30 * time.Second,
		Factor: 2.0,
	}
}

// Next возвращает паузу после попытки attempt (нумерация с единицы).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	min := b.Min
	if min <= 0 {
		min = time.Second
	}
	max := b.Max
	if max <= 0 {
		max = 30 * time.Second
	}
	factor := b.Factor
	if factor <= 1 {
		factor = 2.0
	}

	wait := min
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(wait) * factor)
		if next > max {
			wait = max
			break
		}
		wait = next
	}
	return wait
}
