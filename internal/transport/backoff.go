package transport

import "time"

// Backoff — двухступенчатое расписание переподключения: первые ShortAttempts
// попыток ждут Short, все следующие Long.
type Backoff struct {
	Short         time.Duration
	Long          time.Duration
	ShortAttempts int
}

func DefaultBackoff() Backoff {
	return Backoff{Short: 15 * time.Second, Long: 60 * time.Second, ShortAttempts: 10}
}

// Delay — пауза перед попыткой attempt (счёт с 1).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= b.ShortAttempts {
		return b.Short
	}
	return b.Long
}
