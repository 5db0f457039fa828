package queue

import (
	"math"
	"math/rand"
	"time"

	"marketing-orchestrator/internal/models"
)

// Queue names known to the system.
const (
	Content         = "content"
	Email           = "email"
	Research        = "research"
	SocialListening = "social-listening"
)

// Policy is the per-queue dispatch configuration.
type Policy struct {
	Name        string
	Concurrency int
	MaxAttempts int
	Backoff     models.Backoff
}

// DefaultQueues returns the four production queues.
func DefaultQueues() []Policy {
	backoff := models.Backoff{Type: models.BackoffExponential, Delay: 2 * time.Second}
	return []Policy{
		{Name: Content, Concurrency: 5, MaxAttempts: 3, Backoff: backoff},
		{Name: Email, Concurrency: 3, MaxAttempts: 3, Backoff: backoff},
		{Name: Research, Concurrency: 2, MaxAttempts: 3, Backoff: backoff},
		{Name: SocialListening, Concurrency: 2, MaxAttempts: 3, Backoff: backoff},
	}
}

// BackoffDelay returns the wait before the next attempt once attempt attempts
// have been made. Exponential doubles the base delay per attempt; max caps it
// when positive.
func BackoffDelay(b models.Backoff, attempt int, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	wait := b.Delay
	if b.Type == models.BackoffExponential {
		exp := float64(b.Delay) * math.Pow(2, float64(attempt-1))
		if exp > math.MaxInt64 {
			exp = math.MaxInt64
		}
		wait = time.Duration(exp)
	}
	if max > 0 && wait > max {
		wait = max
	}
	return wait
}

// withJitter spreads a delay uniformly over [d/2, d).
func withJitter(d time.Duration) time.Duration {
	if d < 2 {
		return d
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2)))
}
