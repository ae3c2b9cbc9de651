// Package retry provides retry logic and exponential backoff for volume operations
package retry

import (
	"context"
	stderr "errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sftpvol/sftpvol/pkg/errors"
)

// Config defines retry behavior configuration
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the initial attempt)
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// InitialDelay is the delay before the first retry. Zero retries immediately.
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`

	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Multiplier is the factor by which delay increases after each retry
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// Jitter adds randomness to delay to prevent thundering herd
	Jitter bool `yaml:"jitter" json:"jitter"`

	// Retryable decides whether an error may be retried. When nil the
	// VolumeError Retryable flag decides.
	Retryable func(err error) bool `yaml:"-" json:"-"`

	// BeforeRetry runs before each retry attempt. A non-nil return aborts the
	// retry loop with that error.
	BeforeRetry func(ctx context.Context, attempt int, err error) error `yaml:"-" json:"-"`
}

// DefaultConfig returns a sensible default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retryer handles retry logic with exponential backoff
type Retryer struct {
	config Config
}

// New creates a new Retryer with the given configuration
func New(config Config) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}

	return &Retryer{config: config}
}

// ErrExhausted wraps the last error once every attempt has failed.
var ErrExhausted = stderr.New("retry attempts exhausted")

// Do executes the given function with retry logic and context support
func (r *Retryer) Do(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("operation canceled: %w", ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !r.shouldRetry(err) {
			return err
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		if r.config.BeforeRetry != nil {
			if hookErr := r.config.BeforeRetry(ctx, attempt, err); hookErr != nil {
				return hookErr
			}
		}

		if delay := r.calculateDelay(attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("operation canceled after %d attempts: %w", attempt, ctx.Err())
			case <-timer.C:
			}
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, r.config.MaxAttempts, lastErr)
}

// shouldRetry determines if an error is retryable
func (r *Retryer) shouldRetry(err error) bool {
	if r.config.Retryable != nil {
		return r.config.Retryable(err)
	}

	var volErr *errors.VolumeError
	if stderr.As(err, &volErr) {
		return volErr.Retryable
	}
	return false
}

// calculateDelay calculates the delay for the next retry attempt
func (r *Retryer) calculateDelay(attempt int) time.Duration {
	if r.config.InitialDelay <= 0 {
		return 0
	}

	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	if r.config.Jitter {
		// ±20%
		delay += delay * 0.2 * (rand.Float64()*2 - 1)
	}

	return time.Duration(delay)
}

// Backoff produces a non-decreasing sequence of delays that doubles from Base
// up to Max. Jitter is applied upward only and never past Max, so successive
// delays never shrink. Safe for concurrent use.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	// JitterFraction is the upper bound of the random upward jitter as a
	// fraction of the un-jittered delay. Values above 1 are clamped.
	JitterFraction float64

	mu      sync.Mutex
	attempt int
	last    time.Duration
	rnd     func() float64
}

// NewBackoff returns a Backoff with the given bounds, doubling and 20% jitter.
func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{
		Base:           base,
		Max:            max,
		Multiplier:     2.0,
		JitterFraction: 0.2,
	}
}

// Next returns the delay for the next attempt and advances the sequence.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	mult := b.Multiplier
	if mult < 1 {
		mult = 2.0
	}
	jf := math.Min(math.Max(b.JitterFraction, 0), 1)
	rnd := b.rnd
	if rnd == nil {
		rnd = rand.Float64
	}

	delay := float64(b.Base) * math.Pow(mult, float64(b.attempt))
	if delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	delay += delay * jf * rnd()
	if delay > float64(b.Max) {
		delay = float64(b.Max)
	}

	d := time.Duration(delay)
	if d < b.last {
		d = b.last
	}
	b.last = d
	b.attempt++
	return d
}

// Reset returns the sequence to its base delay.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.last = 0
	b.mu.Unlock()
}

// Attempts reports how many delays have been handed out since the last Reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}
