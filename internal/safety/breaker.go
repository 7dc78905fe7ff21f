// Package safety trips a circuit breaker on consecutive exchange failures so
// a broken venue or network cannot grind the bot through endless retries.
package safety

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"martingale-grid/internal/alert"
	"martingale-grid/internal/core"
	"martingale-grid/internal/exchange"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

type circuitState string

const (
	circuitClosed   circuitState = "closed"
	circuitOpen     circuitState = "open"
	circuitHalfOpen circuitState = "half_open"
)

const (
	defaultReconnectCooldown          = 30 * time.Second
	defaultReconnectHalfOpenSuccesses = 1
)

type circuit struct {
	name            string
	maxFailures     int
	failures        int
	state           circuitState
	openedAt        time.Time
	openErr         error
	halfOpenSuccess int
}

// Breaker tracks three independent failure circuits. Place and cancel trip
// hard and stay open until a successful call closes them again; reconnect
// additionally supports a cooldown with half-open probing.
type Breaker struct {
	enabled bool
	log     *zap.Logger

	mu        sync.Mutex
	place     circuit
	cancel    circuit
	reconnect circuit

	reconnectCooldown          time.Duration
	reconnectHalfOpenSuccesses int

	alerter alert.Alerter
}

func NewBreaker(enabled bool, maxPlaceFailures, maxCancelFailures, maxReconnectFailures int, log *zap.Logger) *Breaker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Breaker{
		enabled:                    enabled,
		log:                        log,
		place:                      circuit{name: "place_order", maxFailures: maxPlaceFailures, state: circuitClosed},
		cancel:                     circuit{name: "cancel_order", maxFailures: maxCancelFailures, state: circuitClosed},
		reconnect:                  circuit{name: "reconnect", maxFailures: maxReconnectFailures, state: circuitClosed},
		reconnectCooldown:          defaultReconnectCooldown,
		reconnectHalfOpenSuccesses: defaultReconnectHalfOpenSuccesses,
	}
}

func (b *Breaker) SetReconnectRecovery(cooldown time.Duration, halfOpenSuccesses int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if cooldown <= 0 {
		cooldown = defaultReconnectCooldown
	}
	if halfOpenSuccesses < 1 {
		halfOpenSuccesses = defaultReconnectHalfOpenSuccesses
	}
	b.reconnectCooldown = cooldown
	b.reconnectHalfOpenSuccesses = halfOpenSuccesses
}

func (b *Breaker) SetAlerter(alerter alert.Alerter) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alerter = alerter
}

// RecordPlace feeds a place-order outcome into the circuit. A non-nil return
// means the circuit is (now) open and the caller must stop placing.
func (b *Breaker) RecordPlace(err error) error {
	if b == nil {
		return nil
	}
	return b.record(&b.place, err)
}

func (b *Breaker) RecordCancel(err error) error {
	if b == nil {
		return nil
	}
	return b.record(&b.cancel, err)
}

func (b *Breaker) RecordReconnect(err error) error {
	if b == nil {
		return nil
	}
	return b.record(&b.reconnect, err)
}

// AllowReconnect gates reconnect attempts. While cooling down it returns the
// open error; after the cooldown it moves the circuit to half-open and lets
// one probe through.
func (b *Breaker) AllowReconnect() error {
	if b == nil || !b.enabled {
		return nil
	}
	b.mu.Lock()
	if b.reconnect.state != circuitOpen {
		b.mu.Unlock()
		return nil
	}
	if b.reconnectCooldown > 0 && time.Since(b.reconnect.openedAt) < b.reconnectCooldown {
		err := b.reconnect.openErr
		if err == nil {
			err = fmt.Errorf("%w: reconnect circuit is open", ErrCircuitOpen)
		}
		b.mu.Unlock()
		return err
	}
	b.reconnect.state = circuitHalfOpen
	b.reconnect.halfOpenSuccess = 0
	b.reconnect.failures = 0
	b.reconnect.openErr = nil
	alerter := b.alerter
	cooldown := b.reconnectCooldown
	b.mu.Unlock()

	b.log.Info("circuit half-open, probing",
		zap.String("action", "reconnect"),
		zap.Duration("cooldown", cooldown))
	if alerter != nil {
		alerter.Important("circuit_breaker_half_open", map[string]string{
			"action":       "reconnect",
			"cooldown_sec": strconv.FormatInt(int64(cooldown/time.Second), 10),
		})
	}
	return nil
}

func (b *Breaker) ReconnectCooldownRemaining() time.Duration {
	if b == nil || !b.enabled {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.reconnect.state != circuitOpen || b.reconnectCooldown <= 0 {
		return 0
	}
	remaining := b.reconnectCooldown - time.Since(b.reconnect.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (b *Breaker) record(c *circuit, err error) error {
	if b == nil || !b.enabled {
		return nil
	}
	b.mu.Lock()
	if c.maxFailures < 1 {
		b.mu.Unlock()
		return nil
	}
	if err == nil {
		b.recordSuccessLocked(c)
		return nil
	}

	switch c.state {
	case circuitOpen:
		openErr := c.openErr
		if openErr == nil {
			openErr = fmt.Errorf("%w: %s circuit is open", ErrCircuitOpen, c.name)
			c.openErr = openErr
		}
		b.mu.Unlock()
		return openErr
	case circuitHalfOpen:
		openErr := b.tripLocked(c, err, 1)
		b.notifyTripLocked(c, err, "half_open_probe_failed")
		b.mu.Unlock()
		return openErr
	}

	c.failures++
	if c.failures < c.maxFailures {
		warn := c.failures == c.maxFailures-1 && c.name != "reconnect"
		failures, limit := c.failures, c.maxFailures
		alerter := b.alerter
		b.mu.Unlock()
		if warn {
			b.log.Warn("circuit near trip",
				zap.String("action", c.name),
				zap.Int("consecutive_failures", failures),
				zap.Int("threshold", limit),
				zap.Error(err))
			if alerter != nil {
				alerter.Important("circuit_breaker_near_trip", map[string]string{
					"action":               c.name,
					"consecutive_failures": strconv.Itoa(failures),
					"threshold":            strconv.Itoa(limit),
					"last_error":           err.Error(),
				})
			}
		}
		return nil
	}

	openErr := b.tripLocked(c, err, c.failures)
	b.notifyTripLocked(c, err, "consecutive_failures")
	b.mu.Unlock()
	return openErr
}

// recordSuccessLocked closes or resets a circuit; releases the lock.
func (b *Breaker) recordSuccessLocked(c *circuit) {
	prevFailures := c.failures
	prevState := c.state
	recovered := false
	switch c.state {
	case circuitHalfOpen:
		c.halfOpenSuccess++
		if c.halfOpenSuccess >= b.reconnectHalfOpenSuccesses || c.name != "reconnect" {
			recovered = true
			c.state = circuitClosed
			c.failures = 0
			c.openErr = nil
			c.openedAt = time.Time{}
			c.halfOpenSuccess = 0
		}
	case circuitClosed:
		if c.failures > 0 {
			recovered = true
			c.failures = 0
		}
	case circuitOpen:
		// Open circuits only probe through AllowReconnect.
	}
	alerter := b.alerter
	b.mu.Unlock()
	if !recovered {
		return
	}
	b.log.Info("circuit recovered",
		zap.String("action", c.name),
		zap.Int("previous_consecutive_failures", prevFailures),
		zap.String("from_state", string(prevState)))
	if alerter != nil {
		alerter.Important("circuit_breaker_recovered", map[string]string{
			"action":                        c.name,
			"previous_consecutive_failures": strconv.Itoa(prevFailures),
			"from_state":                    string(prevState),
		})
	}
}

func (b *Breaker) tripLocked(c *circuit, err error, failures int) error {
	if failures < 1 {
		failures = c.maxFailures
	}
	c.state = circuitOpen
	c.openedAt = time.Now().UTC()
	c.halfOpenSuccess = 0
	c.failures = failures
	if c.name == "reconnect" && b.reconnectCooldown > 0 {
		c.openErr = fmt.Errorf("%w: %s failed %d consecutive times, cooldown=%s, last error: %v",
			ErrCircuitOpen, c.name, failures, b.reconnectCooldown, err)
	} else {
		c.openErr = fmt.Errorf("%w: %s failed %d consecutive times, last error: %v",
			ErrCircuitOpen, c.name, failures, err)
	}
	return c.openErr
}

func (b *Breaker) notifyTripLocked(c *circuit, err error, reason string) {
	b.log.Error("circuit tripped",
		zap.String("action", c.name),
		zap.String("reason", reason),
		zap.Int("consecutive_failures", c.failures),
		zap.Int("threshold", c.maxFailures),
		zap.Error(err))
	if b.alerter != nil {
		b.alerter.Important("circuit_breaker_trip", map[string]string{
			"action":               c.name,
			"reason":               reason,
			"consecutive_failures": strconv.Itoa(c.failures),
			"threshold":            strconv.Itoa(c.maxFailures),
			"last_error":           err.Error(),
		})
	}
}

// GuardedGateway wraps a gateway so every place and cancel outcome feeds the
// breaker. Once a circuit opens, calls fail fast with the open error.
type GuardedGateway struct {
	exchange.Gateway
	breaker *Breaker
}

func NewGuardedGateway(inner exchange.Gateway, breaker *Breaker) *GuardedGateway {
	return &GuardedGateway{Gateway: inner, breaker: breaker}
}

func (g *GuardedGateway) PlaceLimitOrder(ctx context.Context, order core.Order) (core.Order, error) {
	placed, err := g.Gateway.PlaceLimitOrder(ctx, order)
	if trip := g.breaker.RecordPlace(err); trip != nil {
		return placed, trip
	}
	return placed, err
}

func (g *GuardedGateway) CancelOrder(ctx context.Context, pair, orderID string) error {
	err := g.Gateway.CancelOrder(ctx, pair, orderID)
	if trip := g.breaker.RecordCancel(err); trip != nil {
		return trip
	}
	return err
}
