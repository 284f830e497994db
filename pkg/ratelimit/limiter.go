package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RateLimiter - Token Bucket для запросов к API брокера
//
// Ведро пополняется со скоростью rate токенов/сек до ёмкости burst,
// каждый запрос забирает один токен.
//
//	limiter := NewRateLimiter(10, 20)
//	if err := limiter.Wait(ctx); err != nil { ... }
type RateLimiter struct {
	rate       float64
	burst      float64
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// NewRateLimiter создаёт limiter (rate <= 0 -> 10 req/sec, burst <= 0 -> 2x rate)
func NewRateLimiter(rate, burst float64) *RateLimiter {
	if rate <= 0 {
		rate = 10
	}
	if burst <= 0 {
		burst = rate * 2
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     burst,
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// refill вызывается под lock'ом
func (rl *RateLimiter) refill() {
	now := rl.now()
	rl.tokens += now.Sub(rl.lastRefill).Seconds() * rl.rate
	if rl.tokens > rl.burst {
		rl.tokens = rl.burst
	}
	rl.lastRefill = now
}

// reserve забирает токен или возвращает время ожидания следующего
func (rl *RateLimiter) reserve() (time.Duration, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()
	if rl.tokens >= 1 {
		rl.tokens--
		return 0, true
	}
	return time.Duration((1 - rl.tokens) / rl.rate * float64(time.Second)), false
}

// Wait блокирует до получения токена или отмены контекста
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		wait, ok := rl.reserve()
		if ok {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Allow забирает токен без блокировки
func (rl *RateLimiter) Allow() bool {
	_, ok := rl.reserve()
	return ok
}

// ============================================================
// KeyedLimiter - отдельное ведро на каждый счёт брокера
// ============================================================

// KeyedLimiter выдаёт независимый limiter на ключ (счёт брокера)
//
// Лимиты брокера считаются на счёт, поэтому один медленный
// пользователь не съедает квоту остальных.
type KeyedLimiter struct {
	rate     float64
	burst    float64
	limiters map[string]*RateLimiter
	mu       sync.Mutex
}

// NewKeyedLimiter создаёт KeyedLimiter с общими параметрами ведра
func NewKeyedLimiter(rate, burst float64) *KeyedLimiter {
	return &KeyedLimiter{
		rate:     rate,
		burst:    burst,
		limiters: make(map[string]*RateLimiter),
	}
}

// Get возвращает limiter ключа, создавая его при первом обращении
func (kl *KeyedLimiter) Get(key string) *RateLimiter {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	l, ok := kl.limiters[key]
	if !ok {
		l = NewRateLimiter(kl.rate, kl.burst)
		kl.limiters[key] = l
	}
	return l
}

// Wait ожидает токен для ключа
func (kl *KeyedLimiter) Wait(ctx context.Context, key string) error {
	return kl.Get(key).Wait(ctx)
}
