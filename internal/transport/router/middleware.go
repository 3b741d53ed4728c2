package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"timetask/pkg/logx"
)

var (
	errUnauthorized = errors.New("sender is not an owner")
	errRateLimited  = errors.New("too many commands")
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so that m[0] runs first.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

// MWOwners rejects senders missing from owners(). An empty list allows all.
func MWOwners(owners func() []int64) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if list := owners(); len(list) > 0 && !slices.Contains(list, req.FromID) {
				return errUnauthorized
			}
			return next(ctx, req)
		}
	}
}

// userLimiter hands out one token bucket per sender.
type userLimiter struct {
	mu    sync.Mutex
	every time.Duration
	burst int
	m     map[int64]*rate.Limiter
}

const maxTrackedUsers = 1024

func newUserLimiter(every time.Duration, burst int) *userLimiter {
	return &userLimiter{every: every, burst: max(1, burst), m: map[int64]*rate.Limiter{}}
}

func (u *userLimiter) allow(id int64) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	lim, ok := u.m[id]
	if !ok {
		if len(u.m) >= maxTrackedUsers {
			clear(u.m)
		}
		lim = rate.NewLimiter(rate.Every(u.every), u.burst)
		u.m[id] = lim
	}
	return lim.Allow()
}

// MWRateLimit throttles each sender independently. A nil limiter disables it.
func MWRateLimit(l *userLimiter) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if l == nil {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			if !l.allow(req.FromID) {
				return errRateLimited
			}
			return next(ctx, req)
		}
	}
}

func MWPanicRecover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					req.Logger.Error("command handler panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

// MWRequestLog logs failures at warn, slow commands at info and the rest at
// debug.
func MWRequestLog() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			d := time.Since(start)

			fields := []logx.Field{logx.String("sub", req.Sub), logx.Int("args_len", len(req.Args)), logx.Duration("dur", d)}
			switch {
			case errors.Is(err, errUnauthorized) || errors.Is(err, errRateLimited):
				req.Logger.Info("command rejected", append(fields, logx.Err(err))...)
			case err != nil:
				req.Logger.Warn("command failed", append(fields, logx.Err(err))...)
			case d >= 750*time.Millisecond:
				req.Logger.Info("command slow", fields...)
			default:
				req.Logger.Debug("command ok", fields...)
			}
			return err
		}
	}
}
