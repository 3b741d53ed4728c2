// Package router dispatches "/time" chat commands to the task lifecycle and
// formats the replies.
package router

import (
	"context"
	"errors"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	rtsup "timetask/internal/runtime/supervisor"
	"timetask/internal/task/lifecycle"
	"timetask/internal/transport"
	"timetask/pkg/logx"
)

const (
	CommandWord = "time"

	defaultWorkers   = 2
	defaultTimeout   = 30 * time.Second
	defaultRateEvery = 2 * time.Second
	defaultRateBurst = 5
	defaultQueueSize = 64

	busyReplyTimeout = 10 * time.Second
	maxBusyReplies   = 8
)

// Tasks is the part of the lifecycle controller the router drives.
type Tasks interface {
	Create(ctx context.Context, req lifecycle.CreateRequest) (lifecycle.View, error)
	Remove(ctx context.Context, ids []string) (lifecycle.RemoveResult, error)
	List(ctx context.Context) ([]lifecycle.View, error)
}

// MenuSetter is implemented by transports with a bot command menu.
type MenuSetter interface {
	SetCommands(cmds []transport.Command) error
}

type Config struct {
	Workers int
	Timeout time.Duration
	// Owners restricts commands to these user ids. Empty allows everyone.
	Owners []int64
	// Each sender gets RateBurst commands, refilled one per RateEvery.
	// A negative RateBurst disables throttling.
	RateEvery time.Duration
	RateBurst int
	// QueueSize caps commands waiting for a worker. Overflow is answered
	// with the busy reply.
	QueueSize int
}

type Request struct {
	Origin transport.Destination
	FromID int64
	// Sub is "create", "ls", "rm" or "help".
	Sub   string
	Args  string
	ReqID string

	Logger logx.Logger
}

type Router struct {
	log    logx.Logger
	sender transport.Sender
	tasks  Tasks
	now    func() time.Time
	cfg    Config

	mu     sync.RWMutex
	owners []int64
	limit  *userLimiter

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs chan func()
	// busy bounds in-flight busy replies.
	busy chan struct{}
}

// New builds a Router. now supplies the clock (and location) relative dates
// are resolved in.
func New(cfg Config, log logx.Logger, sender transport.Sender, tasks Tasks, now func() time.Time) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if now == nil {
		now = time.Now
	}
	if cfg.RateEvery <= 0 {
		cfg.RateEvery = defaultRateEvery
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	var limit *userLimiter
	if cfg.RateBurst > 0 {
		limit = newUserLimiter(cfg.RateEvery, cfg.RateBurst)
	}
	return &Router{
		limit:  limit,
		log:    log.With(logx.String("comp", "router")),
		sender: sender,
		tasks:  tasks,
		now:    now,
		cfg:    cfg,
		owners: append([]int64(nil), cfg.Owners...),
		jobs:   make(chan func(), cfg.QueueSize),
		busy:   make(chan struct{}, maxBusyReplies),
	}
}

// SetOwners replaces the owner allowlist. Safe during hot reload.
func (r *Router) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	r.mu.Lock()
	r.owners = cp
	r.mu.Unlock()
}

func (r *Router) ownersSnapshot() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]int64(nil), r.owners...)
}

// Supervisor returns the dispatcher's supervisor (nil if not running).
func (r *Router) Supervisor() *rtsup.Supervisor {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if !r.running {
		return nil
	}
	return r.sup
}

func (r *Router) setSupervisor(sup *rtsup.Supervisor, running bool) {
	r.runMu.Lock()
	r.sup = sup
	r.running = running
	r.runMu.Unlock()
}

// tryEnqueue is a panic-safe enqueue (the jobs channel closes on shutdown).
func (r *Router) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

// DispatchLoop routes updates until ctx is done or updates is closed.
// Handlers run on a small supervised worker pool.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(r.log),
		rtsup.WithCancelOnError(false),
	)
	r.setSupervisor(sup, true)
	r.log.Info("command dispatcher started", logx.Int("workers", r.cfg.Workers), logx.Int("job_queue_cap", cap(r.jobs)))

	if ms, ok := r.sender.(MenuSetter); ok {
		sup.Go("menu.update", func(context.Context) error {
			if err := ms.SetCommands(Menu()); err != nil {
				r.log.Warn("menu update failed", logx.Err(err))
			}
			return nil
		})
	}

	for i := 0; i < r.cfg.Workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-r.jobs:
					if !ok {
						return nil
					}
					func() {
						defer func() {
							if rec := recover(); rec != nil {
								r.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
		)
	}

	defer func() {
		r.setSupervisor(sup, false)
		close(r.jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.setSupervisor(nil, false)
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) route(ctx context.Context, up transport.Update) {
	req, ok := r.parse(up)
	if !ok {
		return
	}
	final := Chain(
		r.handlerFor(req.Sub),
		MWPanicRecover(),
		MWRequestLog(),
		MWOwners(r.ownersSnapshot),
		MWRateLimit(r.limit),
		MWTimeout(r.cfg.Timeout),
	)
	if !r.tryEnqueue(func() {
		switch err := final(ctx, req); {
		case err == nil:
		case errors.Is(err, errUnauthorized):
			r.reply(ctx, req.Origin, TextUnauthorized)
		case errors.Is(err, errRateLimited):
			r.reply(ctx, req.Origin, TextSlowDown)
		default:
			r.reply(ctx, req.Origin, TextInternal)
		}
	}) {
		r.replyBusy(ctx, req.Origin)
	}
}

// replyBusy sends TextBusy off the dispatch loop. When too many busy
// replies are already in flight the reply is dropped.
func (r *Router) replyBusy(ctx context.Context, to transport.Destination) {
	select {
	case r.busy <- struct{}{}:
	default:
		r.log.Debug("busy reply dropped", logx.String("to", string(to)))
		return
	}
	go func() {
		defer func() { <-r.busy }()
		c, cancel := context.WithTimeout(ctx, busyReplyTimeout)
		defer cancel()
		r.reply(c, to, TextBusy)
	}()
}

// parse recognises "/time ...", "/time@bot ..." and "time ...".
func (r *Router) parse(up transport.Update) (*Request, bool) {
	msg := up.Message
	if msg == nil {
		return nil, false
	}
	text := strings.TrimSpace(msg.Text)
	word, rest, _ := strings.Cut(text, " ")
	word = strings.TrimPrefix(word, "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	if word != CommandWord {
		return nil, false
	}

	sub, args := "create", strings.TrimSpace(rest)
	if first, tail, _ := strings.Cut(args, " "); first == "ls" || first == "rm" || first == "help" {
		sub, args = first, strings.TrimSpace(tail)
	}

	rid := uuid.NewString()[:8]
	return &Request{
		Origin: msg.Origin,
		FromID: msg.FromID,
		Sub:    sub,
		Args:   args,
		ReqID:  rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.String("origin", string(msg.Origin)),
			logx.Int64("from_id", msg.FromID),
		),
	}, true
}

func (r *Router) handlerFor(sub string) HandlerFunc {
	switch sub {
	case "ls":
		return r.handleList
	case "rm":
		return r.handleRemove
	case "help":
		return r.handleHelp
	default:
		return r.handleCreate
	}
}

func (r *Router) reply(ctx context.Context, to transport.Destination, text string) {
	if err := r.sender.Send(ctx, to, text); err != nil {
		r.log.Warn("reply failed", logx.String("to", string(to)), logx.Err(err))
	}
}

// Menu is the command list published to transports with a menu.
func Menu() []transport.Command {
	return []transport.Command{{Name: CommandWord, Description: "定时发送消息：/time help 查看用法"}}
}
