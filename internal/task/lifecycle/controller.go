// Package lifecycle owns task creation, removal, firing and retirement.
//
// A single goroutine (Controller.Run) performs every registry mutation.
// User commands and scheduler fires reach it as messages on one inbox, so a
// retirement and a user removal of the same id can never interleave.
// Delivery I/O runs on the executor and reports back with another message.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"timetask/internal/directory"
	"timetask/internal/eventbus"
	"timetask/internal/task"
	"timetask/internal/task/engine"
	"timetask/internal/task/registry"
	"timetask/internal/task/scheduler"
	"timetask/internal/transport"
	"timetask/pkg/logx"
)

type Deps struct {
	Registry  *registry.Registry
	Scheduler *scheduler.Service
	Executor  Executor
	Deliverer *Deliverer
	Directory directory.Resolver
	Bus       eventbus.Bus
	Log       logx.Logger

	// DeliveryTimeout bounds one delivery attempt (completion plus send).
	DeliveryTimeout time.Duration
	// RetireBackoff is the first delay before retrying a retirement whose
	// snapshot write failed. It doubles per attempt.
	RetireBackoff time.Duration
}

type Controller struct {
	reg     *registry.Registry
	sched   *scheduler.Service
	exec    Executor
	deliver *Deliverer
	dir     directory.Resolver
	bus     eventbus.Bus
	log     logx.Logger
	timeout time.Duration
	backoff time.Duration

	inbox chan any
	ready chan struct{}
	done  chan struct{}
}

func New(d Deps) *Controller {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if d.DeliveryTimeout <= 0 {
		d.DeliveryTimeout = defaultDeliveryTimeout
	}
	if d.RetireBackoff <= 0 {
		d.RetireBackoff = defaultRetireBackoff
	}
	return &Controller{
		reg:     d.Registry,
		sched:   d.Scheduler,
		exec:    d.Executor,
		deliver: d.Deliverer,
		dir:     d.Directory,
		bus:     d.Bus,
		log:     log.With(logx.String("comp", "lifecycle")),
		timeout: d.DeliveryTimeout,
		backoff: d.RetireBackoff,
		inbox:   make(chan any, defaultInboxSize),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Ready is closed once Run has restored the persisted tasks.
func (c *Controller) Ready() <-chan struct{} { return c.ready }

// Run restores persisted tasks, then serves the inbox until ctx is done.
// A restore failure is returned without serving.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.done)

	if err := c.restore(ctx); err != nil {
		return err
	}
	close(c.ready)

	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-c.inbox:
			c.handle(ctx, m)
		}
	}
}

func (c *Controller) handle(ctx context.Context, m any) {
	switch m := m.(type) {
	case createMsg:
		view, err := c.create(ctx, m.dest, m.req)
		m.reply <- createReply{view: view, err: err}
	case removeMsg:
		res, err := c.remove(ctx, m.ids)
		m.reply <- removeReply{res: res, err: err}
	case listMsg:
		m.reply <- c.list()
	case fireMsg:
		c.fire(ctx, m.fire)
	case retireMsg:
		c.retire(ctx, m)
	default:
		panic(fmt.Sprintf("lifecycle: unknown message %T", m))
	}
}

// restore loads the registry and arms every record. Records that cannot be
// armed are removed in one batch so nothing live stays unarmed.
func (c *Controller) restore(ctx context.Context) error {
	entries, err := c.reg.Load(ctx)
	if err != nil {
		return err
	}
	var failed []string
	for _, e := range entries {
		opt := scheduler.ArmOptions{CatchUpAfter: e.Record.CreatedAt}
		if err := c.sched.Arm(e.Record.ID, e.Record.Trigger, c.onFire, opt); err != nil {
			c.log.Warn("task could not be armed; removing", logx.String("id", e.Record.ID), logx.Err(err))
			failed = append(failed, e.Record.ID)
		}
	}
	if len(failed) > 0 {
		if _, _, err := c.reg.RemoveBatch(ctx, failed); err != nil {
			return err
		}
	}
	c.log.Info("tasks restored", logx.Int("armed", len(entries)-len(failed)), logx.Int("dropped", len(failed)))
	return nil
}

// ---- requests (any goroutine) ----

// Create registers and arms a new task. Named destinations are resolved
// before the request enters the inbox.
func (c *Controller) Create(ctx context.Context, req CreateRequest) (View, error) {
	dest := req.Origin
	if label := strings.TrimSpace(req.Intent.DestinationLabel); label != "" {
		if c.dir == nil {
			return View{}, fmt.Errorf("%w: no directory for %q", task.ErrDestination, label)
		}
		resolved, err := c.dir.Resolve(ctx, req.Origin.Platform(), label)
		if err != nil {
			return View{}, err
		}
		dest = resolved
	}
	if dest == "" {
		return View{}, fmt.Errorf("%w: empty destination", task.ErrDestination)
	}

	reply := make(chan createReply, 1)
	if err := c.post(ctx, createMsg{dest: dest, req: req, reply: reply}); err != nil {
		return View{}, err
	}
	select {
	case r := <-reply:
		return r.view, r.err
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
}

// Remove deletes ids in one batch and disarms them.
func (c *Controller) Remove(ctx context.Context, ids []string) (RemoveResult, error) {
	reply := make(chan removeReply, 1)
	if err := c.post(ctx, removeMsg{ids: ids, reply: reply}); err != nil {
		return RemoveResult{}, err
	}
	select {
	case r := <-reply:
		return r.res, r.err
	case <-ctx.Done():
		return RemoveResult{}, ctx.Err()
	}
}

// List returns the live tasks in destination then insertion order.
func (c *Controller) List(ctx context.Context) ([]View, error) {
	reply := make(chan []View, 1)
	if err := c.post(ctx, listMsg{reply: reply}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Controller) post(ctx context.Context, m any) error {
	select {
	case c.inbox <- m:
		return nil
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// postInternal is used by scheduler and executor goroutines.
func (c *Controller) postInternal(m any) bool {
	select {
	case c.inbox <- m:
		return true
	case <-c.done:
		return false
	}
}

// onFire is the scheduler callback.
func (c *Controller) onFire(f scheduler.Fire) {
	if !c.postInternal(fireMsg{fire: f}) {
		c.log.Debug("fire after stop ignored", logx.String("id", f.ID))
	}
}

// ---- handlers (Run goroutine only) ----

func (c *Controller) create(ctx context.Context, dest transport.Destination, req CreateRequest) (View, error) {
	in := req.Intent
	now := c.sched.Now()
	if one, ok := in.Trigger.(task.OneShot); ok && !one.At.After(now) {
		return View{}, fmt.Errorf("%w: %s", task.ErrPastDeadline, one.Value())
	}

	id, err := c.reg.NewID()
	if err != nil {
		return View{}, err
	}
	rec := task.Record{
		ID:               id,
		Content:          in.Content,
		UseAugmentation:  in.UseAugmentation,
		DestinationLabel: strings.TrimSpace(in.DestinationLabel),
		Trigger:          in.Trigger,
		CreatedAt:        now.Truncate(time.Second),
	}
	if err := c.reg.Add(ctx, string(dest), rec); err != nil {
		return View{}, err
	}
	if err := c.sched.Arm(id, rec.Trigger, c.onFire, scheduler.ArmOptions{}); err != nil {
		c.log.Error("arming new task failed; rolling back", logx.String("id", id), logx.Err(err))
		if _, rerr := c.reg.Remove(ctx, id); rerr != nil {
			c.log.Error("rollback of unarmed task failed", logx.String("id", id), logx.Err(rerr))
		}
		return View{}, err
	}

	c.log.Info("task created",
		logx.String("id", id),
		logx.String("dest", string(dest)),
		logx.String("kind", string(rec.Trigger.Kind())),
		logx.String("trigger", rec.Trigger.Value()),
		logx.Bool("gpt", rec.UseAugmentation),
	)
	c.publish(eventbus.TaskCreated, string(dest), rec, time.Time{}, nil)
	return View{Entry: registry.Entry{Destination: string(dest), Record: rec}, Next: c.nextFire(id)}, nil
}

func (c *Controller) remove(ctx context.Context, ids []string) (RemoveResult, error) {
	removed, notFound, err := c.reg.RemoveBatch(ctx, ids)
	if err != nil {
		return RemoveResult{}, err
	}
	for _, e := range removed {
		c.sched.Disarm(e.Record.ID)
		c.publish(eventbus.TaskRemoved, e.Destination, e.Record, time.Time{}, nil)
	}
	if len(removed) > 0 {
		c.log.Info("tasks removed", logx.Int("removed", len(removed)), logx.Strings("not_found", notFound))
	}
	return RemoveResult{Removed: removed, NotFound: notFound}, nil
}

func (c *Controller) list() []View {
	next := map[string]time.Time{}
	for _, info := range c.sched.Entries() {
		next[info.ID] = info.Next
	}
	entries := c.reg.List()
	out := make([]View, 0, len(entries))
	for _, e := range entries {
		out = append(out, View{Entry: e, Next: next[e.Record.ID]})
	}
	return out
}

func (c *Controller) fire(ctx context.Context, f scheduler.Fire) {
	e, ok := c.reg.Find(f.ID)
	if !ok {
		// Removed between the timer firing and this message.
		c.log.Debug("fire for unknown task ignored", logx.String("id", f.ID))
		return
	}
	rec := e.Record
	oneShot := rec.IsOneShot()

	if f.Missed {
		c.log.Warn("one-shot missed its window; retiring without delivery", logx.String("id", rec.ID), logx.Time("due", f.Due))
		c.publish(eventbus.TaskMisfired, e.Destination, rec, f.Due, nil)
		c.retire(ctx, retireMsg{id: rec.ID, reason: "missed"})
		return
	}

	c.log.Info("task fired", logx.String("id", rec.ID), logx.Time("due", f.Due), logx.Bool("catch_up", f.CatchUp))
	c.publish(eventbus.TaskFired, e.Destination, rec, f.Due, nil)

	dest := transport.Destination(e.Destination)
	var text string
	job := engine.Task{
		Name:    "deliver." + rec.ID,
		Timeout: c.timeout,
		Run: func(ctx context.Context) error {
			// Compose once; retries only repeat the send.
			if text == "" {
				text = c.deliver.Compose(ctx, rec)
			}
			return c.deliver.Send(ctx, dest, text)
		},
		OnDone: func(err error) {
			c.publish(eventbus.TaskDelivered, string(dest), rec, f.Due, err)
			if oneShot {
				c.postInternal(retireMsg{id: rec.ID, reason: "delivered"})
			}
		},
	}
	if err := c.exec.Enqueue(job); err != nil {
		c.log.Error("delivery not queued", logx.String("id", rec.ID), logx.Err(err))
		c.publish(eventbus.TaskDelivered, string(dest), rec, f.Due, err)
		if oneShot {
			c.retire(ctx, retireMsg{id: rec.ID, reason: "not queued"})
		}
	}
}

// retire removes a fired one-shot. The id may already be gone after a user
// removal; that is not an error. The scheduler entry has already disarmed
// itself, so a failed write leaves an orphaned record and the retirement is
// retried with doubling backoff.
func (c *Controller) retire(ctx context.Context, m retireMsg) {
	e, err := c.reg.Remove(ctx, m.id)
	switch {
	case errors.Is(err, task.ErrNotFound):
		c.log.Debug("retired task already removed", logx.String("id", m.id))
		return
	case err != nil:
		if m.attempt+1 >= maxRetireAttempts {
			c.log.Error("orphaned one-shot left in registry",
				logx.String("id", m.id), logx.Int("attempts", m.attempt+1), logx.Err(err))
			return
		}
		delay := c.backoff << m.attempt
		c.log.Error("orphaned one-shot; retrying retirement",
			logx.String("id", m.id), logx.Duration("in", delay), logx.Err(err))
		next := retireMsg{id: m.id, reason: m.reason, attempt: m.attempt + 1}
		time.AfterFunc(delay, func() { c.postInternal(next) })
		return
	}
	c.sched.Disarm(m.id)
	c.log.Info("task retired", logx.String("id", m.id), logx.String("reason", m.reason))
	c.publish(eventbus.TaskRetired, e.Destination, e.Record, time.Time{}, nil)
}

func (c *Controller) nextFire(id string) time.Time {
	for _, info := range c.sched.Entries() {
		if info.ID == id {
			return info.Next
		}
	}
	return time.Time{}
}

func (c *Controller) publish(typ, dest string, rec task.Record, due time.Time, err error) {
	info := eventbus.TaskInfo{ID: rec.ID, Destination: dest, Kind: string(rec.Trigger.Kind()), Due: due}
	if err != nil {
		info.Error = err.Error()
	}
	eventbus.PublishTask(c.bus, typ, info)
}
