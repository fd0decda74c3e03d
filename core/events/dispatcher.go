package events

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sethvargo/go-retry"

	"github.com/relabs-tech/bastion/core/access"
	"github.com/relabs-tech/bastion/core/logger"
	"github.com/relabs-tech/bastion/core/metrics"
)

// OwnerColumns resolves the owner column of a table. *access.Engine
// satisfies it.
type OwnerColumns interface {
	Table(name string) (access.TableConfiguration, bool)
}

// DispatcherConfig configures a Dispatcher
type DispatcherConfig struct {
	Queue     Queue
	Hub       Broadcaster
	Push      PushTransport // optional
	Sink      Sink          // optional
	Owners    OwnerColumns
	Workers   int           // concurrently drained hooks, defaults to 4
	Heartbeat time.Duration // drain interval without wake signals, defaults to 30s
	PushTries uint64        // push attempts per subscription, defaults to 3
}

// Dispatcher drains queued events
type Dispatcher struct {
	queue     Queue
	hub       Broadcaster
	push      PushTransport
	sink      Sink
	owners    OwnerColumns
	workers   int
	heartbeat time.Duration
	backoff   func() retry.Backoff
	now       func() time.Time

	trigger chan struct{}
	cron    *cron.Cron
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewDispatcher returns a dispatcher. Call Start to run the drain loop, or
// Drain to process pending events synchronously.
func NewDispatcher(config DispatcherConfig) *Dispatcher {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.Heartbeat <= 0 {
		config.Heartbeat = 30 * time.Second
	}
	if config.PushTries == 0 {
		config.PushTries = 3
	}
	tries := config.PushTries
	return &Dispatcher{
		queue:     config.Queue,
		hub:       config.Hub,
		push:      config.Push,
		sink:      config.Sink,
		owners:    config.Owners,
		workers:   config.Workers,
		heartbeat: config.Heartbeat,
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(tries-1, retry.NewExponential(200*time.Millisecond))
		},
		now:     func() time.Time { return time.Now().UTC() },
		trigger: make(chan struct{}, 1),
	}
}

// Trigger requests a drain. It never blocks; triggers during a drain
// collapse into one follow up drain.
func (d *Dispatcher) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Wake implements Waker for in-process draining
func (d *Dispatcher) Wake(ctx context.Context) error {
	d.Trigger()
	return nil
}

// Start runs the drain loop until Stop is called. A heartbeat drains
// periodically and expired realtime subscriptions are pruned every minute.
// Left-over events are drained right away.
func (d *Dispatcher) Start() error {
	if d.done != nil {
		return errors.New("dispatcher already started")
	}
	d.done = make(chan struct{})
	d.cron = cron.New()
	if _, err := d.cron.AddFunc(fmt.Sprintf("@every %s", d.heartbeat), d.Trigger); err != nil {
		return err
	}
	if _, err := d.cron.AddFunc("@every 1m", d.prune); err != nil {
		return err
	}
	d.cron.Start()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.Trigger()
		for {
			select {
			case <-d.done:
				return
			case <-d.trigger:
				d.Drain(context.Background())
			}
		}
	}()
	return nil
}

// Stop ends the drain loop and waits for a running drain to finish
func (d *Dispatcher) Stop() {
	if d.done == nil {
		return
	}
	<-d.cron.Stop().Done()
	close(d.done)
	d.wg.Wait()
	d.done = nil
}

func (d *Dispatcher) prune() {
	rlog := logger.Default()
	count, err := d.queue.PruneSubscriptions(context.Background(), d.now())
	if err != nil {
		rlog.WithError(err).Error("Error 4750: cannot prune realtime subscriptions")
		return
	}
	if count > 0 {
		rlog.Infof("pruned %d expired realtime subscriptions", count)
	}
}

// Drain dispatches pending events until no hook has a dispatchable event
// left and returns the number of processed events. Hooks are drained
// concurrently, events of one hook strictly oldest first. A failing event
// stops its hook until the next drain.
func (d *Dispatcher) Drain(ctx context.Context) int {
	rlog := logger.FromContext(ctx)
	hooks, err := d.queue.PendingHooks(ctx)
	if err != nil {
		rlog.WithError(err).Error("Error 4751: cannot list pending hooks")
		return 0
	}
	if len(hooks) == 0 {
		return 0
	}

	var (
		mu        sync.Mutex
		processed int
		wg        sync.WaitGroup
	)
	pending := make(chan uuid.UUID)
	for i := 0; i < d.workers && i < len(hooks); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for hookID := range pending {
				n := d.drainHook(ctx, hookID)
				mu.Lock()
				processed += n
				mu.Unlock()
			}
		}()
	}
	for _, hookID := range hooks {
		pending <- hookID
	}
	close(pending)
	wg.Wait()
	rlog.Debugf("drained %d events of %d hooks", processed, len(hooks))
	return processed
}

func (d *Dispatcher) drainHook(ctx context.Context, hookID uuid.UUID) int {
	processed := 0
	for {
		claimed, err := d.queue.Claim(ctx, hookID, d.dispatchSafely)
		if err != nil {
			metrics.EventsDispatched.WithLabelValues("failed").Inc()
			logger.FromContext(ctx).WithError(err).Errorf("Error 4752: dispatch for hook %s failed, event stays pending", hookID)
			return processed
		}
		if !claimed {
			return processed
		}
		metrics.EventsDispatched.WithLabelValues("processed").Inc()
		processed++
	}
}

// dispatchSafely runs Dispatch in a panic envelope
func (d *Dispatcher) dispatchSafely(ctx context.Context, ev *QueuedEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered from panic: %v", r)
			logger.FromContext(ctx).Errorf("panic dispatching event #%d: %v\n%s", ev.ID, r, debug.Stack())
		}
	}()
	return d.Dispatch(ctx, ev)
}

// Dispatch delivers one event to the sink, matching realtime subscriptions
// and notification rules. It fails only if the event must be retried.
// Delivery problems of single subscribers are logged and do not fail it.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *QueuedEvent) error {
	ctx = logger.ContextWithLoggerFromData(ctx, ev.contextData)
	rlog := logger.FromContext(ctx)
	payload := decodePayload(ev.Payload)
	owner := d.owner(ev.TableName, payload)

	if d.sink != nil {
		if err := d.sink.Publish(ctx, ev); err != nil {
			return fmt.Errorf("event sink: %w", err)
		}
	}

	subs, err := d.queue.SubscriptionsFor(ctx, ev, d.now())
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if sub.FilterOwner && (owner == "" || sub.UserID != owner) {
			continue
		}
		// only the connection of the subscription owner hears about it
		delivered := d.hub.Send(sub.UserID, sub.ClientID, Message{
			Type:           "event",
			SubscriptionID: sub.ID,
			EventID:        ev.ID,
			TableName:      ev.TableName,
			EventType:      ev.EventType,
			RecordID:       ev.RecordID,
			Payload:        ev.Payload,
			CreatedAt:      ev.CreatedAt,
		})
		if !delivered {
			rlog.Debugf("realtime client %s not connected, skipped event #%d", sub.ClientID, ev.ID)
		}
	}

	if d.push == nil {
		return nil
	}
	rules, err := d.queue.RulesFor(ctx, ev.TableName, ev.EventType)
	if err != nil {
		return err
	}
	for _, rule := range rules {
		var recipients []PushSubscription
		switch rule.Audience {
		case AudienceAll:
			recipients, err = d.queue.PushSubscriptions(ctx, "")
		default:
			if owner == "" {
				rlog.Debugf("rule %s: event #%d has no owner", rule.Name, ev.ID)
				continue
			}
			recipients, err = d.queue.PushSubscriptions(ctx, owner)
		}
		if err != nil {
			return err
		}
		notification := PushPayload{
			Title:     Render(rule.TitleTemplate, payload),
			Body:      Render(rule.BodyTemplate, payload),
			RuleID:    rule.ID,
			TableName: ev.TableName,
			EventType: ev.EventType,
			RecordID:  ev.RecordID,
			Data:      ev.Payload,
		}
		for _, sub := range recipients {
			d.deliver(ctx, sub, notification)
		}
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, sub PushSubscription, payload PushPayload) {
	rlog := logger.FromContext(ctx)
	err := deliver(ctx, d.push, d.backoff, sub, payload)
	switch {
	case err == nil:
		metrics.PushDeliveries.WithLabelValues("delivered").Inc()
	case errors.Is(err, ErrGone):
		metrics.PushDeliveries.WithLabelValues("gone").Inc()
		rlog.Infof("push endpoint of subscription %s is gone, deleting it", sub.ID)
		if err := d.queue.DeletePushSubscription(ctx, sub.ID, ""); err != nil {
			rlog.WithError(err).Errorf("Error 4753: cannot delete push subscription %s", sub.ID)
		}
	default:
		metrics.PushDeliveries.WithLabelValues("failed").Inc()
		rlog.WithError(err).Warnf("push to subscription %s failed", sub.ID)
	}
}

// owner returns the owner of the row in payload, or "" if the table has no
// owner column or the row lacks it.
func (d *Dispatcher) owner(table string, payload map[string]interface{}) string {
	if d.owners == nil {
		return ""
	}
	config, _ := d.owners.Table(table)
	if config.OwnerColumn == "" {
		return ""
	}
	return stringify(payload[config.OwnerColumn])
}
