// Package dispatch turns findings into delivered alerts. It owns the cooldown
// table, routes findings to channels and delivers them on its own workers so
// detection never waits on a notifier.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-radar/internal/alerting"
	"market-radar/internal/finding"
	"market-radar/internal/storage"
)

// ErrDispatch wraps every notifier failure.
var ErrDispatch = errors.New("dispatch: delivery failed")

// DefaultCooldowns apply to kinds missing from Options.Cooldowns.
var DefaultCooldowns = map[finding.Kind]time.Duration{
	finding.PriceSurge:      time.Minute,
	finding.VolumeSpike:     time.Minute,
	finding.SpotFutureBasis: 5 * time.Minute,
	finding.CrossVenueBasis: 5 * time.Minute,
}

// Options tune the dispatcher.
type Options struct {
	QueueSize   int
	Workers     int
	SendTimeout time.Duration
	// BucketWidth coarsens magnitudes before fingerprinting.
	BucketWidth float64
	Cooldowns   map[finding.Kind]time.Duration
	Now         func() time.Time
}

func (o *Options) applyDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 10 * time.Second
	}
	if o.BucketWidth <= 0 {
		o.BucketWidth = 1
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	cooldowns := make(map[finding.Kind]time.Duration, len(DefaultCooldowns))
	for k, v := range DefaultCooldowns {
		cooldowns[k] = v
	}
	for k, v := range o.Cooldowns {
		cooldowns[k] = v
	}
	o.Cooldowns = cooldowns
}

// Record is the cooldown entry of one fingerprint.
type Record struct {
	Fingerprint string
	Kind        finding.Kind
	LastSentAt  time.Time
}

// Stats is a point-in-time copy of the dispatcher counters.
type Stats struct {
	Accepted   uint64
	Suppressed uint64
	Dropped    uint64
	Sent       uint64
	// Partial counts sends where some transports of the channel failed.
	// They are included in Sent and keep their cooldown.
	Partial uint64
	Failed  uint64
	Panics  uint64
	Records int
}

type job struct {
	id         string
	finding    finding.Finding
	fp         string
	channel    alerting.Channel
	reservedAt time.Time
	prev       Record
	hadPrev    bool
}

// Dispatcher is safe for concurrent Submit calls.
type Dispatcher struct {
	opts     Options
	notifier alerting.Notifier
	channels alerting.ChannelSet
	audit    storage.AlertStore
	logger   zerolog.Logger

	recMu   sync.Mutex
	records map[string]Record

	// closeMu orders Submit against Close so the queue is never written after close.
	closeMu sync.RWMutex
	closed  bool
	queue   chan job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	accepted   atomic.Uint64
	suppressed atomic.Uint64
	dropped    atomic.Uint64
	sent       atomic.Uint64
	partial    atomic.Uint64
	failed     atomic.Uint64
	panics     atomic.Uint64
}

// New starts the delivery workers. audit may be nil.
func New(opts Options, notifier alerting.Notifier, audit storage.AlertStore, logger zerolog.Logger) *Dispatcher {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		opts:     opts,
		notifier: notifier,
		audit:    audit,
		logger:   logger.With().Str("component", "dispatch").Logger(),
		records:  make(map[string]Record),
		queue:    make(chan job, opts.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	if cs, ok := notifier.(alerting.ChannelSet); ok {
		d.channels = cs
	}

	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Route picks the channel for a kind. Spread kinds fall back to General when
// their dedicated channel has no transport.
func (d *Dispatcher) Route(kind finding.Kind) alerting.Channel {
	var dedicated alerting.Channel
	switch kind {
	case finding.SpotFutureBasis:
		dedicated = alerting.SpotFuture
	case finding.CrossVenueBasis:
		dedicated = alerting.CrossVenue
	default:
		return alerting.General
	}
	if d.channels == nil || d.channels.Has(dedicated) {
		return dedicated
	}
	return alerting.General
}

// Submit reserves the cooldown slot for f and queues it for delivery. It never
// blocks; false means the finding was suppressed or dropped.
func (d *Dispatcher) Submit(f finding.Finding) bool {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()

	if d.closed || d.notifier == nil {
		d.dropped.Add(1)
		return false
	}

	now := d.opts.Now()
	fp := finding.Fingerprint(f, d.opts.BucketWidth)
	prev, hadPrev, ok := d.reserve(fp, f.Kind(), now)
	if !ok {
		d.suppressed.Add(1)
		return false
	}

	j := job{
		id:         uuid.NewString(),
		finding:    f,
		fp:         fp,
		channel:    d.Route(f.Kind()),
		reservedAt: now,
		prev:       prev,
		hadPrev:    hadPrev,
	}
	select {
	case d.queue <- j:
		d.accepted.Add(1)
		return true
	default:
		d.release(j)
		d.dropped.Add(1)
		d.logger.Warn().Str("kind", string(f.Kind())).Str("subject", f.Subject()).Msg("dispatch queue full; finding dropped")
		return false
	}
}

// reserve atomically claims fp unless it is still cooling down.
func (d *Dispatcher) reserve(fp string, kind finding.Kind, now time.Time) (Record, bool, bool) {
	cooldown := d.opts.Cooldowns[kind]

	d.recMu.Lock()
	defer d.recMu.Unlock()

	prev, had := d.records[fp]
	if had && cooldown > 0 && now.Sub(prev.LastSentAt) < cooldown {
		return Record{}, false, false
	}
	d.records[fp] = Record{Fingerprint: fp, Kind: kind, LastSentAt: now}
	return prev, had, true
}

// release restores the record a job replaced, unless a newer reservation exists.
func (d *Dispatcher) release(j job) {
	d.recMu.Lock()
	defer d.recMu.Unlock()

	cur, ok := d.records[j.fp]
	if !ok || !cur.LastSentAt.Equal(j.reservedAt) {
		return
	}
	if j.hadPrev {
		d.records[j.fp] = j.prev
	} else {
		delete(d.records, j.fp)
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.queue {
		if d.ctx.Err() != nil {
			d.release(j)
			d.dropped.Add(1)
			continue
		}
		d.deliver(j)
	}
}

func (d *Dispatcher) deliver(j job) {
	payload := alerting.NewPayload(j.id, j.finding)
	err := d.send(j.channel, payload)

	status := storage.StatusSent
	switch {
	case err == nil:
		d.sent.Add(1)
		d.logger.Info().
			Str("alert_id", j.id).
			Str("kind", string(j.finding.Kind())).
			Str("subject", j.finding.Subject()).
			Str("channel", string(j.channel)).
			Msg("alert dispatched")
	case errors.Is(err, alerting.ErrPartialDelivery):
		// Someone received it, so the cooldown stands; the audit row names the failed transports.
		status = storage.StatusPartial
		d.sent.Add(1)
		d.partial.Add(1)
		d.logger.Warn().Err(err).
			Str("alert_id", j.id).
			Str("kind", string(j.finding.Kind())).
			Str("subject", j.finding.Subject()).
			Str("channel", string(j.channel)).
			Msg("alert dispatched with transport failures")
	default:
		status = storage.StatusFailed
		d.release(j)
		d.failed.Add(1)
		d.logger.Error().Err(err).
			Str("alert_id", j.id).
			Str("kind", string(j.finding.Kind())).
			Str("subject", j.finding.Subject()).
			Str("channel", string(j.channel)).
			Msg("failed to dispatch alert")
	}
	d.recordAudit(j, payload, status, err)
}

// send calls the notifier with a per-send timeout and converts panics to errors.
func (d *Dispatcher) send(channel alerting.Channel, payload alerting.Payload) (err error) {
	ctx, cancel := context.WithTimeout(d.ctx, d.opts.SendTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			err = fmt.Errorf("%w: notifier panic: %v", ErrDispatch, r)
		}
	}()

	if sendErr := d.notifier.Send(ctx, channel, payload); sendErr != nil {
		return fmt.Errorf("%w: %w", ErrDispatch, sendErr)
	}
	return nil
}

func (d *Dispatcher) recordAudit(j job, payload alerting.Payload, status string, sendErr error) {
	if d.audit == nil {
		return
	}
	raw, err := finding.Encode(j.finding)
	if err != nil {
		d.logger.Warn().Err(err).Str("alert_id", j.id).Msg("failed to encode finding for audit")
	}
	entry := storage.Alert{
		AlertID:          j.id,
		Fingerprint:      j.fp,
		Kind:             string(payload.Kind),
		Subject:          payload.Subject,
		Channel:          string(j.channel),
		Magnitude:        decimal.NewFromFloat(j.finding.Score()),
		Direction:        payload.Direction,
		IsFutureContract: payload.IsFutureContract,
		Status:           status,
		Payload:          raw,
		ObservedAt:       payload.Timestamp,
	}
	if sendErr != nil {
		msg := sendErr.Error()
		entry.Error = &msg
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.opts.SendTimeout)
	defer cancel()
	if _, err := d.audit.InsertAlert(ctx, entry); err != nil {
		d.logger.Error().Err(err).Str("alert_id", j.id).Msg("failed to persist alert record")
	}
}

// Prune removes records whose cooldown has elapsed and returns how many were removed.
func (d *Dispatcher) Prune(now time.Time) int {
	d.recMu.Lock()
	defer d.recMu.Unlock()

	removed := 0
	for fp, rec := range d.records {
		if now.Sub(rec.LastSentAt) >= d.opts.Cooldowns[rec.Kind] {
			delete(d.records, fp)
			removed++
		}
	}
	return removed
}

// Records returns a copy of the cooldown table.
func (d *Dispatcher) Records() []Record {
	d.recMu.Lock()
	defer d.recMu.Unlock()
	out := make([]Record, 0, len(d.records))
	for _, r := range d.records {
		out = append(out, r)
	}
	return out
}

// Stats returns the current counters.
func (d *Dispatcher) Stats() Stats {
	d.recMu.Lock()
	n := len(d.records)
	d.recMu.Unlock()
	return Stats{
		Accepted:   d.accepted.Load(),
		Suppressed: d.suppressed.Load(),
		Dropped:    d.dropped.Load(),
		Sent:       d.sent.Load(),
		Partial:    d.partial.Load(),
		Failed:     d.failed.Load(),
		Panics:     d.panics.Load(),
		Records:    n,
	}
}

// Close stops accepting findings and drains the queue until ctx is done.
// Whatever is still queued then is dropped and in-flight sends are cancelled.
// The notifier is closed last when it implements io.Closer.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	var drainErr error
	select {
	case <-done:
	case <-ctx.Done():
		drainErr = fmt.Errorf("dispatch drain: %w", ctx.Err())
		d.logger.Warn().Int("queued", len(d.queue)).Msg("grace period elapsed; dropping queued alerts")
		d.cancel()
		<-done
	}
	d.cancel()

	if c, ok := d.notifier.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return errors.Join(drainErr, fmt.Errorf("close notifier: %w", err))
		}
	}
	return drainErr
}
