package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"intgmgr/pkg/render"
	"intgmgr/services/settings"
)

const (
	defaultQueueSize   = 64
	defaultSendTimeout = 15 * time.Second
)

var (
	notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intgmgr_notifications_total",
		Help: "Notification deliveries by channel, kind and result",
	}, []string{"channel", "kind", "result"})
	notificationsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intgmgr_notifications_dropped_total",
		Help: "Events not delivered before reaching any channel",
	}, []string{"kind", "reason"})
)

// SettingsSource exposes the live trigger toggles.
type SettingsSource interface {
	Current() settings.Settings
}

// Config wires a Dispatcher.
type Config struct {
	Channels []Channel
	Settings SettingsSource
	// ORM stores update_available marks. Without it deduplication is in memory only.
	ORM         *gorm.DB
	Templates   *render.Engine
	QueueSize   int
	SendTimeout time.Duration
	Logger      zerolog.Logger
	Now         func() time.Time
}

type markModel struct {
	Key    string    `gorm:"type:text;primaryKey"`
	SentAt time.Time `gorm:"not null"`
}

func (markModel) TableName() string { return "notification_marks" }

// Dispatcher fans events out to channels on a background goroutine.
type Dispatcher struct {
	channels []Channel
	settings SettingsSource
	orm      *gorm.DB
	tmpl     *render.Engine
	timeout  time.Duration
	log      zerolog.Logger
	now      func() time.Time

	queue chan Event
	wg    sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	started bool
	marks   map[string]struct{}
}

// NewDispatcher validates cfg and returns an unstarted Dispatcher.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Settings == nil {
		return nil, errors.New("settings source is required")
	}
	if cfg.Templates == nil {
		engine, err := render.New()
		if err != nil {
			return nil, err
		}
		cfg.Templates = engine
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{
		channels: cfg.Channels,
		settings: cfg.Settings,
		orm:      cfg.ORM,
		tmpl:     cfg.Templates,
		timeout:  cfg.SendTimeout,
		log:      cfg.Logger.With().Str("component", "notify").Logger(),
		now:      cfg.Now,
		queue:    make(chan Event, cfg.QueueSize),
		marks:    map[string]struct{}{},
	}, nil
}

// Channels lists the configured channel names.
func (d *Dispatcher) Channels() []string {
	names := make([]string, 0, len(d.channels))
	for _, ch := range d.channels {
		names = append(names, ch.Name())
	}
	return names
}

// Start launches the delivery loop. Deliveries use ctx for cancellation.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for ev := range d.queue {
			d.deliver(ctx, ev)
		}
	}()
}

// Notify queues ev without blocking. Events are dropped when the queue is full.
func (d *Dispatcher) Notify(ev Event) {
	if d == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = d.now().UTC()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		notificationsDropped.WithLabelValues(string(ev.Kind), "closed").Inc()
		return
	}
	select {
	case d.queue <- ev:
	default:
		notificationsDropped.WithLabelValues(string(ev.Kind), "queue_full").Inc()
		d.log.Warn().Str("kind", string(ev.Kind)).Msg("notification queue full, event dropped")
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	started := d.started
	d.mu.Unlock()

	if !started {
		for range d.queue {
		}
		return
	}
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, ev Event) {
	if len(d.channels) == 0 {
		return
	}
	if !Enabled(d.settings.Current().Triggers, ev.Kind) {
		notificationsDropped.WithLabelValues(string(ev.Kind), "trigger_disabled").Inc()
		return
	}
	if ev.Kind == KindUpdateAvailable {
		fresh, err := d.claim(ctx, updateMarkKey(ev.IntegrationID, ev.Version))
		if err != nil {
			d.log.Warn().Err(err).Str("integration_id", ev.IntegrationID).Msg("notification mark")
		}
		if !fresh {
			notificationsDropped.WithLabelValues(string(ev.Kind), "duplicate").Inc()
			return
		}
	}

	msg, err := d.render(ev)
	if err != nil {
		d.log.Error().Err(err).Str("kind", string(ev.Kind)).Msg("render notification")
		return
	}

	for _, ch := range d.channels {
		sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err := ch.Send(sendCtx, msg)
		cancel()
		if err != nil {
			notificationsTotal.WithLabelValues(ch.Name(), string(ev.Kind), "error").Inc()
			d.log.Warn().Err(err).
				Str("channel", ch.Name()).
				Str("kind", string(ev.Kind)).
				Str("integration_id", ev.IntegrationID).
				Msg("notification delivery failed")
			continue
		}
		notificationsTotal.WithLabelValues(ch.Name(), string(ev.Kind), "ok").Inc()
	}
}

func (d *Dispatcher) render(ev Event) (Message, error) {
	title, err := d.tmpl.Render(string(ev.Kind)+".title", ev)
	if err != nil {
		return Message{}, fmt.Errorf("title: %w", err)
	}
	body, err := d.tmpl.Render(string(ev.Kind)+".body", ev)
	if err != nil {
		return Message{}, fmt.Errorf("body: %w", err)
	}
	return Message{Title: title, Body: body, Event: ev}, nil
}

func updateMarkKey(integrationID, version string) string {
	return "update_available:" + integrationID + ":" + version
}

// claim records key and reports whether it was not recorded before. On storage
// errors the in-memory set decides so a broken store does not silence updates.
func (d *Dispatcher) claim(ctx context.Context, key string) (bool, error) {
	d.mu.Lock()
	_, seen := d.marks[key]
	d.marks[key] = struct{}{}
	d.mu.Unlock()

	if d.orm == nil {
		return !seen, nil
	}
	res := d.orm.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&markModel{Key: key, SentAt: d.now().UTC()})
	if res.Error != nil {
		return !seen, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ClearUpdateAvailable forgets the update_available marks of integrationID, so the
// next available version after an update is announced again.
func (d *Dispatcher) ClearUpdateAvailable(ctx context.Context, integrationID string) error {
	prefix := updateMarkKey(integrationID, "")
	d.mu.Lock()
	for key := range d.marks {
		if strings.HasPrefix(key, prefix) {
			delete(d.marks, key)
		}
	}
	d.mu.Unlock()

	if d.orm == nil {
		return nil
	}
	if err := d.orm.WithContext(ctx).Where("substr(key, 1, ?) = ?", len(prefix), prefix).Delete(&markModel{}).Error; err != nil {
		return fmt.Errorf("clear notification marks: %w", err)
	}
	return nil
}
