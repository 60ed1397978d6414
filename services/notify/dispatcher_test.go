package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"intgmgr/pkg/db"
	"intgmgr/services/settings"
)

type staticSettings struct {
	mu sync.Mutex
	s  settings.Settings
}

func (s *staticSettings) Current() settings.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.s
}

type recorder struct {
	name string
	err  error

	mu   sync.Mutex
	msgs []Message
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.err
}

func (r *recorder) sent() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	orm, err := db.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(orm) })
	require.NoError(t, db.Migrate(context.Background(), orm))
	return orm
}

func newDispatcher(t *testing.T, src SettingsSource, orm *gorm.DB, channels ...Channel) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(Config{
		Channels: channels,
		Settings: src,
		ORM:      orm,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	d.Start(context.Background())
	return d
}

func TestNewDispatcherValidation(t *testing.T) {
	_, err := NewDispatcher(Config{})
	assert.Error(t, err)
}

func TestEnabled(t *testing.T) {
	triggers := settings.Triggers{UpdateAvailable: true}
	assert.True(t, Enabled(triggers, KindUpdateAvailable))
	assert.False(t, Enabled(triggers, KindUpdateCompleted))
	assert.False(t, Enabled(triggers, KindBackupFailed))
	assert.True(t, Enabled(triggers, KindDegraded))
	assert.False(t, Enabled(triggers, Kind("unknown")))
}

func TestDispatcherRendersAndFansOut(t *testing.T) {
	src := &staticSettings{s: settings.Default()}
	good := &recorder{name: "good"}
	bad := &recorder{name: "bad", err: errors.New("boom")}
	d := newDispatcher(t, src, nil, bad, good)

	d.Notify(Event{
		Kind:          KindUpdateFailed,
		IntegrationID: "uc_denon",
		Version:       "1.2.0",
		Phase:         "Downloading",
		Message:       "registry unavailable",
	})
	d.Close()

	msgs := good.sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Update failed: uc_denon", msgs[0].Title)
	assert.Equal(t, "Update of uc_denon to 1.2.0 failed during Downloading: registry unavailable", msgs[0].Body)
	assert.False(t, msgs[0].Event.At.IsZero())
	assert.Len(t, bad.sent(), 1, "a failing channel does not stop the others")

	d.Notify(Event{Kind: KindUpdateFailed})
	assert.Len(t, good.sent(), 1, "events after close are dropped")
}

func TestDispatcherHonorsTriggers(t *testing.T) {
	s := settings.Default()
	s.Triggers = settings.Triggers{}
	ch := &recorder{name: "rec"}
	d := newDispatcher(t, &staticSettings{s: s}, nil, ch)

	d.Notify(Event{Kind: KindUpdateAvailable, IntegrationID: "a", Version: "2.0.0"})
	d.Notify(Event{Kind: KindBackupCompleted, Message: "3 integrations"})
	d.Notify(Event{Kind: KindDegraded, IntegrationID: "a", Version: "2.0.0", Message: "install failed"})
	d.Close()

	msgs := ch.sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, KindDegraded, msgs[0].Event.Kind)
}

func TestUpdateAvailableDeduplicatedAcrossRestarts(t *testing.T) {
	orm := openDB(t)
	src := &staticSettings{s: settings.Default()}

	first := &recorder{name: "rec"}
	d := newDispatcher(t, src, orm, first)
	d.Notify(Event{Kind: KindUpdateAvailable, IntegrationID: "a", Version: "2.0.0"})
	d.Notify(Event{Kind: KindUpdateAvailable, IntegrationID: "a", Version: "2.0.0"})
	d.Notify(Event{Kind: KindUpdateAvailable, IntegrationID: "a", Version: "2.1.0"})
	d.Close()
	assert.Len(t, first.sent(), 2)

	second := &recorder{name: "rec"}
	d = newDispatcher(t, src, orm, second)
	d.Notify(Event{Kind: KindUpdateAvailable, IntegrationID: "a", Version: "2.1.0"})
	d.Close()
	assert.Empty(t, second.sent())

	third := &recorder{name: "rec"}
	d = newDispatcher(t, src, orm, third)
	require.NoError(t, d.ClearUpdateAvailable(context.Background(), "a"))
	d.Notify(Event{Kind: KindUpdateAvailable, IntegrationID: "a", Version: "2.1.0"})
	d.Close()
	assert.Len(t, third.sent(), 1)
}

func TestNotifyNeverBlocks(t *testing.T) {
	d, err := NewDispatcher(Config{
		Channels:  []Channel{&recorder{name: "rec"}},
		Settings:  &staticSettings{s: settings.Default()},
		QueueSize: 1,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.Notify(Event{Kind: KindUpdateStarted})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked without a running dispatcher")
	}
	d.Close()
}
