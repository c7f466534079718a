package manifest

import (
	"context"
	"crypto/ed25519"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/skytransfer/internal/audit"
	"github.com/kenneth/skytransfer/internal/metrics"
	"github.com/kenneth/skytransfer/internal/session"
)

// memStore is a Store whose writes can be failed or held.
type memStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	sets    atomic.Int64
	fail    atomic.Bool
	// hold, when set, blocks Set until it is closed. entered is signalled
	// on each Set call.
	hold    chan struct{}
	entered chan struct{}
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[string]Entry), entered: make(chan struct{}, 16)}
}

func (s *memStore) Get(_ context.Context, pub ed25519.PublicKey, keyName string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[string(pub)+keyName]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (s *memStore) Set(ctx context.Context, priv ed25519.PrivateKey, keyName string, entry Entry) error {
	s.sets.Add(1)
	select {
	case s.entered <- struct{}{}:
	default:
	}
	if s.hold != nil {
		select {
		case <-s.hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.fail.Load() {
		return errors.New("registry unavailable")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[string(ownerOf(priv))+keyName] = entry
	return nil
}

type notifications struct {
	mu   sync.Mutex
	list []Notification
}

func (n *notifications) Notify(x Notification) {
	n.mu.Lock()
	n.list = append(n.list, x)
	n.mu.Unlock()
}

func (n *notifications) kinds() []NotificationKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []NotificationKind
	for _, x := range n.list {
		out = append(out, x.Kind)
	}
	return out
}

func newScheduler(t *testing.T, store Store, notifier Notifier) (*Scheduler, *session.Session) {
	t.Helper()
	sess, err := session.Generate()
	require.NoError(t, err)
	s, err := NewScheduler(store, sess, Options{
		KeyName:       "skytransfer-encrypted-files",
		SyncFactor:    10,
		MinSyncFactor: 5,
		Notifier:      notifier,
		Metrics:       metrics.NewMetricsWithRegistry(prometheus.NewRegistry()),
	}, testLogger())
	require.NoError(t, err)
	return s, sess
}

func uploadN(t *testing.T, s *Scheduler, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, s.FileUploaded(newRef(t, "batch/"+uuid.NewString())))
	}
}

func TestScheduler_Triggers(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, s *Scheduler)
		want    bool
		trigger Trigger
	}{
		{
			name: "interval during large batch",
			setup: func(t *testing.T, s *Scheduler) {
				for i := 0; i < 17; i++ {
					s.FileQueued()
				}
				uploadN(t, s, 11)
			},
			want:    true,
			trigger: TriggerInterval,
		},
		{
			name: "interval needs enough active uploads",
			setup: func(t *testing.T, s *Scheduler) {
				for i := 0; i < 16; i++ {
					s.FileQueued()
				}
				uploadN(t, s, 11)
			},
		},
		{
			name: "interval needs more than sync factor additions",
			setup: func(t *testing.T, s *Scheduler) {
				for i := 0; i < 20; i++ {
					s.FileQueued()
				}
				uploadN(t, s, 10)
			},
		},
		{
			name: "completion after batch",
			setup: func(t *testing.T, s *Scheduler) {
				s.FileQueued()
				s.FileQueued()
				uploadN(t, s, 2)
			},
			want:    true,
			trigger: TriggerCompletion,
		},
		{
			name: "no completion while uploads are active",
			setup: func(t *testing.T, s *Scheduler) {
				s.FileQueued()
				s.FileQueued()
				uploadN(t, s, 1)
			},
		},
		{
			name: "failed upload does not block completion",
			setup: func(t *testing.T, s *Scheduler) {
				s.FileQueued()
				s.FileQueued()
				uploadN(t, s, 1)
				s.FileFailed()
			},
			want:    true,
			trigger: TriggerCompletion,
		},
		{
			name: "edit after removal",
			setup: func(t *testing.T, s *Scheduler) {
				ref := newRef(t, "old.txt")
				s.Manifest().Upsert(ref)
				_, err := s.Remove(ref.UUID)
				require.NoError(t, err)
			},
			want:    true,
			trigger: TriggerEdit,
		},
		{
			name: "no edit while uploading",
			setup: func(t *testing.T, s *Scheduler) {
				ref := newRef(t, "old.txt")
				s.Manifest().Upsert(ref)
				s.FileQueued()
				_, err := s.Remove(ref.UUID)
				require.NoError(t, err)
			},
		},
		{
			name:  "nothing pending",
			setup: func(t *testing.T, s *Scheduler) {},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			rec := &notifications{}
			s, _ := newScheduler(t, store, rec)
			tt.setup(t, s)

			require.NoError(t, s.Evaluate(context.Background()))

			if !tt.want {
				assert.Zero(t, store.sets.Load())
				return
			}
			assert.Equal(t, int64(1), store.sets.Load())
			rec.mu.Lock()
			assert.Equal(t, tt.trigger, rec.list[0].Trigger)
			rec.mu.Unlock()
			assert.Zero(t, s.Pending().ToAdd)
			assert.Zero(t, s.Pending().ToRemove)
		})
	}
}

func TestScheduler_IntervalSyncResetsToAdd(t *testing.T) {
	store := newMemStore()
	s, sess := newScheduler(t, store, nil)

	for i := 0; i < 17; i++ {
		s.FileQueued()
	}
	uploadN(t, s, 11)
	require.Equal(t, 11, s.Pending().ToAdd)
	require.Equal(t, 6, s.Pending().StillInProgress())

	require.NoError(t, s.Evaluate(context.Background()))
	assert.Zero(t, s.Pending().ToAdd)
	assert.False(t, s.Pending().Syncing)

	// The written entry opens to the full manifest.
	entry, err := store.Get(context.Background(), sess.PublicKey(), "skytransfer-encrypted-files")
	require.NoError(t, err)
	key, err := sess.ManifestKey()
	require.NoError(t, err)
	files, err := Open(key, entry.Data)
	require.NoError(t, err)
	assert.Len(t, files, 11)
}

func TestScheduler_FailureKeepsCounters(t *testing.T) {
	store := newMemStore()
	store.fail.Store(true)
	rec := &notifications{}
	s, _ := newScheduler(t, store, rec)

	s.FileQueued()
	uploadN(t, s, 1)

	err := s.Evaluate(context.Background())
	var syncErr *SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, TriggerCompletion, syncErr.Trigger)
	assert.Equal(t, 1, s.Pending().ToAdd)
	assert.False(t, s.Pending().Syncing)
	assert.Equal(t, []NotificationKind{SyncStarted, SyncFailed}, rec.kinds())

	store.fail.Store(false)
	require.NoError(t, s.Evaluate(context.Background()))
	assert.Zero(t, s.Pending().ToAdd)
	assert.Equal(t, []NotificationKind{SyncStarted, SyncFailed, SyncStarted, SyncSucceeded, UploadCompleted}, rec.kinds())
}

func TestScheduler_SingleFlight(t *testing.T) {
	store := newMemStore()
	store.hold = make(chan struct{})
	s, _ := newScheduler(t, store, nil)

	s.FileQueued()
	uploadN(t, s, 1)

	done := make(chan error, 1)
	go func() { done <- s.Evaluate(context.Background()) }()
	<-store.entered
	require.True(t, s.Pending().Syncing)

	// Triggers firing during the write only accumulate.
	s.FileQueued()
	uploadN(t, s, 1)
	require.NoError(t, s.Evaluate(context.Background()))
	assert.Equal(t, int64(1), store.sets.Load())

	close(store.hold)
	require.NoError(t, <-done)

	// The addition made during the write stays pending.
	assert.Equal(t, 1, s.Pending().ToAdd)
	require.NoError(t, s.Evaluate(context.Background()))
	assert.Equal(t, int64(2), store.sets.Load())
	assert.Zero(t, s.Pending().ToAdd)
}

func TestScheduler_ConcurrentEvaluate(t *testing.T) {
	store := newMemStore()
	s, _ := newScheduler(t, store, nil)

	var inFlight, peak atomic.Int64
	tracking := &trackingStore{Store: store, inFlight: &inFlight, peak: &peak}
	s.store = tracking

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.FileQueued()
			_ = s.FileUploaded(newRef(t, "f"+string(rune('a'+i))))
			_ = s.Evaluate(context.Background())
		}(i)
	}
	wg.Wait()
	require.NoError(t, s.Flush(context.Background()))

	assert.LessOrEqual(t, peak.Load(), int64(1))
	assert.Zero(t, s.Pending().ToAdd)
	assert.Equal(t, 20, s.Manifest().Len())
}

type trackingStore struct {
	Store
	inFlight, peak *atomic.Int64
}

func (t *trackingStore) Set(ctx context.Context, priv ed25519.PrivateKey, keyName string, entry Entry) error {
	n := t.inFlight.Add(1)
	defer t.inFlight.Add(-1)
	for {
		p := t.peak.Load()
		if n <= p || t.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	return t.Store.Set(ctx, priv, keyName, entry)
}

func TestScheduler_Dismiss(t *testing.T) {
	s, _ := newScheduler(t, newMemStore(), nil)
	s.FileQueued()
	s.FileFailed()
	assert.Equal(t, 0, s.Pending().StillInProgress())

	s.Dismiss()
	assert.Equal(t, Pending{}, s.Pending())
	s.Dismiss()
	assert.Equal(t, Pending{}, s.Pending())
}

func TestScheduler_RemoveUnknown(t *testing.T) {
	logger := audit.NewLogger(10, nil)
	sess, err := session.Generate()
	require.NoError(t, err)
	s, err := NewScheduler(newMemStore(), sess, Options{KeyName: "k", Audit: logger}, testLogger())
	require.NoError(t, err)

	_, err = s.Remove("missing")
	assert.ErrorIs(t, err, ErrFileNotFound)
	assert.Zero(t, s.Pending().ToRemove)
	require.Len(t, logger.Events(), 1)
	assert.False(t, logger.Events()[0].Success)
}

func TestScheduler_ReadOnly(t *testing.T) {
	owner, err := session.Generate()
	require.NoError(t, err)
	reader, err := session.ParseShareLink(owner.ShareLink("https://skytransfer.example"))
	require.NoError(t, err)

	store := newMemStore()
	writer, err := NewScheduler(store, owner, Options{KeyName: "k"}, testLogger())
	require.NoError(t, err)
	writer.FileQueued()
	require.NoError(t, writer.FileUploaded(newRef(t, "shared.txt")))
	require.NoError(t, writer.Evaluate(context.Background()))

	s, err := NewScheduler(store, reader, Options{KeyName: "k"}, testLogger())
	require.NoError(t, err)
	require.NoError(t, s.Load(context.Background()))
	assert.Equal(t, 1, s.Manifest().Len())

	assert.ErrorIs(t, s.FileUploaded(newRef(t, "x")), session.ErrReadOnly)
	_, err = s.Remove(s.Manifest().Files()[0].UUID)
	assert.ErrorIs(t, err, session.ErrReadOnly)
}

func TestScheduler_LoadMissingIsEmpty(t *testing.T) {
	s, _ := newScheduler(t, newMemStore(), nil)
	s.Manifest().Upsert(newRef(t, "stale"))
	require.NoError(t, s.Load(context.Background()))
	assert.True(t, s.Manifest().IsEmpty())
}

func TestScheduler_Run(t *testing.T) {
	store := newMemStore()
	rec := &notifications{}
	s, _ := newScheduler(t, store, rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	s.FileQueued()
	uploadN(t, s, 1)

	assert.Eventually(t, func() bool { return s.Pending().ToAdd == 0 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, rec.kinds(), UploadCompleted)

	// Pending changes that never met a trigger are flushed on shutdown.
	s.FileQueued()
	s.FileQueued()
	uploadN(t, s, 1)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Zero(t, s.Pending().ToAdd)
	assert.Equal(t, int64(2), store.sets.Load())
}

type reclaimed struct {
	mu   sync.Mutex
	refs []EncryptedFileReference
}

func (r *reclaimed) Reclaim(_ context.Context, refs []EncryptedFileReference) {
	r.mu.Lock()
	r.refs = append(r.refs, refs...)
	r.mu.Unlock()
}

func (r *reclaimed) addresses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ref := range r.refs {
		out = append(out, ref.ContentAddress)
	}
	return out
}

func TestScheduler_ReclaimAfterSync(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	s, _ := newScheduler(t, store, nil)
	rec := &reclaimed{}
	s.opts.Reclaimer = rec

	a, b := newRef(t, "a.txt"), newRef(t, "b.txt")
	alias := newRef(t, "alias.txt")
	alias.ContentAddress = a.ContentAddress
	for _, ref := range []EncryptedFileReference{a, b, alias} {
		require.NoError(t, s.FileUploaded(ref))
	}
	require.NoError(t, s.Flush(ctx))

	// A failed write keeps the content.
	store.fail.Store(true)
	_, err := s.Remove(b.UUID)
	require.NoError(t, err)
	require.Error(t, s.Flush(ctx))
	assert.Empty(t, rec.addresses())

	store.fail.Store(false)
	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, []string{b.ContentAddress}, rec.addresses())

	// Content still listed under another entry is kept.
	_, err = s.Remove(a.UUID)
	require.NoError(t, err)
	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, []string{b.ContentAddress}, rec.addresses())

	// A removal made while a write is in flight waits for the next one.
	store.hold = make(chan struct{})
	store.entered = make(chan struct{}, 1)
	require.NoError(t, s.FileUploaded(newRef(t, "c.txt")))
	done := make(chan error, 1)
	go func() { done <- s.Flush(ctx) }()
	<-store.entered
	_, err = s.Remove(alias.UUID)
	require.NoError(t, err)
	close(store.hold)
	require.NoError(t, <-done)
	assert.Equal(t, []string{b.ContentAddress}, rec.addresses())

	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, []string{b.ContentAddress, a.ContentAddress}, rec.addresses())
}
