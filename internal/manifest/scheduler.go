package manifest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/skytransfer/internal/audit"
	"github.com/kenneth/skytransfer/internal/metrics"
	"github.com/kenneth/skytransfer/internal/session"
)

// ErrFileNotFound is returned when removing a uuid the manifest does not hold.
var ErrFileNotFound = errors.New("file not found in manifest")

// Trigger names the condition that started a sync.
type Trigger string

const (
	// TriggerInterval syncs periodically during a large batch.
	TriggerInterval Trigger = "interval"
	// TriggerCompletion flushes additions once no upload is active.
	TriggerCompletion Trigger = "completion"
	// TriggerEdit flushes removals once no upload is active.
	TriggerEdit Trigger = "edit"
	// TriggerManual is an explicit Flush.
	TriggerManual Trigger = "manual"
)

// NotificationKind classifies scheduler notifications.
type NotificationKind string

const (
	SyncStarted     NotificationKind = "sync_started"
	SyncSucceeded   NotificationKind = "sync_succeeded"
	SyncFailed      NotificationKind = "sync_failed"
	UploadCompleted NotificationKind = "upload_completed"
)

// Notification is a user-facing scheduler event.
type Notification struct {
	Kind    NotificationKind
	Trigger Trigger
	// Files is the manifest size that was written.
	Files int
	Err   error
}

// Notifier receives scheduler notifications. Implementations must not
// block.
type Notifier interface {
	Notify(Notification)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// Reclaimer frees the content of removed entries. It is called only after a
// successful sync has written a manifest that no longer lists them.
type Reclaimer interface {
	Reclaim(ctx context.Context, refs []EncryptedFileReference)
}

// SyncError is a failed manifest write. It is recoverable: the pending
// counters are kept and the next trigger writes the full manifest again.
type SyncError struct {
	Trigger Trigger
	Err     error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("manifest sync (%s) failed: %v", e.Trigger, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Options configures a Scheduler.
type Options struct {
	// KeyName is the store key the manifest is written under.
	KeyName string
	// SyncFactor is the number of pending additions above which a sync
	// runs while a batch is still uploading.
	SyncFactor int
	// MinSyncFactor is the number of active uploads above which the
	// interval trigger applies.
	MinSyncFactor int
	Notifier      Notifier
	// Reclaimer, when set, receives removed entries whose content nothing
	// references any more.
	Reclaimer Reclaimer
	Audit         audit.Logger
	Metrics       *metrics.Metrics
}

// Pending is a snapshot of the scheduler counters.
type Pending struct {
	ToAdd    int
	ToRemove int
	// Queued counts files admitted for upload that have neither finished
	// nor been dismissed. Errored counts the failed ones among them.
	Queued  int
	Errored int
	Syncing bool
}

// StillInProgress is the number of uploads that may still complete.
func (p Pending) StillInProgress() int { return p.Queued - p.Errored }

// Scheduler batches manifest mutations and writes the sealed manifest to
// a Store, with at most one write in flight.
type Scheduler struct {
	store    Store
	session  *session.Session
	manifest *Manifest
	opts     Options
	logger   *logrus.Logger

	mu      sync.Mutex
	state   Pending
	removed []EncryptedFileReference
	syncEnd chan struct{}
	wake    chan struct{}
}

// NewScheduler creates a scheduler owning an empty manifest. Call Load to
// fetch the remote one.
func NewScheduler(store Store, sess *session.Session, opts Options, logger *logrus.Logger) (*Scheduler, error) {
	if opts.KeyName == "" {
		return nil, fmt.Errorf("manifest key name is required")
	}
	if opts.SyncFactor < 0 || opts.MinSyncFactor < 0 {
		return nil, fmt.Errorf("sync factors must not be negative")
	}
	if opts.Notifier == nil {
		opts.Notifier = NotifierFunc(func(Notification) {})
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop()
	}
	return &Scheduler{
		store:    store,
		session:  sess,
		manifest: New(),
		opts:     opts,
		logger:   logger,
		wake:     make(chan struct{}, 1),
	}, nil
}

// Manifest returns the live manifest. Mutate it only through the scheduler.
func (s *Scheduler) Manifest() *Manifest { return s.manifest }

// Pending returns the current counters.
func (s *Scheduler) Pending() Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Load replaces the manifest with the stored one. A missing entry is an
// empty manifest.
func (s *Scheduler) Load(ctx context.Context) error {
	entry, err := s.store.Get(ctx, s.session.PublicKey(), s.opts.KeyName)
	if errors.Is(err, ErrNotFound) {
		s.manifest.Replace(nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load manifest: %w", err)
	}
	key, err := s.session.ManifestKey()
	if err != nil {
		return err
	}
	files, err := Open(key, entry.Data)
	if err != nil {
		return fmt.Errorf("failed to open manifest: %w", err)
	}
	s.manifest.Replace(files)
	s.logger.WithField("files", len(files)).Info("Loaded manifest")
	return nil
}

// mutate applies fn under the lock, publishes the counters and wakes Run.
func (s *Scheduler) mutate(fn func(p *Pending)) {
	s.mu.Lock()
	fn(&s.state)
	pending := s.state
	s.mu.Unlock()

	s.opts.Metrics.SetManifestPending(pending.ToAdd, pending.ToRemove)
	s.poke()
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// FileQueued records a file entering the upload pipeline.
func (s *Scheduler) FileQueued() {
	s.mutate(func(p *Pending) { p.Queued++ })
}

// FileUploaded adds ref to the manifest, replacing any entry with the same
// relative path, and marks one queued upload finished.
func (s *Scheduler) FileUploaded(ref EncryptedFileReference) error {
	if !s.session.Writable() {
		return session.ErrReadOnly
	}
	if err := ref.Validate(); err != nil {
		return err
	}
	s.mutate(func(p *Pending) {
		if s.manifest.Upsert(ref) {
			s.logger.WithField("relative_path", ref.RelativePath).Debug("Replaced manifest entry")
		}
		p.ToAdd++
		if p.Queued > 0 {
			p.Queued--
		}
	})
	return nil
}

// FileFailed marks a queued upload as failed. It stays counted until
// dismissed.
func (s *Scheduler) FileFailed() {
	s.mutate(func(p *Pending) { p.Errored++ })
}

// Dismiss clears one failed upload.
func (s *Scheduler) Dismiss() {
	s.mutate(func(p *Pending) {
		if p.Errored > 0 {
			p.Errored--
			p.Queued--
		}
	})
}

// Remove deletes the entry with the given uuid from the manifest.
func (s *Scheduler) Remove(uuid string) (EncryptedFileReference, error) {
	if !s.session.Writable() {
		return EncryptedFileReference{}, session.ErrReadOnly
	}
	var (
		ref   EncryptedFileReference
		found bool
	)
	s.mutate(func(p *Pending) {
		ref, found = s.manifest.Remove(uuid)
		if found {
			p.ToRemove++
			if s.opts.Reclaimer != nil {
				s.removed = append(s.removed, ref)
			}
		}
	})
	file := audit.File{ID: uuid, Name: ref.FileName, ContentAddress: ref.ContentAddress}
	if !found {
		s.opts.Audit.LogRemove(file, ErrFileNotFound)
		return EncryptedFileReference{}, ErrFileNotFound
	}
	s.opts.Audit.LogRemove(file, nil)
	return ref, nil
}

// trigger returns the first sync condition that holds for p.
func (s *Scheduler) trigger(p Pending, manifestEmpty bool) (Trigger, bool) {
	if p.Syncing {
		return "", false
	}
	active := p.StillInProgress()
	switch {
	case p.ToAdd > s.opts.SyncFactor && active > s.opts.MinSyncFactor:
		return TriggerInterval, true
	case p.ToAdd > 0 && !manifestEmpty && active == 0:
		return TriggerCompletion, true
	case p.ToRemove > 0 && active == 0:
		return TriggerEdit, true
	}
	return "", false
}

// syncJob is what one sync writes and what it settles on success.
type syncJob struct {
	trigger  Trigger
	snapshot Pending
	files    []EncryptedFileReference
	// removed is the number of queued removals the written manifest
	// already excludes.
	removed int
}

// begin claims the sync slot.
func (s *Scheduler) begin(force bool) (syncJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var trig Trigger
	if force {
		if s.state.Syncing || (s.state.ToAdd == 0 && s.state.ToRemove == 0) {
			return syncJob{}, false
		}
		trig = TriggerManual
	} else {
		var ok bool
		if trig, ok = s.trigger(s.state, s.manifest.IsEmpty()); !ok {
			return syncJob{}, false
		}
	}
	s.state.Syncing = true
	s.syncEnd = make(chan struct{})
	return syncJob{trigger: trig, snapshot: s.state, files: s.manifest.Files(), removed: len(s.removed)}, true
}

// orphaned takes the removals settled by job and returns those whose content
// neither the written nor the live manifest references. Callers hold s.mu.
func (s *Scheduler) orphaned(job syncJob) []EncryptedFileReference {
	settled := s.removed[:job.removed]
	s.removed = s.removed[job.removed:]
	if len(settled) == 0 {
		return nil
	}
	live := make(map[string]struct{}, len(job.files))
	for _, files := range [][]EncryptedFileReference{job.files, s.manifest.Files()} {
		for _, ref := range files {
			live[ref.ContentAddress] = struct{}{}
		}
	}
	orphans := lo.Filter(settled, func(ref EncryptedFileReference, _ int) bool {
		_, ok := live[ref.ContentAddress]
		return !ok
	})
	return lo.UniqBy(orphans, func(ref EncryptedFileReference) string { return ref.ContentAddress })
}

// Evaluate checks the trigger conditions and, when one holds and no sync
// is in flight, writes the manifest before returning. A trigger that fires
// during a sync is coalesced into a later evaluation.
func (s *Scheduler) Evaluate(ctx context.Context) error {
	job, ok := s.begin(false)
	if !ok {
		return nil
	}
	return s.sync(ctx, job)
}

// Flush writes any pending mutations, waiting for an in-flight sync first.
func (s *Scheduler) Flush(ctx context.Context) error {
	for {
		s.mu.Lock()
		end := s.syncEnd
		syncing := s.state.Syncing
		s.mu.Unlock()

		if syncing {
			select {
			case <-end:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		job, ok := s.begin(true)
		if !ok {
			if s.Pending().Syncing {
				continue
			}
			return nil
		}
		return s.sync(ctx, job)
	}
}

func (s *Scheduler) sync(ctx context.Context, job syncJob) error {
	trig, snapshot, files := job.trigger, job.snapshot, job.files
	start := time.Now()
	logger := s.logger.WithFields(logrus.Fields{
		"trigger":   trig,
		"files":     len(files),
		"to_add":    snapshot.ToAdd,
		"to_remove": snapshot.ToRemove,
	})
	s.opts.Notifier.Notify(Notification{Kind: SyncStarted, Trigger: trig, Files: len(files)})
	logger.Debug("Syncing manifest")

	err := s.write(ctx, files)

	var orphans []EncryptedFileReference
	s.mu.Lock()
	if err == nil {
		s.state.ToAdd -= snapshot.ToAdd
		s.state.ToRemove -= snapshot.ToRemove
		orphans = s.orphaned(job)
	}
	s.state.Syncing = false
	close(s.syncEnd)
	pending := s.state
	s.mu.Unlock()

	duration := time.Since(start)
	s.opts.Metrics.RecordManifestSync(string(trig), err, duration)
	s.opts.Metrics.SetManifestPending(pending.ToAdd, pending.ToRemove)
	s.opts.Audit.LogManifestSync(string(trig), len(files), err, duration)

	if err != nil {
		syncErr := &SyncError{Trigger: trig, Err: err}
		logger.WithError(err).Warn("Manifest sync failed, changes stay pending")
		s.opts.Notifier.Notify(Notification{Kind: SyncFailed, Trigger: trig, Files: len(files), Err: syncErr})
		return syncErr
	}

	logger.WithField("duration", duration).Info("Manifest synced")
	s.opts.Notifier.Notify(Notification{Kind: SyncSucceeded, Trigger: trig, Files: len(files)})
	if trig == TriggerCompletion {
		s.opts.Notifier.Notify(Notification{Kind: UploadCompleted, Trigger: trig, Files: len(files)})
	}
	if len(orphans) > 0 {
		s.opts.Reclaimer.Reclaim(ctx, orphans)
	}
	// Mutations made during the write may already satisfy a trigger.
	if pending.ToAdd > 0 || pending.ToRemove > 0 {
		s.poke()
	}
	return nil
}

func (s *Scheduler) write(ctx context.Context, files []EncryptedFileReference) error {
	privateKey, err := s.session.PrivateKey()
	if err != nil {
		return err
	}
	key, err := s.session.ManifestKey()
	if err != nil {
		return err
	}
	data, err := Seal(key, files)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, privateKey, s.opts.KeyName, Entry{Data: data})
}

// Run evaluates the triggers after every mutation until ctx is done, then
// flushes what is still pending. Failed syncs are reported through the
// Notifier and retried on the next mutation.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			if err := s.Flush(flushCtx); err != nil {
				return err
			}
			return ctx.Err()
		case <-s.wake:
			_ = s.Evaluate(ctx)
		}
	}
}
