package transfer

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/skytransfer/internal/admission"
	"github.com/kenneth/skytransfer/internal/audit"
	"github.com/kenneth/skytransfer/internal/crypto"
	"github.com/kenneth/skytransfer/internal/manifest"
	"github.com/kenneth/skytransfer/internal/progress"
	"github.com/kenneth/skytransfer/internal/session"
	"github.com/kenneth/skytransfer/internal/storage"
	"github.com/kenneth/skytransfer/internal/storage/storagetest"
)

const fetchRetries = 3

type testEnv struct {
	store      *storagetest.Store
	registry   *manifest.BoltStore
	session    *session.Session
	scheduler  *manifest.Scheduler
	admission  *admission.Controller
	audit      audit.Logger
	uploader   *Uploader
	downloader *Downloader
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestEnv(t *testing.T, contentStore storage.ContentStore, maxParallel int, offload bool) *testEnv {
	t.Helper()
	logger := testLogger()
	env := &testEnv{store: storagetest.NewStore(), audit: audit.NewLogger(100, nil)}
	t.Cleanup(env.store.Close)
	if contentStore == nil {
		contentStore = env.store
	}

	registry, err := manifest.OpenBoltStore(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { registry.Close() })
	env.registry = registry

	env.session, err = session.Generate()
	require.NoError(t, err)
	env.scheduler, err = manifest.NewScheduler(registry, env.session, manifest.Options{
		KeyName:       "files",
		SyncFactor:    10,
		MinSyncFactor: 5,
		Reclaimer:     NewContentReclaimer(env.store, logger),
	}, logger)
	require.NoError(t, err)

	env.admission, err = admission.New(maxParallel, nil)
	require.NoError(t, err)

	env.uploader, err = NewUploader(contentStore, env.admission, env.scheduler, env.session, UploaderOptions{
		EncryptionType: crypto.EncryptionTypeXChaCha20Poly1305,
		ChunkSize:      1024,
		Offload:        offload,
		OffloadBuffer:  2,
		Audit:          env.audit,
	}, logger)
	require.NoError(t, err)

	fetcher := storage.NewFetcher(nil, storage.FetcherOptions{Retries: fetchRetries, Backoff: time.Millisecond}, nil, nil, logger)
	env.downloader = NewDownloader(env.store, fetcher, env.session, DownloaderOptions{Audit: env.audit}, logger)
	return env
}

func (e *testEnv) upload(t *testing.T, path string, data []byte) manifest.EncryptedFileReference {
	t.Helper()
	ref, err := e.uploader.Upload(context.Background(), UploadRequest{
		Reader:       bytes.NewReader(data),
		Size:         int64(len(data)),
		FileName:     filepath.Base(path),
		MIMEType:     "application/octet-stream",
		RelativePath: path,
	}, nil)
	require.NoError(t, err)
	return ref
}

func TestUploadDownload_RoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		offload bool
	}{
		{name: "empty", size: 0},
		{name: "single chunk", size: 500},
		{name: "exact chunks", size: 4096, offload: true},
		{name: "partial tail", size: 10*1024 + 7, offload: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil, 2, tt.offload)
			data := randomBytes(t, tt.size)

			ref := env.upload(t, "dir/file.bin", data)
			assert.NoError(t, ref.Validate())
			assert.Equal(t, 1024, ref.ChunkSize)
			assert.Equal(t, int64(tt.size), ref.Size)

			stored, ok := env.store.Object(ref.ContentAddress)
			require.True(t, ok)
			assert.Len(t, stored, int(ref.EncryptedSize))

			rec := &progress.Recorder{}
			file, err := env.downloader.Download(context.Background(), ref, rec)
			require.NoError(t, err)
			assert.Equal(t, "file.bin", file.Name)
			assert.Equal(t, "application/octet-stream", file.MIMEType)
			assert.True(t, bytes.Equal(data, file.Data))

			decrypt := rec.Events(progress.PhaseDecrypt)
			if tt.size > 0 {
				require.NotEmpty(t, decrypt)
				last := decrypt[len(decrypt)-1]
				assert.True(t, last.Done())
				assert.Equal(t, 100, last.Percentage())
			}
		})
	}
}

func TestUpload_UpdatesManifest(t *testing.T) {
	env := newTestEnv(t, nil, 2, false)

	first := env.upload(t, "notes/todo.txt", []byte("buy milk"))
	second := env.upload(t, "notes/todo.txt", []byte("buy oat milk"))
	env.upload(t, "notes/done.txt", []byte("nothing"))

	files := env.scheduler.Manifest().Files()
	require.Len(t, files, 2)
	assert.Equal(t, second.UUID, files[0].UUID)
	assert.NotEqual(t, first.ContentAddress, second.ContentAddress)

	pending := env.scheduler.Pending()
	assert.Equal(t, 3, pending.ToAdd)
	assert.Zero(t, pending.StillInProgress())

	require.NoError(t, env.scheduler.Evaluate(context.Background()))
	assert.Zero(t, env.scheduler.Pending().ToAdd)

	events := env.audit.Events()
	require.Len(t, events, 3)
	assert.Equal(t, audit.EventTypeUpload, events[0].EventType)
}

func TestUpload_StoreFailure(t *testing.T) {
	env := newTestEnv(t, nil, 2, true)
	env.store.FailUploads.Store(true)

	_, err := env.uploader.Upload(context.Background(), UploadRequest{
		Reader:   bytes.NewReader(make([]byte, 5000)),
		Size:     5000,
		FileName: "a.bin",
	}, nil)
	require.Error(t, err)

	pending := env.scheduler.Pending()
	assert.Equal(t, 1, pending.Queued)
	assert.Equal(t, 1, pending.Errored)
	assert.Zero(t, pending.ToAdd)
	assert.Zero(t, env.admission.InFlight())
	assert.True(t, env.scheduler.Manifest().IsEmpty())
}

// gatedStore blocks every upload until a token is sent on release.
type gatedStore struct {
	storage.ContentStore
	started chan string
	release chan struct{}
}

func (g *gatedStore) Upload(ctx context.Context, r io.Reader, size int64, observer progress.Observer) (string, error) {
	g.started <- "started"
	select {
	case <-g.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return g.ContentStore.Upload(ctx, r, size, observer)
}

func TestUpload_AdmissionBlocksThirdFile(t *testing.T) {
	backing := storagetest.NewStore()
	defer backing.Close()
	gate := &gatedStore{ContentStore: backing, started: make(chan string, 3), release: make(chan struct{})}
	env := newTestEnv(t, gate, 2, false)

	errs := make(chan error, 3)
	for _, name := range []string{"a", "b", "c"} {
		go func(name string) {
			_, err := env.uploader.Upload(context.Background(), UploadRequest{
				Reader:   bytes.NewReader([]byte(name)),
				Size:     1,
				FileName: name,
			}, nil)
			errs <- err
		}(name)
	}

	<-gate.started
	<-gate.started
	select {
	case <-gate.started:
		t.Fatal("third upload started while two were in flight")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, int64(2), env.admission.InFlight())

	gate.release <- struct{}{}
	require.NoError(t, <-errs)

	select {
	case <-gate.started:
	case <-time.After(time.Second):
		t.Fatal("third upload was not admitted after a release")
	}
	gate.release <- struct{}{}
	gate.release <- struct{}{}
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	assert.Zero(t, env.admission.InFlight())
	assert.Equal(t, 3, env.scheduler.Manifest().Len())
}

func TestDownload_FetchExhaustedAbortsWithoutFile(t *testing.T) {
	env := newTestEnv(t, nil, 2, false)
	data := randomBytes(t, 10*1024)
	ref := env.upload(t, "big.bin", data)
	codec, err := ref.Codec()
	require.NoError(t, err)
	require.Equal(t, int64(10), crypto.TotalChunks(ref.EncryptedSize, codec.EncryptedChunkSize()))

	rec := &progress.Recorder{}
	// Once chunk 3 is decrypted, fail every attempt at chunk 4.
	observer := progress.Multi(rec, progress.ObserverFunc(func(e progress.Event) {
		if e.Phase == progress.PhaseDecrypt && e.Completed == 4 {
			env.store.FailNextFetches(fetchRetries + 1)
		}
	}))

	file, err := env.downloader.Download(context.Background(), ref, observer)
	assert.Nil(t, file)
	var fetchErr *crypto.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, int64(4), fetchErr.Index)

	fetch := rec.Events(progress.PhaseFetch)
	require.NotEmpty(t, fetch)
	last := fetch[len(fetch)-1]
	assert.True(t, last.Done())
	assert.Equal(t, 0, last.Percentage())

	decrypt := rec.Events(progress.PhaseDecrypt)
	require.NotEmpty(t, decrypt)
	assert.Equal(t, int64(4), decrypt[len(decrypt)-1].Completed)
	assert.False(t, decrypt[len(decrypt)-1].Done())

	events := env.audit.Events()
	assert.False(t, events[len(events)-1].Success)
}

func TestDownload_RecoversWithinRetryBudget(t *testing.T) {
	env := newTestEnv(t, nil, 2, false)
	data := randomBytes(t, 3000)
	ref := env.upload(t, "flaky.bin", data)

	env.store.FailNextFetches(fetchRetries)
	file, err := env.downloader.Download(context.Background(), ref, nil)
	require.NoError(t, err)
	assert.Equal(t, data, file.Data)
}

func TestDownload_WrongKey(t *testing.T) {
	env := newTestEnv(t, nil, 2, false)
	ref := env.upload(t, "secret.txt", randomBytes(t, 2000))

	other, err := session.Generate()
	require.NoError(t, err)
	fetcher := storage.NewFetcher(nil, storage.FetcherOptions{}, nil, nil, testLogger())
	downloader := NewDownloader(env.store, fetcher, other, DownloaderOptions{}, testLogger())

	_, err = downloader.Download(context.Background(), ref, nil)
	assert.ErrorIs(t, err, crypto.ErrCorruptChunk)
}

func TestDownloadToFile(t *testing.T) {
	env := newTestEnv(t, nil, 2, false)
	data := randomBytes(t, 5000)
	ref := env.upload(t, "out.bin", data)
	dir := t.TempDir()

	path := filepath.Join(dir, "nested", "out.bin")
	require.NoError(t, env.downloader.DownloadToFile(context.Background(), ref, path, nil))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	env.store.FailNextFetches(100)
	failed := filepath.Join(dir, "failed.bin")
	require.Error(t, env.downloader.DownloadToFile(context.Background(), ref, failed, nil))
	_, err = os.Stat(failed)
	assert.True(t, os.IsNotExist(err))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestNewUploader_ReadOnlySession(t *testing.T) {
	owner, err := session.Generate()
	require.NoError(t, err)
	reader, err := session.ParseShareLink(owner.ShareLink("https://example.com"))
	require.NoError(t, err)

	_, err = NewUploader(nil, nil, nil, reader, UploaderOptions{EncryptionType: crypto.DefaultEncryptionType}, testLogger())
	assert.ErrorIs(t, err, session.ErrReadOnly)
}

func TestContentReclaimer(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, 2, false)
	first := env.upload(t, "a.bin", bytes.Repeat([]byte{1}, 3000))
	second := env.upload(t, "b.bin", bytes.Repeat([]byte{2}, 3000))
	require.NoError(t, env.scheduler.Flush(ctx))

	// A second entry pointing at the same object keeps it alive.
	alias := first
	alias.UUID = "5b8a7e5c-2f0e-4d55-9a57-0b8f2c1d7e11"
	alias.RelativePath = "alias.bin"
	require.NoError(t, env.scheduler.FileUploaded(alias))

	_, err := env.scheduler.Remove(first.UUID)
	require.NoError(t, err)
	require.NoError(t, env.scheduler.Flush(ctx))
	_, ok := env.store.Object(first.ContentAddress)
	assert.True(t, ok, "content still referenced by alias")

	_, err = env.scheduler.Remove(alias.UUID)
	require.NoError(t, err)
	_, ok = env.store.Object(first.ContentAddress)
	assert.True(t, ok, "content kept until the manifest is written")
	require.NoError(t, env.scheduler.Flush(ctx))
	_, ok = env.store.Object(first.ContentAddress)
	assert.False(t, ok)

	_, err = env.scheduler.Remove(second.UUID)
	require.NoError(t, err)
	require.NoError(t, env.scheduler.Flush(ctx))
	assert.True(t, env.scheduler.Manifest().IsEmpty())
	_, ok = env.store.Object(second.ContentAddress)
	assert.False(t, ok)

	_, err = env.scheduler.Remove(second.UUID)
	assert.ErrorIs(t, err, manifest.ErrFileNotFound)
}

func TestContentReclaimer_FailedSyncKeepsContent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, 2, false)
	ref := env.upload(t, "a.txt", []byte("keep me"))
	require.NoError(t, env.scheduler.Flush(ctx))

	require.NoError(t, env.registry.Close())
	_, err := env.scheduler.Remove(ref.UUID)
	require.NoError(t, err)

	var syncErr *manifest.SyncError
	require.ErrorAs(t, env.scheduler.Flush(ctx), &syncErr)
	_, ok := env.store.Object(ref.ContentAddress)
	assert.True(t, ok, "the stored manifest still lists the file")
	assert.Equal(t, 1, env.scheduler.Pending().ToRemove)
}
