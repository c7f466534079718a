package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gorilla/mux"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kenneth/skytransfer/internal/admission"
	"github.com/kenneth/skytransfer/internal/audit"
	"github.com/kenneth/skytransfer/internal/manifest"
	"github.com/kenneth/skytransfer/internal/middleware"
	"github.com/kenneth/skytransfer/internal/progress"
	"github.com/kenneth/skytransfer/internal/session"
	"github.com/kenneth/skytransfer/internal/storage"
	"github.com/kenneth/skytransfer/internal/transfer"
)

// multipartMemory is how much of an upload form is kept in memory before
// parts spill to temporary files.
const multipartMemory = 32 << 20

// Options wires the gateway to the transfer pipeline.
type Options struct {
	// Uploader is nil for read-only sessions.
	Uploader   *transfer.Uploader
	Downloader *transfer.Downloader
	Scheduler  *manifest.Scheduler
	Session    *session.Session
	// Portals is nil unless the portal backend is in use.
	Portals        *storage.Portals
	Admission      *admission.Controller
	Audit          audit.Logger
	MaxUploadBytes int64
}

// Handler handles HTTP requests for the file gateway.
type Handler struct {
	opts   Options
	logger *logrus.Logger
}

// NewHandler creates a new API handler.
func NewHandler(opts Options, logger *logrus.Logger) *Handler {
	if opts.Audit == nil {
		opts.Audit = audit.Nop()
	}
	return &Handler{opts: opts, logger: logger}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", h.handleReady).Methods(http.MethodGet)

	r.HandleFunc("/files", h.handleListFiles).Methods(http.MethodGet)
	r.HandleFunc("/files", h.handleUploadFiles).Methods(http.MethodPost)
	r.HandleFunc("/files/{uuid}", h.handleGetFile).Methods(http.MethodGet)
	r.HandleFunc("/files/{uuid}", h.handleDeleteFile).Methods(http.MethodDelete)

	r.HandleFunc("/manifest", h.handleManifestStatus).Methods(http.MethodGet)
	r.HandleFunc("/manifest/flush", h.handleManifestFlush).Methods(http.MethodPost)
	r.HandleFunc("/manifest/errors", h.handleDismissError).Methods(http.MethodDelete)

	r.HandleFunc("/portals", h.handleListPortals).Methods(http.MethodGet)
	r.HandleFunc("/portals/current", h.handleUsePortal).Methods(http.MethodPut)
}

// writeError translates err and writes it scoped to the request.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := TranslateError(err)
	apiErr.Resource = r.URL.Path
	apiErr.RequestID = middleware.RequestID(r.Context())
	if apiErr.HTTPStatus >= http.StatusInternalServerError {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"path":       r.URL.Path,
			"request_id": apiErr.RequestID,
		}).Error("Request failed")
	}
	apiErr.WriteJSON(w)
}

func (h *Handler) writePredefined(w http.ResponseWriter, r *http.Request, e APIError) {
	e.with(r.URL.Path, middleware.RequestID(r.Context())).WriteJSON(w)
}

// FileInfo is the public view of a manifest entry.
type FileInfo struct {
	UUID           string `json:"uuid"`
	Name           string `json:"name"`
	RelativePath   string `json:"relativePath"`
	MIMEType       string `json:"mimeType"`
	Size           int64  `json:"size"`
	EncryptedSize  int64  `json:"encryptedSize"`
	EncryptionType string `json:"encryptionType"`
}

// UploadResult reports the outcome of one file in a multi-file upload.
type UploadResult struct {
	RelativePath string    `json:"relativePath"`
	File         *FileInfo `json:"file,omitempty"`
	Error        *APIError `json:"error,omitempty"`

	err error
}

func fileInfo(ref manifest.EncryptedFileReference) FileInfo {
	return FileInfo{
		UUID:           ref.UUID,
		Name:           ref.FileName,
		RelativePath:   ref.RelativePath,
		MIMEType:       ref.MIMEType,
		Size:           ref.Size,
		EncryptedSize:  ref.EncryptedSize,
		EncryptionType: string(ref.EncryptionType),
	}
}

// ManifestStatus reports the scheduler's pending work.
type ManifestStatus struct {
	Files      int  `json:"files"`
	ToAdd      int  `json:"toAdd"`
	ToRemove   int  `json:"toRemove"`
	Queued     int  `json:"queued"`
	Errored    int  `json:"errored"`
	InProgress int  `json:"inProgress"`
	Syncing    bool `json:"syncing"`
}

func (h *Handler) manifestStatus() ManifestStatus {
	p := h.opts.Scheduler.Pending()
	return ManifestStatus{
		Files:      h.opts.Scheduler.Manifest().Len(),
		ToAdd:      p.ToAdd,
		ToRemove:   p.ToRemove,
		Queued:     p.Queued,
		Errored:    p.Errored,
		InProgress: p.StillInProgress(),
		Syncing:    p.Syncing,
	}
}

// handleHealth handles liveness checks.
func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports readiness along with transfer load.
func (h *Handler) handleReady(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":   "ready",
		"writable": h.opts.Session.Writable(),
		"manifest": h.manifestStatus(),
	}
	if h.opts.Admission != nil {
		body["uploadsInFlight"] = h.opts.Admission.InFlight()
		body["maxParallel"] = h.opts.Admission.MaxParallel()
	}
	writeJSON(w, http.StatusOK, body)
}

// handleListFiles lists the manifest.
func (h *Handler) handleListFiles(w http.ResponseWriter, _ *http.Request) {
	files := lo.Map(h.opts.Scheduler.Manifest().Files(), func(ref manifest.EncryptedFileReference, _ int) FileInfo {
		return fileInfo(ref)
	})
	writeJSON(w, http.StatusOK, files)
}

// handleUploadFiles accepts a multipart form with one or more "file" parts.
// An optional "relativePath" value per file, in the same order, places the
// file in the manifest; it defaults to the part's file name. When every file
// lands the response is 201 with the files; when some of several fail it is
// 207 with one UploadResult per file.
func (h *Handler) handleUploadFiles(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if h.opts.Uploader == nil {
		h.writeError(w, r, session.ErrReadOnly)
		return
	}
	if h.opts.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		if TranslateError(err).HTTPStatus == http.StatusRequestEntityTooLarge {
			h.writeError(w, r, err)
			return
		}
		h.writePredefined(w, r, ErrInvalidRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["file"]
	if len(headers) == 0 {
		h.writePredefined(w, r, ErrMissingFile)
		return
	}
	paths := r.MultipartForm.Value["relativePath"]

	logger := h.logger.WithField("request_id", middleware.RequestID(r.Context()))
	results := make([]UploadResult, len(headers))
	// Files upload independently: a failure is recorded against its own
	// result and never cancels a sibling.
	var g errgroup.Group
	for i, fh := range headers {
		relativePath := fh.Filename
		if i < len(paths) && paths[i] != "" {
			relativePath = paths[i]
		}
		results[i].RelativePath = relativePath
		g.Go(func() error {
			observer := progress.NewLogObserver(logger.WithField("file", relativePath))
			ref, err := h.uploadPart(r.Context(), fh, relativePath, observer)
			if err != nil {
				results[i].err = err
				results[i].Error = TranslateError(err).with(relativePath, middleware.RequestID(r.Context()))
				return nil
			}
			info := fileInfo(ref)
			results[i].File = &info
			return nil
		})
	}
	_ = g.Wait()

	failed := lo.Filter(results, func(res UploadResult, _ int) bool { return res.err != nil })
	var auditErr error
	if len(failed) > 0 {
		auditErr = errors.Join(lo.Map(failed, func(res UploadResult, _ int) error { return res.err })...)
	}
	h.opts.Audit.LogAccess("upload", getClientIP(r), r.UserAgent(), middleware.RequestID(r.Context()), auditErr == nil, auditErr, time.Since(start))

	switch {
	case len(failed) == 0:
		writeJSON(w, http.StatusCreated, lo.Map(results, func(res UploadResult, _ int) FileInfo { return *res.File }))
	case len(results) == 1:
		h.writeError(w, r, failed[0].err)
	default:
		writeJSON(w, http.StatusMultiStatus, results)
	}
}

func (h *Handler) uploadPart(ctx context.Context, fh *multipart.FileHeader, relativePath string, observer progress.Observer) (manifest.EncryptedFileReference, error) {
	f, err := fh.Open()
	if err != nil {
		return manifest.EncryptedFileReference{}, err
	}
	defer f.Close()

	mimeType := fh.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		detected, err := mimetype.DetectReader(f)
		if err != nil {
			return manifest.EncryptedFileReference{}, err
		}
		mimeType = detected.String()
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return manifest.EncryptedFileReference{}, err
		}
	}

	return h.opts.Uploader.Upload(ctx, transfer.UploadRequest{
		Reader:       f,
		Size:         fh.Size,
		FileName:     fh.Filename,
		MIMEType:     mimeType,
		RelativePath: relativePath,
	}, observer)
}

// handleGetFile downloads and decrypts a file. Nothing is written until the
// whole file has been authenticated.
func (h *Handler) handleGetFile(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["uuid"]
	ref, ok := h.opts.Scheduler.Manifest().Find(id)
	if !ok {
		h.writeError(w, r, manifest.ErrFileNotFound)
		return
	}

	logger := h.logger.WithFields(logrus.Fields{
		"uuid":       id,
		"request_id": middleware.RequestID(r.Context()),
	})
	file, err := h.opts.Downloader.Download(r.Context(), ref, progress.NewLogObserver(logger))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if file.MIMEType != "" {
		w.Header().Set("Content-Type", file.MIMEType)
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": file.Name}))
	http.ServeContent(w, r, file.Name, time.Time{}, bytes.NewReader(file.Data))
}

// handleDeleteFile removes a file from the manifest. Its content is reclaimed
// by the scheduler after the next successful sync.
func (h *Handler) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["uuid"]
	if _, err := h.opts.Scheduler.Remove(id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleManifestStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.manifestStatus())
}

// handleManifestFlush forces a manifest sync and waits for it.
func (h *Handler) handleManifestFlush(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	err := h.opts.Scheduler.Flush(r.Context())
	h.opts.Audit.LogAccess("manifest_flush", getClientIP(r), r.UserAgent(), middleware.RequestID(r.Context()), err == nil, err, time.Since(start))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.manifestStatus())
}

// handleDismissError clears one failed upload from the pending counters.
func (h *Handler) handleDismissError(w http.ResponseWriter, _ *http.Request) {
	h.opts.Scheduler.Dismiss()
	writeJSON(w, http.StatusOK, h.manifestStatus())
}

type portalsResponse struct {
	Current string   `json:"current"`
	Known   []string `json:"known"`
}

func (h *Handler) handleListPortals(w http.ResponseWriter, r *http.Request) {
	if h.opts.Portals == nil {
		h.writePredefined(w, r, ErrNoPortals)
		return
	}
	writeJSON(w, http.StatusOK, portalsResponse{Current: h.opts.Portals.Current(), Known: h.opts.Portals.Known()})
}

// handleUsePortal switches uploads and downloads to a portal, adding it to
// the known list when needed.
func (h *Handler) handleUsePortal(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if h.opts.Portals == nil {
		h.writePredefined(w, r, ErrNoPortals)
		return
	}
	var body struct {
		Portal string `json:"portal"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&body); err != nil || body.Portal == "" {
		h.writePredefined(w, r, ErrInvalidRequest)
		return
	}
	err := h.opts.Portals.Use(body.Portal)
	h.opts.Audit.LogAccess("use_portal", getClientIP(r), r.UserAgent(), middleware.RequestID(r.Context()), err == nil, err, time.Since(start))
	if err != nil {
		e := ErrInvalidRequest
		e.Message = err.Error()
		h.writePredefined(w, r, e)
		return
	}
	writeJSON(w, http.StatusOK, portalsResponse{Current: h.opts.Portals.Current(), Known: h.opts.Portals.Known()})
}
