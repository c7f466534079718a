package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/skytransfer/internal/progress"
)

const (
	portalUploadPath = "/skynet/skyfile"
	portalAPIKeyHdr  = "Skynet-Api-Key"
)

// Portals tracks the known portals and the one currently in use.
type Portals struct {
	mu      sync.RWMutex
	known   []string
	current string
}

// NewPortals creates a portal list. current becomes the default portal and
// is added to the list when missing.
func NewPortals(current string, known []string) (*Portals, error) {
	current, err := normalizePortal(current)
	if err != nil {
		return nil, err
	}
	p := &Portals{current: current}
	for _, k := range known {
		n, err := normalizePortal(k)
		if err != nil {
			return nil, err
		}
		p.known = append(p.known, n)
	}
	if !p.isKnown(current) {
		p.known = append([]string{current}, p.known...)
	}
	return p, nil
}

func normalizePortal(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("invalid portal url %q", raw)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

func (p *Portals) isKnown(portal string) bool {
	for _, k := range p.known {
		if k == portal {
			return true
		}
	}
	return false
}

// Current returns the portal in use.
func (p *Portals) Current() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Known returns all known portals.
func (p *Portals) Known() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.known...)
}

// Use switches to another portal, which is remembered as known.
func (p *Portals) Use(portal string) error {
	n, err := normalizePortal(portal)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isKnown(n) {
		p.known = append(p.known, n)
	}
	p.current = n
	return nil
}

// PortalStore uploads to a Skynet-style portal. The returned content
// address is the skylink.
type PortalStore struct {
	portals *Portals
	client  *http.Client
	apiKey  string
	logger  *logrus.Logger
}

// NewPortalStore creates a portal content store.
func NewPortalStore(portals *Portals, client *http.Client, apiKey string, logger *logrus.Logger) *PortalStore {
	if client == nil {
		client = http.DefaultClient
	}
	return &PortalStore{portals: portals, client: client, apiKey: apiKey, logger: logger}
}

type skyfileResponse struct {
	Skylink string `json:"skylink"`
}

func (s *PortalStore) Upload(ctx context.Context, r io.Reader, size int64, observer progress.Observer) (string, error) {
	body := newCountingReader(io.LimitReader(r, size), size, observer)
	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)

	go func() {
		part, err := form.CreateFormFile("file", "encrypted")
		if err == nil {
			var n int64
			n, err = io.Copy(part, body)
			if err == nil && n != size {
				err = fmt.Errorf("upload body ended after %d of %d bytes", n, size)
			}
		}
		if err == nil {
			err = form.Close()
		}
		pw.CloseWithError(err)
	}()

	endpoint := s.portals.Current() + portalUploadPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		pr.CloseWithError(err)
		return "", fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	if s.apiKey != "" {
		req.Header.Set(portalAPIKeyHdr, s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		pr.CloseWithError(err)
		return "", fmt.Errorf("failed to upload to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("portal upload failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out skyfileResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode portal response: %w", err)
	}
	if out.Skylink == "" {
		return "", fmt.Errorf("portal response has no skylink")
	}

	s.logger.WithFields(logrus.Fields{
		"portal":  s.portals.Current(),
		"skylink": out.Skylink,
		"size":    size,
	}).Debug("Uploaded to portal")
	return out.Skylink, nil
}

func (s *PortalStore) ResolveURL(_ context.Context, address string) (string, error) {
	if address == "" {
		return "", fmt.Errorf("empty skylink")
	}
	return s.portals.Current() + "/" + strings.TrimPrefix(address, "sia://"), nil
}
