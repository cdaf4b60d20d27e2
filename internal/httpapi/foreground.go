package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/lukasbauer/dictate/internal/dictation"
	"github.com/lukasbauer/dictate/internal/enrich"
)

const (
	maxForegroundBytes = 1 << 20
	maxScreenshotBytes = 16 << 20
)

var (
	errNoScreenshot    = errors.New("no screenshot available")
	errStaleScreenshot = errors.New("screenshot is stale")
)

// ForegroundCache holds the latest focus snapshot and screenshot posted by
// the desktop helper. It serves as both dictation.ForegroundInspector and
// enrich.ScreenCapturer.
type ForegroundCache struct {
	maxAge time.Duration
	now    func() time.Time

	mu     sync.RWMutex
	snap   dictation.Snapshot
	shot   enrich.Image
	shotAt time.Time
}

// NewForegroundCache creates a cache whose screenshots expire after maxAge.
func NewForegroundCache(maxAge time.Duration) *ForegroundCache {
	if maxAge <= 0 {
		maxAge = 5 * time.Second
	}
	return &ForegroundCache{maxAge: maxAge, now: time.Now}
}

func (f *ForegroundCache) Snapshot() dictation.Snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s := f.snap
	if s.CapturedAt.IsZero() {
		s.CapturedAt = f.now()
	}
	return s
}

func (f *ForegroundCache) Update(s dictation.Snapshot) {
	if s.CapturedAt.IsZero() {
		s.CapturedAt = f.now()
	}
	f.mu.Lock()
	f.snap = s
	f.mu.Unlock()
}

func (f *ForegroundCache) UpdateScreenshot(img enrich.Image) {
	f.mu.Lock()
	f.shot = img
	f.shotAt = f.now()
	f.mu.Unlock()
}

// Capture returns the latest screenshot if it is recent enough.
func (f *ForegroundCache) Capture(_ context.Context) (enrich.Image, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.shot.Data) == 0 {
		return enrich.Image{}, errNoScreenshot
	}
	if f.now().Sub(f.shotAt) > f.maxAge {
		return enrich.Image{}, errStaleScreenshot
	}
	return f.shot, nil
}

func (r *Router) handleForeground(w http.ResponseWriter, req *http.Request) {
	if r.deps.Foreground == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "foreground not configured"})
		return
	}
	req.Body = http.MaxBytesReader(w, req.Body, maxForegroundBytes)

	var snap dictation.Snapshot
	if err := json.NewDecoder(req.Body).Decode(&snap); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	r.deps.Foreground.Update(snap)
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleScreenshot(w http.ResponseWriter, req *http.Request) {
	if r.deps.Foreground == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "foreground not configured"})
		return
	}
	req.Body = http.MaxBytesReader(w, req.Body, maxScreenshotBytes)

	data, err := io.ReadAll(req.Body)
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "screenshot too large"})
		return
	}
	if len(data) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empty screenshot"})
		return
	}

	mimeType := req.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = "image/png"
	}
	width, _ := strconv.Atoi(req.URL.Query().Get("width"))
	height, _ := strconv.Atoi(req.URL.Query().Get("height"))

	r.deps.Foreground.UpdateScreenshot(enrich.Image{
		Data:     data,
		MIMEType: mimeType,
		Width:    width,
		Height:   height,
	})
	w.WriteHeader(http.StatusNoContent)
}
