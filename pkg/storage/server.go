// Package storage implements the HTTP fallback store: a small file
// server peers upload bundles to when the direct path fails, and the
// client used to talk to it.
package storage

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// maxUploadBytes bounds a single upload. Bundles carry compressed
// chunks, so this comfortably covers multi-gigabyte source files.
const maxUploadBytes = 8 << 30

// Server stores uploaded blobs on disk under opaque names and serves
// them back until they expire.
type Server struct {
	dir    string
	expiry time.Duration
	log    *slog.Logger
}

// NewServer prepares the storage directory.
func NewServer(dir string, expiry time.Duration, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Server{dir: dir, expiry: expiry, log: log}, nil
}

// Router wires the store's HTTP surface.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/upload", s.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/files/{name}", s.handleDownload).Methods(http.MethodGet)
	r.HandleFunc("/cleanup", s.handleCleanup).Methods(http.MethodPost)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return r
}

type uploadResponse struct {
	FileName     string    `json:"filename"`
	OriginalName string    `json:"original_name"`
	Size         int64     `json:"size"`
	DownloadURL  string    `json:"download_url"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type cleanupResponse struct {
	RemovedFiles int `json:"removed_files"`
}

// StatsResponse summarizes the store's current contents.
type StatsResponse struct {
	FileCount  int   `json:"file_count"`
	TotalBytes int64 `json:"total_bytes"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("missing file field: %v", err))
		return
	}
	defer file.Close()

	// Stored names are opaque so uploads can never collide or traverse.
	stored := uuid.NewString() + filepath.Ext(filepath.Base(header.Filename))
	path := filepath.Join(s.dir, stored)

	out, err := os.Create(path)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "cannot store file")
		return
	}
	size, err := io.Copy(out, file)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		httpError(w, http.StatusInternalServerError, "cannot store file")
		return
	}

	s.log.Info("stored upload", "name", stored, "original", header.Filename, "size", size)
	writeJSON(w, http.StatusOK, uploadResponse{
		FileName:     stored,
		OriginalName: header.Filename,
		Size:         size,
		DownloadURL:  "/files/" + stored,
		ExpiresAt:    time.Now().Add(s.expiry).UTC(),
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := filepath.Base(mux.Vars(r)["name"])
	path := filepath.Join(s.dir, name)

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		httpError(w, http.StatusNotFound, "file not found")
		return
	}
	if time.Since(info.ModTime()) > s.expiry {
		os.Remove(path)
		httpError(w, http.StatusNotFound, "file expired")
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	maxAge := s.expiry
	if raw := r.URL.Query().Get("max_age_seconds"); raw != "" {
		secs, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || secs < 0 {
			httpError(w, http.StatusBadRequest, "max_age_seconds must be a non-negative integer")
			return
		}
		maxAge = time.Duration(secs) * time.Second
	}

	removed, err := s.removeOlderThan(maxAge)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}
	s.log.Info("cleanup finished", "removed", removed, "max_age", maxAge)
	writeJSON(w, http.StatusOK, cleanupResponse{RemovedFiles: removed})
}

func (s *Server) removeOlderThan(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "cannot read storage dir")
		return
	}
	var stats StatsResponse
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		stats.FileCount++
		stats.TotalBytes += info.Size()
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
