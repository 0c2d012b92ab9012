// Package server exposes an index and its archive over a read-only HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dhcgn/mbox-indexer/attachment"
	"github.com/dhcgn/mbox-indexer/mbox"
	"github.com/dhcgn/mbox-indexer/model"
	"github.com/dhcgn/mbox-indexer/render"
	"github.com/dhcgn/mbox-indexer/store"
)

const (
	defaultLimit = 50
	maxLimit     = 500

	bodyCSP = "default-src 'none'; script-src 'none'; style-src 'unsafe-inline'; img-src data:"
)

// Options configures a Server.
type Options struct {
	// Sanitize is passed to the renderer for /body responses.
	Sanitize bool
}

// Server serves entries from a store and loads message bytes from the
// archive they were indexed from.
type Server struct {
	store   store.Store
	archive *mbox.Archive
	opts    Options
	logger  *slog.Logger
}

// New creates a Server. logger may be nil.
func New(st store.Store, archive *mbox.Archive, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: st, archive: archive, opts: opts, logger: logger}
}

// Routes builds the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api/messages", func(r chi.Router) {
		r.Get("/", s.listMessages)
		r.Route("/{offset}", func(r chi.Router) {
			r.Get("/", s.getMessage)
			r.Get("/body", s.getBody)
			r.Get("/raw", s.getRaw)
			r.Get("/attachments", s.listAttachments)
			r.Get("/attachments/{n}", s.downloadAttachment)
		})
	})

	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(started),
			"requestID", middleware.GetReqID(r.Context()),
		)
	})
}

type listResponse struct {
	Total    int                       `json:"total"`
	Query    string                    `json:"query,omitempty"`
	Messages []model.MessageIndexEntry `json:"messages"`
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultLimit)
	if err != nil {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}
	if limit <= 0 || limit > maxLimit {
		limit = maxLimit
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		http.Error(w, "invalid offset", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	query := strings.TrimSpace(r.URL.Query().Get("q"))

	var entries []model.MessageIndexEntry
	if query != "" {
		entries, err = s.store.Search(ctx, query, limit, offset)
	} else {
		entries, err = s.store.List(ctx, limit, offset)
	}
	if err != nil {
		s.serverError(w, r, "list messages", err)
		return
	}
	total, err := s.store.Count(ctx)
	if err != nil {
		s.serverError(w, r, "count messages", err)
		return
	}
	if entries == nil {
		entries = []model.MessageIndexEntry{}
	}

	writeJSON(w, listResponse{Total: total, Query: query, Messages: entries})
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.entry(w, r)
	if !ok {
		return
	}
	writeJSON(w, entry)
}

func (s *Server) getBody(w http.ResponseWriter, r *http.Request) {
	raw, ok := s.raw(w, r)
	if !ok {
		return
	}
	body := render.Render(raw, render.Options{Sanitize: s.opts.Sanitize})

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Security-Policy", bodyCSP)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Render-Source", string(body.Source))
	_, _ = w.Write([]byte(body.HTML))
}

func (s *Server) getRaw(w http.ResponseWriter, r *http.Request) {
	raw, ok := s.raw(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "message/rfc822")
	w.Header().Set("Content-Length", strconv.Itoa(len(raw)))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(raw)
}

type attachmentInfo struct {
	Index    int    `json:"index"`
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

func (s *Server) listAttachments(w http.ResponseWriter, r *http.Request) {
	raw, ok := s.raw(w, r)
	if !ok {
		return
	}
	atts := attachment.Extract(raw)
	out := make([]attachmentInfo, 0, len(atts))
	for i, a := range atts {
		out = append(out, attachmentInfo{Index: i, Filename: a.Filename, MimeType: a.MimeType, Size: a.Size})
	}
	writeJSON(w, out)
}

func (s *Server) downloadAttachment(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil || n < 0 {
		http.Error(w, "invalid attachment index", http.StatusBadRequest)
		return
	}
	raw, ok := s.raw(w, r)
	if !ok {
		return
	}
	atts := attachment.Extract(raw)
	if n >= len(atts) {
		http.Error(w, "attachment not found", http.StatusNotFound)
		return
	}
	att := atts[n]

	w.Header().Set("Content-Disposition",
		mime.FormatMediaType("attachment", map[string]string{
			"filename": attachment.SafeFilename(att.Filename),
		}))
	w.Header().Set("Content-Type", att.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(att.Size, 10))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(att.Data)
}

// entry resolves the {offset} URL parameter. It writes the error response
// and reports false when the entry cannot be served.
func (s *Server) entry(w http.ResponseWriter, r *http.Request) (model.MessageIndexEntry, bool) {
	offset, err := strconv.ParseInt(chi.URLParam(r, "offset"), 10, 64)
	if err != nil || offset < 0 {
		http.Error(w, "invalid message offset", http.StatusBadRequest)
		return model.MessageIndexEntry{}, false
	}
	entry, err := s.store.Get(r.Context(), offset)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "message not found", http.StatusNotFound)
		return model.MessageIndexEntry{}, false
	}
	if err != nil {
		s.serverError(w, r, "load entry", err)
		return model.MessageIndexEntry{}, false
	}
	return entry, true
}

func (s *Server) raw(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	entry, ok := s.entry(w, r)
	if !ok {
		return nil, false
	}
	raw, err := mbox.LoadEntry(s.archive, entry)
	if errors.Is(err, mbox.ErrOutOfRange) {
		// The index no longer matches the archive on disk.
		http.Error(w, "message outside archive", http.StatusGone)
		return nil, false
	}
	if err != nil {
		s.serverError(w, r, "load message", err)
		return nil, false
	}
	return raw, true
}

func (s *Server) serverError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	s.logger.Error(msg, "path", r.URL.Path, "err", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
