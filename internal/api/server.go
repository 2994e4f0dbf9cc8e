package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/docflow/internal/config"
	"github.com/dharsanguruparan/docflow/internal/model"
	"github.com/dharsanguruparan/docflow/internal/queue"
	"github.com/dharsanguruparan/docflow/internal/signing"
	"github.com/dharsanguruparan/docflow/internal/worker"
)

// Store is the record store used by the API.
type Store interface {
	Create(ctx context.Context, doc *model.Document) error
	Get(ctx context.Context, id string) (*model.Document, error)
}

// Blobs stores uploaded bytes under an object key.
type Blobs interface {
	UploadRaw(ctx context.Context, objectKey string, reader io.Reader, size int64, contentType string) error
}

// Presigner hands out temporary download links for stored uploads.
type Presigner interface {
	PresignRaw(ctx context.Context, objectKey string, ttl time.Duration) (string, error)
}

// BlobReader reads stored uploads back.
type BlobReader interface {
	DownloadRaw(ctx context.Context, objectKey string) ([]byte, error)
}

// Server exposes HTTP endpoints for uploads and document visibility.
type Server struct {
	cfg       *config.Config
	store     Store
	blobs     Blobs
	publisher queue.Publisher
	presigner Presigner
	local     BlobReader
	signer    *signing.Signer
	logger    *slog.Logger
	server    *http.Server
	once      sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, store Store, blobs Blobs, publisher queue.Publisher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		store:     store,
		blobs:     blobs,
		publisher: publisher,
		logger:    logger.With("system", "api"),
	}
}

// WithPresigner enables the sourceUrl field on document responses.
func (s *Server) WithPresigner(p Presigner) *Server {
	s.presigner = p
	return s
}

// WithLocalBlobs serves uploads from reader on /blobs behind signed links and
// uses those links as sourceUrl.
func (s *Server) WithLocalBlobs(reader BlobReader, signer *signing.Signer) *Server {
	s.local = reader
	s.signer = signer
	s.presigner = signing.NewPresigner(signer, "/blobs")
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/documents", s.handleDocuments)
	mux.HandleFunc("/documents/", s.handleDocumentRoute)
	if s.local != nil {
		mux.HandleFunc("/blobs", s.handleBlob)
	}
	return corsMiddleware(s.loggingMiddleware(mux))
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:              s.cfg.Address,
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.logger.Info("api listening", "addr", s.cfg.Address)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleUpload(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleDocumentRoute(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/documents/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" || len(parts) > 2 {
		http.NotFound(w, r)
		return
	}
	id := parts[0]
	if len(parts) == 1 {
		s.handleDocument(w, r, id)
		return
	}
	switch parts[1] {
	case "reprocess":
		s.handleReprocess(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

type documentResponse struct {
	*model.Document
	SourceURL string `json:"sourceUrl,omitempty"`
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	doc, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.storeError(w, "get document", id, err)
		return
	}
	resp := documentResponse{Document: doc}
	if s.presigner != nil && doc.SourceRef != "" {
		url, err := s.presigner.PresignRaw(r.Context(), doc.SourceRef, s.cfg.SignedURLTTL)
		if err != nil {
			s.logger.Warn("presign failed", "document_id", id, "error", err)
		} else {
			resp.SourceURL = url
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	doc, err := worker.Reprocess(r.Context(), s.store, s.publisher, id)
	switch {
	case errors.Is(err, worker.ErrNotRetryable):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		s.storeError(w, "reprocess", id, err)
		return
	}
	s.logger.Info("reprocess requested", "document_id", id, "previous_status", doc.Status)
	s.respondJSON(w, http.StatusAccepted, map[string]string{
		"id":     id,
		"status": string(doc.Status),
	})
}

func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	key := q.Get("key")
	expires := q.Get("expires")
	signature := q.Get("signature")
	if key == "" || expires == "" || signature == "" {
		http.Error(w, "missing parameters", http.StatusBadRequest)
		return
	}
	if !s.signer.Validate(key, expires, signature) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}
	data, err := s.local.DownloadRaw(r.Context(), key)
	if err != nil {
		s.logger.Warn("blob read failed", "key", key, "error", err)
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(key)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+1024)
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "expecting multipart form", http.StatusBadRequest)
		return
	}
	part, err := nextFilePart(mr)
	if err != nil {
		http.Error(w, "missing file part", http.StatusBadRequest)
		return
	}
	defer part.Close()
	tmp, err := s.persistTemp(part)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer os.Remove(tmp.path)
	defer tmp.f.Close()
	if !s.allowed(tmp.contentType) {
		http.Error(w, fmt.Sprintf("content type %s not accepted", tmp.contentType), http.StatusUnsupportedMediaType)
		return
	}

	docID := uuid.NewString()
	objectKey := fmt.Sprintf("uploads/%s/%s", docID, filepath.Base(tmp.filename))
	if err := s.uploadToStorage(ctx, objectKey, tmp); err != nil {
		s.logger.Error("upload to storage failed", "document_id", docID, "error", err)
		http.Error(w, "failed to store file", http.StatusInternalServerError)
		return
	}
	doc := &model.Document{
		ID:          docID,
		Status:      model.StatusUploaded,
		SourceRef:   objectKey,
		FileName:    tmp.filename,
		ContentType: tmp.contentType,
		SizeBytes:   tmp.size,
	}
	if err := s.store.Create(ctx, doc); err != nil {
		s.logger.Error("store metadata failed", "document_id", docID, "error", err)
		http.Error(w, "failed to store metadata", http.StatusInternalServerError)
		return
	}
	if err := queue.PublishProcessing(ctx, s.publisher, docID); err != nil {
		// The record stays UPLOADED; POST /documents/{id}/reprocess recovers it.
		s.logger.Error("publish processing failed", "document_id", docID, "error", err)
		http.Error(w, "failed to queue document", http.StatusInternalServerError)
		return
	}
	s.logger.Info("document uploaded", "document_id", docID, "file", tmp.filename, "bytes", tmp.size)
	s.respondJSON(w, http.StatusAccepted, map[string]string{
		"id":     docID,
		"status": string(model.StatusUploaded),
	})
}

func (s *Server) allowed(contentType string) bool {
	base := strings.TrimSpace(strings.Split(contentType, ";")[0])
	for _, t := range s.cfg.AllowedTypes {
		if strings.EqualFold(t, base) || t == "*" {
			return true
		}
	}
	return false
}

func (s *Server) storeError(w http.ResponseWriter, op, id string, err error) {
	if errors.Is(err, model.ErrNotFound) {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}
	s.logger.Error(op+" failed", "document_id", id, "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

type tempUpload struct {
	f           *os.File
	path        string
	size        int64
	contentType string
	filename    string
}

func (s *Server) persistTemp(part *multipart.Part) (*tempUpload, error) {
	tmpFile, err := os.CreateTemp("", "docflow-upload-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	fail := func(err error) (*tempUpload, error) {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		return nil, err
	}
	var sniff []byte
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, readErr := part.Read(buf)
		if n > 0 {
			written += int64(n)
			if written > s.cfg.MaxFileSize {
				return fail(fmt.Errorf("file exceeds limit (%d bytes)", s.cfg.MaxFileSize))
			}
			if len(sniff) < 512 {
				chunk := n
				if remain := 512 - len(sniff); chunk > remain {
					chunk = remain
				}
				sniff = append(sniff, buf[:chunk]...)
			}
			if _, err := tmpFile.Write(buf[:n]); err != nil {
				return fail(fmt.Errorf("write temp file: %w", err))
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return fail(fmt.Errorf("read file: %w", readErr))
		}
	}
	if written == 0 {
		return fail(errors.New("empty file"))
	}
	if _, err := tmpFile.Seek(0, io.SeekStart); err != nil {
		return fail(fmt.Errorf("rewind temp file: %w", err))
	}
	filename := part.FileName()
	if filename == "" {
		filename = "upload"
	}
	return &tempUpload{
		f:           tmpFile,
		path:        tmpFile.Name(),
		size:        written,
		contentType: http.DetectContentType(sniff),
		filename:    filename,
	}, nil
}

func (s *Server) uploadToStorage(ctx context.Context, objectKey string, tmp *tempUpload) error {
	if _, err := tmp.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return s.blobs.UploadRaw(ctx, objectKey, tmp.f, tmp.size, tmp.contentType)
}

func nextFilePart(mr *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if err != nil {
			return nil, err
		}
		if part.FormName() == "file" {
			return part, nil
		}
		part.Close()
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("encode response", "error", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
	})
}
