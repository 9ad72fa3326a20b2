package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/Laisky/zap"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"gridoc/internal/domain"
	"gridoc/internal/query"
)

// Revisions is the part of the revision service the HTTP layer needs.
type Revisions interface {
	ResolveNewest(ctx context.Context, fileID uuid.UUID) (domain.Revision, error)
	ResolveExact(ctx context.Context, fileID uuid.UUID, version int) (domain.Revision, error)
	ListVersions(ctx context.Context, fileID uuid.UUID, q query.Query) ([]domain.Revision, error)
	List(ctx context.Context, q query.Query) ([]domain.Revision, error)
	CreateNew(ctx context.Context, upload domain.Upload, r io.Reader) (domain.Revision, error)
	CreateVersion(ctx context.Context, fileID uuid.UUID, upload domain.Upload, r io.Reader) (domain.Revision, error)
	Open(ctx context.Context, rev domain.Revision) (io.ReadCloser, error)
	DeleteVersion(ctx context.Context, fileID uuid.UUID, version int) (domain.Revision, error)
	DeleteFile(ctx context.Context, fileID uuid.UUID) (int, error)
	Ping(ctx context.Context) error
}

// ListResponse is the body of GET /files.
type ListResponse struct {
	Meta   query.Meta        `json:"meta"`
	Result []domain.Revision `json:"result"`
}

// VersionsResponse is the body of GET /files/{fileId}/versions.
type VersionsResponse struct {
	Current domain.Revision   `json:"current"`
	Meta    query.Meta        `json:"meta"`
	All     []domain.Revision `json:"all"`
}

// DeleteResponse reports how many revisions a delete removed.
type DeleteResponse struct {
	Deleted int `json:"deleted"`
}

type FileHandler struct {
	revisions      Revisions
	logger         *zap.Logger
	queryOptions   query.Options
	maxUploadBytes int64
}

func NewFileHandler(revisions Revisions, logger *zap.Logger, queryOptions query.Options, maxUploadBytes int64) *FileHandler {
	return &FileHandler{
		revisions:      revisions,
		logger:         logger,
		queryOptions:   queryOptions,
		maxUploadBytes: maxUploadBytes,
	}
}

// Routes mounts the file endpoints on r.
func (h *FileHandler) Routes(r chi.Router) {
	r.Route("/files", func(r chi.Router) {
		r.Get("/", h.ListFiles)
		r.Post("/", h.CreateFile)

		r.Route("/{fileId}", func(r chi.Router) {
			r.Get("/", h.DownloadNewest)
			r.Put("/", h.CreateVersion)
			r.Delete("/", h.DeleteFile)
			r.Get("/info", h.NewestInfo)
			r.Get("/versions", h.ListVersions)
			r.Get("/versions/{version}", h.DownloadVersion)
			r.Get("/versions/{version}/info", h.VersionInfo)
			r.Delete("/versions/{version}", h.DeleteVersion)
		})
	})
}

func fileIDParam(r *http.Request) (uuid.UUID, error) {
	return domain.ParseFileID(chi.URLParam(r, "fileId"))
}

func versionParam(r *http.Request) (int, error) {
	raw := chi.URLParam(r, "version")
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return 0, domain.Validationf("version must be a positive integer, got %q", raw)
	}
	return v, nil
}

// ListFiles returns revision metadata filtered, sorted and paginated by the query string.
func (h *FileHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	q, err := query.Parse(r.URL.Query(), h.queryOptions)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	revs, err := h.revisions.List(r.Context(), q)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, ListResponse{Meta: q.Meta(len(revs)), Result: revs})
}

// CreateFile uploads a new logical file as version 1.
func (h *FileHandler) CreateFile(w http.ResponseWriter, r *http.Request) {
	upload, body, err := readUpload(w, r, h.maxUploadBytes)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	rev, err := h.revisions.CreateNew(r.Context(), upload, body)
	if err != nil {
		writeError(w, r, h.logger, err, zap.String("filename", upload.Filename))
		return
	}

	w.Header().Set("Location", fmt.Sprintf("%s/%s", strings.TrimSuffix(r.URL.Path, "/"), rev.FileID))
	writeJSON(w, http.StatusCreated, rev)
}

// CreateVersion uploads the next version of an existing file.
func (h *FileHandler) CreateVersion(w http.ResponseWriter, r *http.Request) {
	fileID, err := fileIDParam(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	upload, body, err := readUpload(w, r, h.maxUploadBytes)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	rev, err := h.revisions.CreateVersion(r.Context(), fileID, upload, body)
	if err != nil {
		writeError(w, r, h.logger, err, zap.String("file_id", fileID.String()))
		return
	}

	writeJSON(w, http.StatusOK, rev)
}

func (h *FileHandler) DownloadNewest(w http.ResponseWriter, r *http.Request) {
	fileID, err := fileIDParam(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	rev, err := h.revisions.ResolveNewest(r.Context(), fileID)
	if err != nil {
		writeError(w, r, h.logger, err, zap.String("file_id", fileID.String()))
		return
	}
	h.stream(w, r, rev)
}

func (h *FileHandler) DownloadVersion(w http.ResponseWriter, r *http.Request) {
	rev, ok := h.resolveExact(w, r)
	if !ok {
		return
	}
	h.stream(w, r, rev)
}

func (h *FileHandler) NewestInfo(w http.ResponseWriter, r *http.Request) {
	fileID, err := fileIDParam(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	rev, err := h.revisions.ResolveNewest(r.Context(), fileID)
	if err != nil {
		writeError(w, r, h.logger, err, zap.String("file_id", fileID.String()))
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

func (h *FileHandler) VersionInfo(w http.ResponseWriter, r *http.Request) {
	rev, ok := h.resolveExact(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

// ListVersions returns the newest revision and the filtered version history.
func (h *FileHandler) ListVersions(w http.ResponseWriter, r *http.Request) {
	fileID, err := fileIDParam(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	// the whole history unless the client asks for a page
	opts := h.queryOptions
	opts.DefaultLimit = 0
	opts.DefaultSort = query.VersionOrder
	q, err := query.Parse(r.URL.Query(), opts)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	current, err := h.revisions.ResolveNewest(r.Context(), fileID)
	if err != nil {
		writeError(w, r, h.logger, err, zap.String("file_id", fileID.String()))
		return
	}

	all, err := h.revisions.ListVersions(r.Context(), fileID, q)
	if err != nil {
		writeError(w, r, h.logger, err, zap.String("file_id", fileID.String()))
		return
	}

	writeJSON(w, http.StatusOK, VersionsResponse{Current: current, Meta: q.Meta(len(all)), All: all})
}

// DeleteFile removes every version of a file.
func (h *FileHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	fileID, err := fileIDParam(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	n, err := h.revisions.DeleteFile(r.Context(), fileID)
	if err != nil {
		writeError(w, r, h.logger, err, zap.String("file_id", fileID.String()), zap.Int("deleted", n))
		return
	}
	writeJSON(w, http.StatusOK, DeleteResponse{Deleted: n})
}

// DeleteVersion removes a single version.
func (h *FileHandler) DeleteVersion(w http.ResponseWriter, r *http.Request) {
	fileID, err := fileIDParam(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	version, err := versionParam(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	if _, err := h.revisions.DeleteVersion(r.Context(), fileID, version); err != nil {
		writeError(w, r, h.logger, err, zap.String("file_id", fileID.String()), zap.Int("version", version))
		return
	}
	writeJSON(w, http.StatusOK, DeleteResponse{Deleted: 1})
}

func (h *FileHandler) resolveExact(w http.ResponseWriter, r *http.Request) (domain.Revision, bool) {
	fileID, err := fileIDParam(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return domain.Revision{}, false
	}
	version, err := versionParam(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return domain.Revision{}, false
	}

	rev, err := h.revisions.ResolveExact(r.Context(), fileID, version)
	if err != nil {
		writeError(w, r, h.logger, err, zap.String("file_id", fileID.String()), zap.Int("version", version))
		return domain.Revision{}, false
	}
	return rev, true
}

// stream copies the bytes of rev to the client. Once the first byte is
// written the status can no longer change, so later failures are only logged.
func (h *FileHandler) stream(w http.ResponseWriter, r *http.Request, rev domain.Revision) {
	etag := `"` + rev.Checksum + `"`
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	rc, err := h.revisions.Open(r.Context(), rev)
	if err != nil {
		writeError(w, r, h.logger, err,
			zap.String("file_id", rev.FileID.String()),
			zap.Int("version", rev.Version),
			zap.String("blob_id", rev.ID.String()),
		)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", rev.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(rev.Length, 10))
	w.Header().Set("Content-Disposition", contentDisposition(rev.Filename))
	w.Header().Set("ETag", etag)
	w.Header().Set("Last-Modified", rev.UploadedAt.UTC().Format(http.TimeFormat))
	w.Header().Set("X-File-Version", strconv.Itoa(rev.Version))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Error("stream content",
			zap.String("file_id", rev.FileID.String()),
			zap.Int("version", rev.Version),
			zap.String("blob_id", rev.ID.String()),
			zap.Error(err),
		)
	}
}

func contentDisposition(filename string) string {
	if filename == "" {
		return "attachment"
	}
	asciiName := strings.ReplaceAll(filename, `"`, `\"`)
	return fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`, asciiName, url.PathEscape(filename))
}
