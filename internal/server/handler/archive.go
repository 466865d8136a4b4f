package handler

import (
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/alanyoungcy/signaltrader/internal/domain"
)

// ArchiveHandler lists and downloads archive files from blob storage.
type ArchiveHandler struct {
	blobs  domain.BlobReader
	logger *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler.
func NewArchiveHandler(blobs domain.BlobReader, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{blobs: blobs, logger: logHandler(logger, "archive")}
}

// ListArchives lists archive files, optionally for one kind.
// GET /api/archive?kind=positions
func (h *ArchiveHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	prefix := domain.ArchivePrefix
	if kind := strings.Trim(r.URL.Query().Get("kind"), "/"); kind != "" {
		prefix += kind + "/"
	}
	files, err := h.blobs.List(r.Context(), prefix)
	if err != nil {
		writeStoreError(w, r, h.logger, "archive", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": nonNil(files)})
}

// GetArchive streams one archive file. Only keys under the archive prefix
// are served.
// GET /api/archive/{kind}/{file}
func (h *ArchiveHandler) GetArchive(w http.ResponseWriter, r *http.Request) {
	key := path.Clean(domain.ArchivePrefix + r.PathValue("kind") + "/" + r.PathValue("file"))
	if !strings.HasPrefix(key, domain.ArchivePrefix) || !strings.HasSuffix(key, ".jsonl") {
		writeError(w, http.StatusBadRequest, "invalid archive path")
		return
	}
	body, err := h.blobs.Get(r.Context(), key)
	if err != nil {
		writeStoreError(w, r, h.logger, "archive", err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.WarnContext(r.Context(), "archive download interrupted",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}
