package handlers

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"militext/internal/metrics"
	"militext/internal/models"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// UploadConfig says where attachments go and how they are addressed.
type UploadConfig struct {
	Dir      string
	BaseURL  string
	MaxBytes int64
	MaxFiles int
}

// buildFileURL constructs an absolute URL for a stored file based on the
// configured base or the request host.
func buildFileURL(c *fiber.Ctx, baseURL, filename string) string {
	if baseURL != "" {
		return fmt.Sprintf("%s/uploads/%s", strings.TrimSuffix(baseURL, "/"), filename)
	}

	protocol := "http"
	if c.Protocol() == "https" || c.Get("X-Forwarded-Proto") == "https" {
		protocol = "https"
	}
	return fmt.Sprintf("%s://%s/uploads/%s", protocol, c.Hostname(), filename)
}

// UploadHandler stores every file of the multipart field "files" and
// returns their references in the order received.
func UploadHandler(cfg UploadConfig, log *slog.Logger, m *metrics.Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		form, err := c.MultipartForm()
		if err != nil {
			return writeError(c, http.StatusBadRequest, models.CodeBadRequest, "multipart form required")
		}
		files := form.File["files"]
		switch {
		case len(files) == 0:
			return writeError(c, http.StatusBadRequest, models.CodeBadRequest, "files are required")
		case cfg.MaxFiles > 0 && len(files) > cfg.MaxFiles:
			return writeError(c, http.StatusBadRequest, models.CodeBadRequest,
				fmt.Sprintf("at most %d files per request", cfg.MaxFiles))
		}

		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			log.Error("Create upload dir failed", "dir", cfg.Dir, "err", err)
			return writeError(c, http.StatusInternalServerError, models.CodeInternal, "failed to create upload dir")
		}

		user := currentUser(c)
		out := make([]models.Attachment, 0, len(files))
		for _, fh := range files {
			if cfg.MaxBytes > 0 && fh.Size > cfg.MaxBytes {
				return writeError(c, http.StatusBadRequest, models.CodeBadRequest,
					fmt.Sprintf("%s is larger than %s", fh.Filename, humanize.Bytes(uint64(cfg.MaxBytes))))
			}

			f, err := fh.Open()
			if err != nil {
				return writeError(c, http.StatusBadRequest, models.CodeBadRequest, "unreadable file")
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				return writeError(c, http.StatusBadRequest, models.CodeBadRequest, "unreadable file")
			}

			// Trust the content, not the client's name or header.
			ext := mimetype.Detect(data).Extension()
			if ext == "" {
				ext = filepath.Ext(fh.Filename)
			}
			id := uuid.NewString()
			filename := id + ext
			if err := os.WriteFile(filepath.Join(cfg.Dir, filename), data, 0644); err != nil {
				log.Error("Save upload failed", "file", filename, "err", err)
				return writeError(c, http.StatusInternalServerError, models.CodeInternal, "failed to save file")
			}

			m.UploadedBytes.Add(float64(len(data)))
			log.Debug("Attachment stored", "user", user.ID, "file", filename, "size", humanize.Bytes(uint64(len(data))))
			out = append(out, models.Attachment{ID: id, URL: buildFileURL(c, cfg.BaseURL, filename)})
		}

		return c.Status(http.StatusCreated).JSON(models.UploadResponse{Attachments: out})
	}
}
