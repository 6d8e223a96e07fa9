package api

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"strings"

	"militext/internal/apperr"
	"militext/internal/models"

	"github.com/gabriel-vasile/mimetype"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"
)

const maxParallelUploads = 3

// File is an attachment picked by the user and not uploaded yet.
type File struct {
	Name string
	Data []byte
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// Upload sends every file and returns the attachments in input order.
// The first failure cancels the remaining uploads.
func (c *Client) Upload(ctx context.Context, files []File) ([]models.Attachment, error) {
	out := make([]models.Attachment, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelUploads)

	for i, f := range files {
		g.Go(func() error {
			att, err := c.uploadOne(gctx, f)
			if err != nil {
				return fmt.Errorf("upload %s: %w", f.Name, err)
			}
			out[i] = att
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) uploadOne(ctx context.Context, f File) (models.Attachment, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename="%s"`, quoteEscaper.Replace(f.Name)))
	header.Set("Content-Type", mimetype.Detect(f.Data).String())
	part, err := w.CreatePart(header)
	if err != nil {
		return models.Attachment{}, err
	}
	if _, err := part.Write(f.Data); err != nil {
		return models.Attachment{}, err
	}
	if err := w.Close(); err != nil {
		return models.Attachment{}, err
	}

	var res models.UploadResponse
	err = c.do(ctx, request{
		method:      fasthttp.MethodPost,
		path:        "/attachments",
		body:        buf.Bytes(),
		contentType: w.FormDataContentType(),
	}, &res)
	if err != nil {
		return models.Attachment{}, err
	}
	if len(res.Attachments) != 1 {
		return models.Attachment{}, fmt.Errorf("%w: expected one attachment, got %d", apperr.ErrRequestFailed, len(res.Attachments))
	}
	return res.Attachments[0], nil
}
