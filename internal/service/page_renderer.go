package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/gabriel-vasile/mimetype"
	"github.com/ledongthuc/pdf"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grading-api/internal/vision"
	cloud "github.com/noah-isme/gema-grading-api/pkg/cloudinary"
)

// ErrRender indicates the submitted buffer is not a renderable document or
// contains zero pages. Not retried automatically.
var ErrRender = errors.New("document could not be rendered")

// PageImage is one rendered page of a submission. Order is significant: the
// region-extraction oracle reasons over page sequence.
type PageImage struct {
	PageNumber int    `json:"page_number"`
	ImageURL   string `json:"image_url"`
}

// DocumentStore abstracts the rendering/object-storage collaborator. Every
// returned URL must stay fetchable after the call returns.
type DocumentStore interface {
	Upload(ctx context.Context, name string, reader io.Reader) (string, error)
	UploadDocument(ctx context.Context, name string, reader io.Reader) (cloud.Document, error)
	PageURLs(doc cloud.Document) ([]string, error)
}

// PageRenderer converts an uploaded document buffer into an ordered sequence
// of independently fetchable page image URLs. Each call re-renders; the
// sequence is not restartable.
type PageRenderer interface {
	Render(ctx context.Context, name string, data []byte) ([]PageImage, error)
}

type pageRenderer struct {
	store  DocumentStore
	logger zerolog.Logger
}

// NewPageRenderer builds the Cloudinary-delegating renderer.
func NewPageRenderer(store DocumentStore, logger zerolog.Logger) PageRenderer {
	return &pageRenderer{
		store:  store,
		logger: logger.With().Str("component", "page_renderer").Logger(),
	}
}

func (r *pageRenderer) Render(ctx context.Context, name string, data []byte) ([]PageImage, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty buffer", ErrRender)
	}

	kind := mimetype.Detect(data)

	switch {
	case kind.Is("application/pdf"):
		return r.renderPDF(ctx, name, data)
	case isRasterImage(kind):
		return r.renderRasterPage(ctx, name, data)
	default:
		return nil, fmt.Errorf("%w: unsupported document type %s", ErrRender, kind.String())
	}
}

func (r *pageRenderer) renderPDF(ctx context.Context, name string, data []byte) ([]PageImage, error) {
	// Cheap local pre-flight: reject garbage and zero-page documents before
	// touching the network.
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRender, err)
	}
	if reader.NumPage() == 0 {
		return nil, fmt.Errorf("%w: document has zero pages", ErrRender)
	}

	doc, err := r.store.UploadDocument(ctx, name, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRender, err)
	}

	urls, err := r.store.PageURLs(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRender, err)
	}

	pages := make([]PageImage, 0, len(urls))
	for i, url := range urls {
		pages = append(pages, PageImage{PageNumber: i + 1, ImageURL: url})
	}

	r.logger.Info().Str("document", doc.PublicID).Int("pages", len(pages)).Msg("document rendered")

	return pages, nil
}

// renderRasterPage handles single-page photo submissions. The margin
// segmenter doubles as the decodability gate; when it finds the margin rule
// the page is cropped to it before upload, so the region oracle never wastes
// work on the strip right of the split. A page with no reliable margin is
// uploaded whole.
func (r *pageRenderer) renderRasterPage(ctx context.Context, name string, data []byte) ([]PageImage, error) {
	segment, err := vision.SegmentMarginBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRender, err)
	}

	payload := data
	if segment.HasMargin() {
		cropped, encErr := vision.EncodePNG(segment.Cropped)
		if encErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrRender, encErr)
		}
		payload = cropped
		r.logger.Debug().Int("crop_width", segment.CropWidth).Int("column_sum", segment.ColumnSum).Msg("page cropped to margin rule")
	} else {
		r.logger.Debug().Msg("no reliable margin found, uploading full page")
	}

	url, err := r.store.Upload(ctx, name, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRender, err)
	}

	return []PageImage{{PageNumber: 1, ImageURL: url}}, nil
}

func isRasterImage(kind *mimetype.MIME) bool {
	return kind.Is("image/png") || kind.Is("image/jpeg") || kind.Is("image/webp")
}
