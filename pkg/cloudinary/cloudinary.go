package cloudinary

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/rs/zerolog"
)

// ErrNoPages indicates the uploaded document produced zero renderable pages.
var ErrNoPages = errors.New("document has no renderable pages")

// Config contains credentials required to talk to Cloudinary.
type Config struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
}

// Document describes one uploaded multi-page document. Each page is
// independently fetchable through a derived delivery URL after the upload
// call returns; nothing is held locally.
type Document struct {
	PublicID string
	Pages    int
	URL      string
}

// Service uploads submission documents and page images to Cloudinary.
type Service struct {
	client *cloudinary.Cloudinary
	folder string
	logger zerolog.Logger
}

// New constructs a Cloudinary service instance.
func New(cfg Config, logger zerolog.Logger) (*Service, error) {
	if cfg.CloudName == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("cloudinary credentials must be provided")
	}

	cld, err := cloudinary.NewFromParams(cfg.CloudName, cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cloudinary: %w", err)
	}

	return &Service{
		client: cld,
		folder: cfg.Folder,
		logger: logger.With().Str("component", "cloudinary").Logger(),
	}, nil
}

// Upload sends the file to Cloudinary and returns a secure URL.
func (s *Service) Upload(ctx context.Context, name string, reader io.Reader) (string, error) {
	folder := strings.Trim(s.folder, "/")
	publicID := buildPublicID(name)

	params := uploader.UploadParams{
		Folder:       folder,
		PublicID:     publicID,
		ResourceType: "auto",
	}

	result, err := s.client.Upload.Upload(ctx, reader, params)
	if err != nil {
		return "", fmt.Errorf("failed to upload asset: %w", err)
	}

	s.logger.Info().Str("public_id", result.PublicID).Msg("file uploaded to cloudinary")

	return result.SecureURL, nil
}

// UploadDocument uploads a multi-page document as a rasterizable image asset
// so that individual pages can be delivered through page transformations.
// A document Cloudinary cannot decode, or one with zero pages, fails here.
func (s *Service) UploadDocument(ctx context.Context, name string, reader io.Reader) (Document, error) {
	folder := strings.Trim(s.folder, "/")
	publicID := buildPublicID(name)

	params := uploader.UploadParams{
		Folder:       folder,
		PublicID:     publicID,
		ResourceType: "image",
	}

	result, err := s.client.Upload.Upload(ctx, reader, params)
	if err != nil {
		return Document{}, fmt.Errorf("failed to upload document: %w", err)
	}

	pages := result.Pages
	if pages == 0 {
		// Single-image assets report no page count.
		pages = 1
	}

	s.logger.Info().Str("public_id", result.PublicID).Int("pages", pages).Msg("document uploaded to cloudinary")

	return Document{
		PublicID: result.PublicID,
		Pages:    pages,
		URL:      result.SecureURL,
	}, nil
}

// PageURLs derives one delivery URL per page, 1-indexed and ordered. The
// URLs stay fetchable independently of this process.
func (s *Service) PageURLs(doc Document) ([]string, error) {
	if doc.Pages <= 0 {
		return nil, ErrNoPages
	}

	urls := make([]string, 0, doc.Pages)
	for page := 1; page <= doc.Pages; page++ {
		img, err := s.client.Image(doc.PublicID)
		if err != nil {
			return nil, fmt.Errorf("failed to build page asset: %w", err)
		}

		img.Transformation = fmt.Sprintf("pg_%d,f_png", page)

		url, err := img.String()
		if err != nil {
			return nil, fmt.Errorf("failed to build page url: %w", err)
		}

		urls = append(urls, url)
	}

	return urls, nil
}

func buildPublicID(name string) string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	base = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '-'
	}, base)

	base = strings.Trim(base, "-")
	if base == "" {
		base = fmt.Sprintf("upload-%d", time.Now().Unix())
	}

	return fmt.Sprintf("%s-%d", base, time.Now().Unix())
}
