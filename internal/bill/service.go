package bill

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/bill-extractor/internal/fraud"
	"github.com/zombor/bill-extractor/internal/pipeline"
	"github.com/zombor/bill-extractor/internal/raster"
	"github.com/zombor/bill-extractor/internal/reconcile"
	"github.com/zombor/bill-extractor/internal/scanning"
)

// IDGenerator generates unique IDs for extractions
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// PageProcessor enhances pages and attaches fraud reports
type PageProcessor interface {
	Process(ctx context.Context, pages []raster.Page) ([]pipeline.ProcessedPage, error)
}

// uuidGenerator issues UUIDv7 IDs so storage keys sort by creation time
type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Service runs bill extractions and manages their results
type Service struct {
	db          DB
	scanner     scanning.Scanner
	storage     Storage
	processor   PageProcessor
	fetcher     Fetcher
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a new Service with UUID IDs and the wall clock
func NewService(db DB, scanner scanning.Scanner, storage Storage, processor PageProcessor, fetcher Fetcher) *Service {
	return NewServiceWithDeps(db, scanner, storage, processor, fetcher, &uuidGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, scanner scanning.Scanner, storage Storage, processor PageProcessor, fetcher Fetcher, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		db:          db,
		scanner:     scanner,
		storage:     storage,
		processor:   processor,
		fetcher:     fetcher,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// Extract stores a document, runs it through rasterize, enhance, scan and
// reconcile, and saves the result
func (s *Service) Extract(ctx context.Context, filename string, data []byte, contentType string) (*Extraction, error) {
	return s.extract(ctx, "", filename, data, contentType)
}

func (s *Service) extract(ctx context.Context, source, filename string, data []byte, contentType string) (*Extraction, error) {
	id := s.idGenerator.Generate()
	now := s.timeSource.Now()

	savedName, err := s.storage.Save(fmt.Sprintf("%s_%s", id, sanitizeFilename(filename)), data)
	if err != nil {
		return nil, fmt.Errorf("saving file: %w", err)
	}

	pages, err := raster.Rasterize(data, filename)
	if err != nil {
		slog.Error("Failed to rasterize document",
			"filename", filename,
			"content_type", contentType,
			"file_size", len(data),
			"error", err,
		)
		s.removeFile(savedName)
		return nil, fmt.Errorf("rasterizing document: %w", err)
	}

	processed, err := s.processor.Process(ctx, pages)
	if err != nil {
		s.removeFile(savedName)
		return nil, fmt.Errorf("processing pages: %w", err)
	}

	reports := make([]fraud.PageReport, len(processed))
	for i, p := range processed {
		reports[i] = p.Fraud
	}

	extraction := &Extraction{
		ID:          id,
		Source:      source,
		Filename:    savedName,
		ContentType: contentType,
		PageCount:   len(pages),
		Fraud:       reports,
		CreatedAt:   now,
	}

	payload, usage, err := s.scanner.ScanPages(ctx, processed, scanning.BillPrompt)
	if err != nil {
		// A failed model call still yields an empty record
		slog.Error("Failed to scan bill", "id", id, "pages", len(pages), "error", err)
		payload = map[string]any{}
		usage = scanning.TokenUsage{}
		extraction.ScanError = err.Error()
	}
	extraction.TokenUsage = usage
	extraction.Data = reconcile.Reconcile(payload)

	if err := reconcile.Validate(extraction.Data); err != nil {
		s.removeFile(savedName)
		return nil, fmt.Errorf("validating extraction: %w", err)
	}

	if err := s.db.SaveExtraction(extraction); err != nil {
		s.removeFile(savedName)
		return nil, fmt.Errorf("saving extraction to database: %w", err)
	}

	slog.Info("Extracted bill",
		"id", id,
		"pages", extraction.PageCount,
		"items", extraction.Data.TotalItemCount,
		"tokens", usage.TotalTokens,
	)
	return extraction, nil
}

// ExtractURL downloads a document and extracts it
func (s *Service) ExtractURL(ctx context.Context, documentURL string) (*Extraction, error) {
	if documentURL == "" {
		return nil, fmt.Errorf("document URL is required")
	}

	data, contentType, err := s.fetcher.Fetch(ctx, documentURL)
	if err != nil {
		return nil, err
	}

	return s.extract(ctx, documentURL, filenameFromURL(documentURL), data, contentType)
}

// filenameFromURL takes the last path segment of a URL as a filename hint
func filenameFromURL(documentURL string) string {
	u, err := url.Parse(documentURL)
	if err != nil {
		return ""
	}
	name := path.Base(u.Path)
	if name == "/" || name == "." {
		return ""
	}
	return name
}

// GetExtraction retrieves an extraction by ID
func (s *Service) GetExtraction(id string) (*Extraction, error) {
	extraction, err := s.db.GetExtraction(id)
	if err != nil {
		return nil, fmt.Errorf("getting extraction: %w", err)
	}
	return extraction, nil
}

// ListExtractions returns all extractions, newest first
func (s *Service) ListExtractions() ([]*Extraction, error) {
	extractions, err := s.db.ListExtractions()
	if err != nil {
		return nil, fmt.Errorf("listing extractions: %w", err)
	}
	sort.SliceStable(extractions, func(i, j int) bool {
		return extractions[i].CreatedAt.After(extractions[j].CreatedAt)
	})
	return extractions, nil
}

// DeleteExtraction removes an extraction and its source document
func (s *Service) DeleteExtraction(id string) error {
	extraction, err := s.db.GetExtraction(id)
	if err != nil {
		return fmt.Errorf("getting extraction for deletion: %w", err)
	}

	s.removeFile(extraction.Filename)

	if err := s.db.DeleteExtraction(id); err != nil {
		return fmt.Errorf("deleting extraction from database: %w", err)
	}
	return nil
}

// GetExtractionFile retrieves the source document of an extraction
func (s *Service) GetExtractionFile(id string) ([]byte, string, error) {
	extraction, err := s.db.GetExtraction(id)
	if err != nil {
		return nil, "", fmt.Errorf("getting extraction: %w", err)
	}

	data, err := s.storage.Get(extraction.Filename)
	if err != nil {
		return nil, "", fmt.Errorf("getting extraction file: %w", err)
	}
	return data, extraction.ContentType, nil
}

func (s *Service) removeFile(name string) {
	if err := s.storage.Delete(name); err != nil {
		slog.Warn("Failed to delete file", "filename", name, "error", err)
	}
}
