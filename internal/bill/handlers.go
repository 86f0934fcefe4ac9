package bill

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/zombor/bill-extractor/internal/raster"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError writes the {"detail": msg} error body
func writeError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"detail": message})
}

// extractionStatus maps an extraction failure to a response code
func extractionStatus(err error) int {
	var unsupported *raster.UnsupportedFormatError
	if errors.As(err, &unsupported) {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

type extractRequest struct {
	Document string `json:"document"`
}

// handleExtractBillData downloads the referenced document and returns its line items
func (s *Server) handleExtractBillData(w http.ResponseWriter, r *http.Request) {
	var req extractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Document) == "" {
		writeError(w, "document is required", http.StatusBadRequest)
		return
	}

	extraction, err := s.service.ExtractURL(r.Context(), req.Document)
	if err != nil {
		slog.Error("Error extracting bill", "document", req.Document, "error", err)
		writeError(w, err.Error(), extractionStatus(err))
		return
	}

	writeJSON(w, http.StatusOK, extraction.Response())
}

// handleListBills returns all stored extractions
func (s *Server) handleListBills(w http.ResponseWriter, r *http.Request) {
	extractions, err := s.service.ListExtractions()
	if err != nil {
		slog.Error("Error listing extractions", "error", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if extractions == nil {
		extractions = []*Extraction{}
	}
	writeJSON(w, http.StatusOK, extractions)
}

// handleUploadBill extracts an uploaded document
func (s *Server) handleUploadBill(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxDocumentSize+(1<<20))
	if err := r.ParseMultipartForm(maxDocumentSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		msg := "Error parsing form"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg = "File is too large. Maximum size is 50MB."
		}
		writeError(w, msg, http.StatusBadRequest)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		msg := "No file provided"
		if errors.Is(err, http.ErrMissingFile) {
			msg = "No file was selected. Please choose a file to upload."
		}
		writeError(w, msg, http.StatusBadRequest)
		return
	}
	defer f.Close()

	if header.Size > maxDocumentSize {
		writeError(w, "File is too large. Maximum size is 50MB.", http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
		return
	}

	contentType := strings.ToLower(strings.TrimSpace(header.Header.Get("Content-Type")))
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = contentTypeFor(header.Filename)
	}

	extraction, err := s.service.Extract(r.Context(), header.Filename, data, contentType)
	if err != nil {
		slog.Error("Error extracting bill", "filename", header.Filename, "error", err)
		writeError(w, err.Error(), extractionStatus(err))
		return
	}

	writeJSON(w, http.StatusCreated, extraction)
}

// contentTypeFor guesses a MIME type from a filename extension
func contentTypeFor(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".bmp":
		return "image/bmp"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	}
	return "application/octet-stream"
}

// handleGetBill returns a single extraction
func (s *Server) handleGetBill(w http.ResponseWriter, r *http.Request) {
	extraction, err := s.service.GetExtraction(r.PathValue("id"))
	if err != nil {
		writeError(w, "Extraction not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, extraction)
}

// handleGetBillFile returns the source document of an extraction
func (s *Server) handleGetBillFile(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.service.GetExtractionFile(r.PathValue("id"))
	if err != nil {
		writeError(w, "File not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleDeleteBill deletes an extraction and its source document
func (s *Server) handleDeleteBill(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteExtraction(r.PathValue("id")); err != nil {
		slog.Error("Error deleting extraction", "error", err)
		writeError(w, "Error deleting extraction", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
