package bill

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/zombor/billsplit/internal/extract"
	"github.com/zombor/billsplit/internal/scanning"
)

const (
	// maxUploadSize covers high-resolution phone photos
	maxUploadSize = int64(50 << 20)
	// maxTextSize bounds the body of text extraction requests
	maxTextSize = int64(1 << 20)
)

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// writeJSON writes v with the given status
func writeJSON(w http.ResponseWriter, status int, v any) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeErrorMessage writes a JSON error body
func writeErrorMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrIndexOutOfRange):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, ErrValidationFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrBusy), errors.Is(err, ErrWrongPhase):
		return http.StatusConflict
	case errors.Is(err, scanning.ErrRecognitionFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeError logs err and writes it with the mapped status
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	} else {
		slog.Debug("Request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}

	message := userMessage(err)
	switch status {
	case http.StatusInternalServerError:
		message = "Internal server error"
	case http.StatusBadGateway:
		message = "Could not read the receipt. Please try again or add items manually."
	}
	writeErrorMessage(w, status, message)
}

// pathIndex parses a numeric path segment
func pathIndex(r *http.Request, name string) (int, error) {
	index, err := strconv.Atoi(r.PathValue(name))
	if err != nil {
		return 0, fmt.Errorf("%w: %s is not a number", ErrIndexOutOfRange, name)
	}
	return index, nil
}

// session looks up the session named in the path, writing an error if absent
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	session, err := s.service.GetSession(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return session, true
}

// respond writes the session snapshot, or the error if err is set
func respond(w http.ResponseWriter, r *http.Request, session *Session, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session.Snapshot())
}

// handleHealth reports liveness
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.service.SessionCount(),
	})
}

// handleCreateSession starts a new session
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	session := s.service.CreateSession()
	writeJSON(w, http.StatusCreated, session.Snapshot())
}

// handleGetSession returns a session snapshot
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, session.Snapshot())
}

// handleDeleteSession discards a session
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteSession(r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleAddParticipant adds a participant during setup
func (s *Server) handleAddParticipant(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	respond(w, r, session, session.AddParticipant(req.Name))
}

// handleRemoveParticipant removes a participant during setup
func (s *Server) handleRemoveParticipant(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	index, err := pathIndex(r, "index")
	if err != nil {
		writeError(w, r, err)
		return
	}
	respond(w, r, session, session.RemoveParticipant(index))
}

// handleCompleteSetup moves the session to splitting
func (s *Server) handleCompleteSetup(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	respond(w, r, session, session.CompleteSetup())
}

// contentTypeFor picks a MIME type from the part header or the file extension
func contentTypeFor(header string, filename string) string {
	contentType := strings.ToLower(strings.TrimSpace(header))
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	}
	return "application/octet-stream"
}

// uploadResponse reports how many items a receipt produced
type uploadResponse struct {
	ItemsFound int  `json:"items_found"`
	Session    View `json:"session"`
}

// handleUploadReceipt reads a receipt image and replaces the session's items
func (s *Server) handleUploadReceipt(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		errorMsg := "Error parsing form"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			errorMsg = "File is too large. Maximum size is 50MB. Please compress or resize your image."
		}
		writeErrorMessage(w, http.StatusBadRequest, errorMsg)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		errorMsg := "No file provided"
		if errors.Is(err, http.ErrMissingFile) {
			errorMsg = "No file was selected. Please choose a file to upload."
		}
		writeErrorMessage(w, http.StatusBadRequest, errorMsg)
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeErrorMessage(w, http.StatusInternalServerError, "Error reading file. Please try again.")
		return
	}

	contentType := contentTypeFor(header.Header.Get("Content-Type"), header.Filename)
	n, err := session.UploadReceipt(r.Context(), data, contentType)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, uploadResponse{
		ItemsFound: n,
		Session:    session.Snapshot(),
	})
}

// itemRequest is the body for adding or editing an item
type itemRequest struct {
	Name  string           `json:"name"`
	Price *decimal.Decimal `json:"price"`
}

// decodeItem reads an item body. ok is false for an empty body.
func decodeItem(r *http.Request) (req itemRequest, ok bool, err error) {
	err = json.NewDecoder(r.Body).Decode(&req)
	if errors.Is(err, io.EOF) {
		return req, false, nil
	}
	if err != nil {
		return req, false, err
	}
	return req, true, nil
}

// handleAddItem appends an item, or the manual placeholder for an empty body
func (s *Server) handleAddItem(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}

	req, hasBody, err := decodeItem(r)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	switch {
	case !hasBody:
		err = session.AddManualItem()
	case req.Price == nil:
		err = fmt.Errorf("%w: price is required", ErrInvalidAmount)
	default:
		err = session.AddItem(req.Name, *req.Price)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session.Snapshot())
}

// handleEditItem changes an item's name and price
func (s *Server) handleEditItem(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	index, err := pathIndex(r, "index")
	if err != nil {
		writeError(w, r, err)
		return
	}

	req, hasBody, err := decodeItem(r)
	if err != nil || !hasBody {
		writeErrorMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Price == nil {
		writeError(w, r, fmt.Errorf("%w: price is required", ErrInvalidAmount))
		return
	}

	respond(w, r, session, session.EditItem(index, req.Name, *req.Price))
}

// handleRemoveItem deletes an item
func (s *Server) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	index, err := pathIndex(r, "index")
	if err != nil {
		writeError(w, r, err)
		return
	}
	respond(w, r, session, session.RemoveItem(index))
}

// handleToggleAssignment adds or removes a participant from an item
func (s *Server) handleToggleAssignment(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	index, err := pathIndex(r, "index")
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req struct {
		Participant string `json:"participant"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	respond(w, r, session, session.ToggleAssignment(index, req.Participant))
}

// totalsResponse is the result of a totals request
type totalsResponse struct {
	Totals          []TotalView `json:"totals"`
	GrandTotal      string      `json:"grand_total"`
	UnassignedTotal string      `json:"unassigned_total"`
}

// handleTotals returns each participant's share
func (s *Server) handleTotals(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	// one locked read so the totals and grand total agree
	view := session.Snapshot()
	if view.Phase != PhaseSplitting {
		writeError(w, r, fmt.Errorf("%w: session is in %s, need %s", ErrWrongPhase, view.Phase, PhaseSplitting))
		return
	}
	writeJSON(w, http.StatusOK, totalsResponse{
		Totals:          view.Totals,
		GrandTotal:      view.GrandTotal,
		UnassignedTotal: view.UnassignedTotal,
	})
}

// lineView explains what the extractor did with one line
type lineView struct {
	Line    string `json:"line"`
	Kind    string `json:"kind"`
	Keyword string `json:"keyword,omitempty"`
}

// extractResponse holds items extracted from posted text
type extractResponse struct {
	Items []ItemView `json:"items"`
	Lines []lineView `json:"lines,omitempty"`
}

// handleExtract turns posted receipt text into items. ?explain=true adds
// the decision for every line.
func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTextSize))
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "Text is too large")
		return
	}
	text := string(body)

	resp := extractResponse{Items: itemViews(s.service.Extract(text))}
	if explain, _ := strconv.ParseBool(r.URL.Query().Get("explain")); explain {
		resp.Lines = lineViews(s.service.Classify(text))
	}
	writeJSON(w, http.StatusOK, resp)
}

func lineViews(classifications []extract.Classification) []lineView {
	views := make([]lineView, 0, len(classifications))
	for _, c := range classifications {
		views = append(views, lineView{
			Line:    c.Line,
			Kind:    c.Kind.String(),
			Keyword: c.Keyword,
		})
	}
	return views
}
