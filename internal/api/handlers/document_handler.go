package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/koushole/bookrag/internal/logger"
	"github.com/koushole/bookrag/internal/models"
	"github.com/koushole/bookrag/internal/services"
)

type DocumentHandler struct {
	docs      *services.DocumentService
	ingest    *services.IngestService
	maxUpload int64
	log       *logger.Logger
}

func NewDocumentHandler(docs *services.DocumentService, ingest *services.IngestService, maxUpload int64, log *logger.Logger) *DocumentHandler {
	if maxUpload <= 0 {
		maxUpload = 100 << 20
	}
	return &DocumentHandler{docs: docs, ingest: ingest, maxUpload: maxUpload, log: logger.OrNop(log)}
}

type uploadResponse struct {
	Document *models.Document `json:"document"`
	Queued   bool             `json:"queued"`
}

// UploadDocument stores a PDF, creates its row and queues ingestion.
func (h *DocumentHandler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > h.maxUpload {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	collection, err := models.ParseCollection(formValue(r, "collection", string(models.CollectionLibrary)))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid file")
		return
	}
	defer file.Close()

	doc, err := h.docs.Upload(r.Context(), services.UploadInput{
		Collection:  collection,
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Title:       r.FormValue("title"),
		Language:    r.FormValue("language"),
		ClassLevel:  r.FormValue("class_level"),
		Subject:     r.FormValue("subject"),
		Size:        header.Size,
		Body:        file,
	})
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}

	queued := true
	if err := h.ingest.Schedule(r.Context(), collection, doc.ID); err != nil {
		queued = false
		h.log.Warn("could not queue ingestion", "document_id", doc.ID, "error", err)
	}
	writeJSON(w, http.StatusCreated, uploadResponse{Document: doc, Queued: queued})
}

// ProcessDocument runs ingestion inline, or queues it with ?async=true.
func (h *DocumentHandler) ProcessDocument(w http.ResponseWriter, r *http.Request) {
	collection, id, ok := h.documentRef(w, r)
	if !ok {
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		if err := h.ingest.Schedule(r.Context(), collection, id); err != nil {
			writeServiceError(w, h.log, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"document_id": id, "queued": true})
		return
	}

	res, err := h.ingest.ProcessNow(r.Context(), collection, id)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *DocumentHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	collection, id, ok := h.documentRef(w, r)
	if !ok {
		return
	}
	doc, err := h.docs.Get(r.Context(), collection, id)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *DocumentHandler) GetContent(w http.ResponseWriter, r *http.Request) {
	collection, id, ok := h.documentRef(w, r)
	if !ok {
		return
	}
	block, err := h.docs.Content(r.Context(), collection, id)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, block)
}

// GetDocuments lists one collection, or both when none is given.
// pending=true keeps only documents that still need ingestion.
func (h *DocumentHandler) GetDocuments(w http.ResponseWriter, r *http.Request) {
	pending, _ := strconv.ParseBool(r.URL.Query().Get("pending"))
	collections := []models.CollectionType{models.CollectionOfficial, models.CollectionLibrary}
	if c := r.URL.Query().Get("collection"); c != "" {
		parsed, err := models.ParseCollection(c)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		collections = []models.CollectionType{parsed}
	}

	out := []models.Document{}
	for _, c := range collections {
		docs, err := h.docs.List(r.Context(), c, pending)
		if err != nil {
			writeServiceError(w, h.log, err)
			return
		}
		for i := range docs {
			docs[i].Collection = c
		}
		out = append(out, docs...)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *DocumentHandler) documentRef(w http.ResponseWriter, r *http.Request) (models.CollectionType, string, bool) {
	collection, err := models.ParseCollection(chi.URLParam(r, "collection"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", "", false
	}
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "document id is required")
		return "", "", false
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return "", "", false
	}
	return collection, parsed.String(), true
}

func formValue(r *http.Request, key, def string) string {
	if v := r.FormValue(key); v != "" {
		return v
	}
	return def
}
