package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/koushole/bookrag/internal/logger"
	"github.com/koushole/bookrag/internal/models"
	"github.com/koushole/bookrag/internal/services"
)

type ChatHandler struct {
	chat      *services.ChatService
	retriever *services.RetrievalService
	log       *logger.Logger
}

func NewChatHandler(chat *services.ChatService, retriever *services.RetrievalService, log *logger.Logger) *ChatHandler {
	return &ChatHandler{chat: chat, retriever: retriever, log: logger.OrNop(log)}
}

type ChatRequest struct {
	DocumentID string `json:"document_id"`
	Collection string `json:"collection"`
	Query      string `json:"query"`
	Limit      int    `json:"limit"`
}

func decodeChatRequest(w http.ResponseWriter, r *http.Request, requireDoc bool) (ChatRequest, models.CollectionType, bool) {
	var req ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return req, "", false
	}
	if req.DocumentID == "" {
		if requireDoc {
			writeError(w, http.StatusBadRequest, "document_id is required")
			return req, "", false
		}
		return req, "", true
	}
	if _, err := uuid.Parse(req.DocumentID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid document_id")
		return req, "", false
	}
	if req.Collection == "" {
		req.Collection = string(models.CollectionLibrary)
	}
	collection, err := models.ParseCollection(req.Collection)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return req, "", false
	}
	return req, collection, true
}

// Retrieve returns ranked chunks and citations for a query within one document.
func (h *ChatHandler) Retrieve(w http.ResponseWriter, r *http.Request) {
	req, collection, ok := decodeChatRequest(w, r, true)
	if !ok {
		return
	}
	res, err := h.retriever.Retrieve(r.Context(), req.Query, req.DocumentID, collection, req.Limit)
	if err != nil {
		h.writeRetrievalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// QueryDocument answers a question, grounded in the document when possible.
func (h *ChatHandler) QueryDocument(w http.ResponseWriter, r *http.Request) {
	req, collection, ok := decodeChatRequest(w, r, false)
	if !ok {
		return
	}
	ans, err := h.chat.Ask(r.Context(), services.ChatQuery{
		Question:   req.Query,
		DocumentID: req.DocumentID,
		Collection: collection,
		Limit:      req.Limit,
	})
	if err != nil {
		h.writeRetrievalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

func (h *ChatHandler) writeRetrievalError(w http.ResponseWriter, err error) {
	if errors.Is(err, services.ErrDimensionMismatch) {
		h.log.Error("embedding configuration mismatch", "error", err)
		writeError(w, http.StatusInternalServerError, "retrieval is misconfigured")
		return
	}
	writeServiceError(w, h.log, err)
}
