package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/koushole/bookrag/internal/core"
	"github.com/koushole/bookrag/internal/logger"
	"github.com/koushole/bookrag/internal/models"
)

const (
	groundedSystemPrompt = "You are Koushole, a patient tutor for Bangladeshi students. Answer from the numbered textbook sources provided, cite them as [Source n], and say so when the sources do not cover the question. Reply in the language of the question."
	openSystemPrompt     = "You are Koushole, a patient tutor for Bangladeshi students following the NCTB curriculum. Reply in the language of the question."
)

type ChatQuery struct {
	Question   string
	DocumentID string
	Collection models.CollectionType
	Limit      int
}

type ChatAnswer struct {
	Answer   string     `json:"answer"`
	Sources  []Citation `json:"sources"`
	Grounded bool       `json:"grounded"`
}

// ChatService answers questions, grounded in a document when one is given
// and it has matching chunks.
type ChatService struct {
	retriever *RetrievalService
	llm       core.LLMProvider
	log       *logger.Logger
}

func NewChatService(retriever *RetrievalService, llm core.LLMProvider, log *logger.Logger) *ChatService {
	return &ChatService{retriever: retriever, llm: llm, log: logger.OrNop(log)}
}

// Ask never fails because retrieval came back empty or the document is not
// indexed; it answers without sources instead. A dimension mismatch is a
// configuration error and is returned.
func (s *ChatService) Ask(ctx context.Context, q ChatQuery) (*ChatAnswer, error) {
	question := strings.TrimSpace(q.Question)
	if question == "" {
		return nil, ErrEmptyQuery
	}

	var found *RetrievalResult
	if q.DocumentID != "" && s.retriever != nil {
		res, err := s.retriever.Retrieve(ctx, question, q.DocumentID, q.Collection, q.Limit)
		switch {
		case errors.Is(err, ErrDimensionMismatch):
			return nil, err
		case err != nil:
			s.log.Warn("retrieval failed, answering without sources", "document_id", q.DocumentID, "error", err)
		default:
			found = res
		}
	}

	system, user := openSystemPrompt, question
	if !found.Empty() {
		system = groundedSystemPrompt
		user = fmt.Sprintf("Sources:\n%s\n\nQuestion: %s", found.Context, question)
	}

	answer, err := s.llm.Generate(ctx, system, user)
	if err != nil {
		return nil, fmt.Errorf("generate answer: %w", err)
	}

	out := &ChatAnswer{Answer: strings.TrimSpace(answer), Sources: []Citation{}}
	if !found.Empty() {
		out.Sources = found.Citations
		out.Grounded = true
	}
	return out, nil
}
