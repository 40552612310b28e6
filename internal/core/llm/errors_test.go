package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
)

func TestClassifyError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"http 429", &ProviderError{Provider: "groq", StatusCode: 429}, KindRateLimited},
		{"wrapped 429", fmt.Errorf("groq generate: %w", &ProviderError{StatusCode: 429}), KindRateLimited},
		{"http 503", &ProviderError{StatusCode: 503}, KindUnavailable},
		{"http 400", &ProviderError{StatusCode: 400, Message: "bad rate field"}, KindPermanent},
		{"grpc exhausted", errors.New("googleapi: Error 429: RESOURCE_EXHAUSTED"), KindRateLimited},
		{"quota text", errors.New("You exceeded your current quota"), KindRateLimited},
		{"timeout text", errors.New("i/o timeout"), KindUnavailable},
		{"breaker open", fmt.Errorf("x: %w", gobreaker.ErrOpenState), KindUnavailable},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), KindCanceled},
		{"other", errors.New("invalid argument"), KindPermanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyError(tc.err))
		})
	}
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsRateLimited(&ProviderError{StatusCode: 429}))
	assert.True(t, IsTransient(&ProviderError{StatusCode: 502}))
	assert.False(t, IsTransient(&ProviderError{StatusCode: 401}))
	assert.False(t, IsTransient(context.Canceled))
}
