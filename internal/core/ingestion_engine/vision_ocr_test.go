package ingestion_engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koushole/bookrag/internal/core/llm"
	"github.com/koushole/bookrag/internal/testutil"
)

func rateLimitRetry(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, Retryable: llm.IsRateLimited}
}

func TestVisionOCRUnavailable(t *testing.T) {
	o := NewVisionOCR(nil, 0, RetryPolicy{}, nil)
	assert.False(t, o.Available())

	_, err := o.ExtractChapters(context.Background(), []byte("%PDF"))
	assert.ErrorIs(t, err, ErrOCRUnavailable)
}

func TestVisionOCRSizeCap(t *testing.T) {
	vision := &testutil.FakeVision{Response: `{"chapters":[]}`}
	o := NewVisionOCR(vision, 10, RetryPolicy{}, nil)

	assert.True(t, o.Accepts(10))
	assert.False(t, o.Accepts(11))
	_, err := o.ExtractText(context.Background(), make([]byte, 11))
	assert.ErrorIs(t, err, ErrFileTooLarge)
	assert.Zero(t, vision.Calls())
}

func TestVisionOCRRetriesRateLimits(t *testing.T) {
	body, err := json.Marshal(map[string]any{
		"chapters": []map[string]any{{"chapter_number": 1, "title_bn": "সংখ্যা"}},
		"text":     "পাঠ্য",
	})
	require.NoError(t, err)
	vision := &testutil.FakeVision{
		Response:  "```json\n" + string(body) + "\n```",
		Err:       &llm.ProviderError{Provider: "gemini", StatusCode: 429, Message: "quota"},
		FailTimes: 2,
	}
	o := NewVisionOCR(vision, 0, rateLimitRetry(3), nil)

	res, err := o.ExtractChapters(context.Background(), []byte("%PDF"))
	require.NoError(t, err)
	assert.Equal(t, 3, vision.Calls())
	assert.True(t, res.FoundJSON)
	require.Len(t, res.Chapters, 1)
	assert.Equal(t, "সংখ্যা", res.Chapters[0].TitleBN)
	assert.Equal(t, "পাঠ্য", res.Text)
}

func TestVisionOCRExhaustion(t *testing.T) {
	vision := &testutil.FakeVision{Err: &llm.ProviderError{Provider: "gemini", StatusCode: 429}}
	o := NewVisionOCR(vision, 0, rateLimitRetry(3), nil)

	res, err := o.ExtractChapters(context.Background(), []byte("%PDF"))
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.True(t, llm.IsRateLimited(err))
	assert.Equal(t, 3, vision.Calls())
	assert.NotNil(t, res.Chapters)
	assert.Empty(t, res.Chapters)
}

func TestVisionOCRPermanentErrorNotRetried(t *testing.T) {
	vision := &testutil.FakeVision{Err: &llm.ProviderError{Provider: "gemini", StatusCode: 400}}
	o := NewVisionOCR(vision, 0, rateLimitRetry(3), nil)

	_, err := o.ExtractText(context.Background(), []byte("%PDF"))
	assert.Error(t, err)
	assert.Equal(t, 1, vision.Calls())
}

func TestParseOCRResponse(t *testing.T) {
	res := parseOCRResponse("I could not find a table of contents. The page reads: hello")
	assert.False(t, res.FoundJSON)
	assert.Empty(t, res.Chapters)
	assert.Contains(t, res.Text, "hello")

	res = parseOCRResponse(`Result: {"chapters":[],"full_text":"  body  "}`)
	assert.True(t, res.FoundJSON)
	assert.Empty(t, res.Chapters)
	assert.Equal(t, "body", res.Text)
}

func TestParseOCRResponseTruncated(t *testing.T) {
	raw := `{"chapters":[{"chapter_number":1,"title_bn":"জীবন ও পরিবেশ"},` +
		`{"chapter_number":2,"title_bn":"উদ্ভিদের গঠন"}],` +
		`"text":"সবুজ উদ্ভিদ\nসূর্যের আলো \"খাদ্য\" \u09A4\u09C8\u09B0\u09BF করে \u09`

	res := parseOCRResponse(raw)

	assert.False(t, res.FoundJSON)
	require.Len(t, res.Chapters, 2)
	assert.Equal(t, "জীবন ও পরিবেশ", res.Chapters[0].TitleBN)
	assert.Equal(t, 2, res.Chapters[1].Number)
	assert.Equal(t, "সবুজ উদ্ভিদ\nসূর্যের আলো \"খাদ্য\" তৈরি করে", res.Text)
}

func TestParseOCRResponseIgnoresNestedChapter(t *testing.T) {
	// A lone chapter item is not the response object.
	res := parseOCRResponse(`{"chapters":[{"chapter_number":1,"title":"Cells"}`)

	assert.False(t, res.FoundJSON)
	assert.Empty(t, res.Chapters)
	assert.NotEmpty(t, res.Text)
}

func TestPartialJSONString(t *testing.T) {
	assert.Equal(t, "done", partialJSONString(`{"text" : "done", "x":1}`, "text"))
	assert.Equal(t, "half", partialJSONString(`{"content":"half`, "text", "content"))
	assert.Equal(t, "😀", partialJSONString(`{"text":"\ud83d\ude00`, "text"))
	assert.Equal(t, "", partialJSONString(`{"text": 12}`, "text"))
	assert.Equal(t, "b", partialJSONString(`{"text":"","full_text":"b"}`, "text", "full_text"))
}
