package objectclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObjects struct {
	bucket, key string
}

func (f *fakeObjects) UploadFile(context.Context, string, io.Reader, string) (string, error) {
	return "", nil
}

func (f *fakeObjects) DeleteFile(context.Context, string) error { return nil }

func (f *fakeObjects) GetFile(_ context.Context, bucket, key string) ([]byte, error) {
	f.bucket, f.key = bucket, key
	return []byte("%PDF-s3"), nil
}

func TestParseS3URL(t *testing.T) {
	cases := []struct {
		in          string
		bucket, key string
		ok          bool
	}{
		{"s3://books/library/a.pdf", "books", "library/a.pdf", true},
		{"https://books.s3.ap-south-1.amazonaws.com/users/u/a%20b.pdf", "books", "users/u/a b.pdf", true},
		{"https://books.s3-ap-south-1.amazonaws.com/k.pdf", "books", "k.pdf", true},
		{"https://example.com/book.pdf", "", "", false},
		{"s3://books", "", "", false},
		{"::bad", "", "", false},
	}
	for _, tc := range cases {
		b, k, ok := parseS3URL(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		if tc.ok {
			assert.Equal(t, tc.bucket, b, tc.in)
			assert.Equal(t, tc.key, k, tc.in)
		}
	}
}

func TestFetchRoutesS3ToObjectClient(t *testing.T) {
	objs := &fakeObjects{}
	f := NewURLFetcher(objs, nil, 0)

	data, err := f.Fetch(context.Background(), "s3://books/a.pdf")
	require.NoError(t, err)
	assert.Equal(t, "%PDF-s3", string(data))
	assert.Equal(t, "books", objs.bucket)
	assert.Equal(t, "a.pdf", objs.key)
}

func TestFetchHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.pdf" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("%PDF-1.4 0123456789"))
	}))
	defer srv.Close()

	f := NewURLFetcher(nil, srv.Client(), 0)
	data, err := f.Fetch(context.Background(), srv.URL+"/book.pdf")
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 0123456789", string(data))

	_, err = f.Fetch(context.Background(), srv.URL+"/missing.pdf")
	assert.ErrorContains(t, err, "status 404")

	capped := NewURLFetcher(nil, srv.Client(), 8)
	_, err = capped.Fetch(context.Background(), srv.URL+"/book.pdf")
	assert.ErrorContains(t, err, "larger than 8 bytes")
}
