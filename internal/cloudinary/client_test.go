package cloudinary

import (
	"context"
	"crypto/sha1"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignMatchesCloudinaryRules(t *testing.T) {
	c := New("demo", "key", "secret", "")
	got := c.sign(map[string]string{"timestamp": "100", "folder": "docs", "api_key": "key", "public_id": ""})
	want := fmt.Sprintf("%x", sha1.Sum([]byte("folder=docs&timestamp=100secret")))
	assert.Equal(t, want, got)
}

func TestUpload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/demo/auto/upload", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "key", r.FormValue("api_key"))
		assert.Equal(t, "justifications", r.FormValue("folder"))
		assert.Equal(t, "s1-alice", r.FormValue("public_id"))
		assert.NotEmpty(t, r.FormValue("signature"))
		f, _, err := r.FormFile("file")
		require.NoError(t, err)
		data, _ := io.ReadAll(f)
		assert.Equal(t, "%PDF-1.4", string(data))
		_, _ = w.Write([]byte(`{"public_id":"justifications/s1-alice","secure_url":"https://res.example/doc.pdf","resource_type":"image","format":"pdf","bytes":8}`))
	}))
	defer srv.Close()

	c := New("demo", "key", "secret", "justifications")
	c.BaseURL = srv.URL
	c.now = func() time.Time { return time.Unix(1700000000, 0) }

	res, err := c.Upload(context.Background(), []byte("%PDF-1.4"), "note.pdf", "s1-alice")
	require.NoError(t, err)
	assert.Equal(t, "https://res.example/doc.pdf", res.SecureURL)
}

func TestUploadSurfacesErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"Invalid Signature"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New("demo", "key", "bad", "")
	c.BaseURL = srv.URL
	_, err := c.Upload(context.Background(), []byte("x"), "x.png", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}
