package main

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStatic(t *testing.T, cacheEntries int) (*StaticFile, string) {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "public")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "css"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>home</h1>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "css", "site.css"), []byte("body{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "LICENSE"), []byte("MIT"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "secret.txt"), []byte("hunter2"), 0o644))

	log, _ := logtest.NewNullLogger()
	s := NewStaticFile(dir, cacheEntries, log)
	s.now = func() time.Time { return time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC) }
	return s, dir
}

func callStatic(t *testing.T, s *StaticFile, path string) (*Response, string) {
	t.Helper()
	resp, err := s.Call(Env{EnvRequestMethod: "GET", EnvPathInfo: path})
	require.NoError(t, err)
	require.NotNil(t, resp)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestStaticFileServesFile(t *testing.T) {
	s, _ := newTestStatic(t, 0)

	resp, body := callStatic(t, s, "/index.html")
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "text/html", resp.Header["Content-Type"])
	assert.Equal(t, "13", resp.Header["Content-Length"])
	assert.Equal(t, "Mon, 06 May 2024 07:08:09 GMT", resp.Header["Date"])
	assert.Equal(t, "<h1>home</h1>", body)
}

func TestStaticFileContentTypes(t *testing.T) {
	s, _ := newTestStatic(t, 0)

	resp, _ := callStatic(t, s, "/css/site.css")
	assert.Equal(t, "text/css", resp.Header["Content-Type"])

	resp, body := callStatic(t, s, "/LICENSE")
	assert.Equal(t, "application/octet-stream", resp.Header["Content-Type"])
	assert.Equal(t, "MIT", body)
}

func TestStaticFileNotFound(t *testing.T) {
	s, _ := newTestStatic(t, 0)

	for _, path := range []string{"/missing.html", "/", "", "/css", "/../secret.txt", "/css/../../secret.txt"} {
		t.Run(strconv.Quote(path), func(t *testing.T) {
			resp, body := callStatic(t, s, path)
			assert.Equal(t, 404, resp.Status)
			assert.Equal(t, "text/plain; charset=utf-8", resp.Header["Content-Type"])
			assert.Equal(t, strconv.Itoa(len(notFoundBody)), resp.Header["Content-Length"])
			assert.Equal(t, "File not found", body)
			assert.NotEmpty(t, resp.Header["Date"])
		})
	}
}

func TestStaticFileCache(t *testing.T) {
	s, dir := newTestStatic(t, 8)
	require.NotNil(t, s.Cache)

	_, body := callStatic(t, s, "/index.html")
	assert.Equal(t, "<h1>home</h1>", body)
	n, _ := s.Cache.Stats()
	assert.Equal(t, 1, n)

	// A rewritten file with a new modification time is read again.
	file := filepath.Join(dir, "index.html")
	require.NoError(t, os.WriteFile(file, []byte("<h1>new</h1>"), 0o644))
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(file, later, later))

	resp, body := callStatic(t, s, "/index.html")
	assert.Equal(t, "<h1>new</h1>", body)
	assert.Equal(t, "12", resp.Header["Content-Length"])
}

func TestStaticFileWithoutCache(t *testing.T) {
	s, _ := newTestStatic(t, 0)
	assert.Nil(t, s.Cache)
}
