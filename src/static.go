package main

import (
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const httpDateFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

const notFoundBody = "File not found"

// defaultMIME maps file extensions to content types
var defaultMIME = map[string]string{
	"jpg":  "image/jpg",
	"jpeg": "image/jpg",
	"ico":  "image/webp",
	"png":  "image/png",
	"gif":  "image/gif",
	"html": "text/html",
	"css":  "text/css",
	"js":   "application/js",
}

// StaticFile serves files below BaseDir, looked up by PATH_INFO.
type StaticFile struct {
	BaseDir string
	MIME    map[string]string
	// Cache is optional
	Cache *FileCache
	Log   logrus.FieldLogger

	now func() time.Time
}

// NewStaticFile creates a static file handler rooted at baseDir. A
// cacheEntries of 0 disables the content cache.
func NewStaticFile(baseDir string, cacheEntries int, log logrus.FieldLogger) *StaticFile {
	s := &StaticFile{
		BaseDir: baseDir,
		MIME:    defaultMIME,
		Log:     log.WithField("component", "static"),
		now:     time.Now,
	}
	if cacheEntries > 0 {
		s.Cache = NewFileCache(cacheEntries)
	}
	return s
}

func (s *StaticFile) Call(env Env) (*Response, error) {
	header := map[string]string{
		"Date": s.now().UTC().Format(httpDateFormat),
	}

	filename, ok := s.resolve(env.String(EnvPathInfo))
	if !ok {
		return s.notFound(header), nil
	}
	info, err := os.Stat(filename)
	if err != nil || !info.Mode().IsRegular() {
		return s.notFound(header), nil
	}

	entry, err := s.load(filename, info)
	if err != nil {
		s.Log.WithError(err).WithField("file", filename).Warn("failed to read file")
		return s.notFound(header), nil
	}

	header["Content-Type"] = entry.ContentType
	header["Content-Length"] = strconv.Itoa(len(entry.Body))
	return NewResponse(200, header, entry.Body), nil
}

// resolve maps a request path to a file name below BaseDir. Cleaning the
// rooted path removes any ".." that would climb out of it.
func (s *StaticFile) resolve(reqPath string) (string, bool) {
	if reqPath == "" {
		return "", false
	}
	clean := path.Clean("/" + reqPath)
	if clean == "/" {
		return "", false
	}
	return filepath.Join(s.BaseDir, filepath.FromSlash(clean)), true
}

func (s *StaticFile) load(filename string, info os.FileInfo) (*FileEntry, error) {
	if s.Cache != nil {
		if entry, ok := s.Cache.Get(filename, info.ModTime()); ok {
			return entry, nil
		}
	}

	body, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	entry := &FileEntry{
		Body:        body,
		ContentType: s.contentType(filename),
		ModTime:     info.ModTime(),
	}
	if s.Cache != nil {
		s.Cache.Put(filename, entry)
	}
	return entry, nil
}

func (s *StaticFile) contentType(filename string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if ct, ok := s.MIME[ext]; ok {
		return ct
	}
	return "application/octet-stream"
}

func (s *StaticFile) notFound(header map[string]string) *Response {
	header["Content-Type"] = "text/plain; charset=utf-8"
	header["Content-Length"] = strconv.Itoa(len(notFoundBody))
	return NewResponse(404, header, []byte(notFoundBody))
}
