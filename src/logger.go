package main

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LogEntry represents a single access log entry
type LogEntry struct {
	ClientAddr string
	Method     string
	Target     string
	Status     int
	BytesOut   int64
	Duration   time.Duration
	WorkerID   int // -1 when served inline on the loop
}

// NewLogger creates the process logger. An empty filePath logs to stdout;
// otherwise output goes to a file rotated at maxSizeMB. The returned closer
// releases the file.
func NewLogger(filePath string, maxSizeMB int, level string) (*logrus.Logger, io.Closer, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level: %w", err)
	}

	log := logrus.New()
	log.SetLevel(lvl)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	if filePath == "" {
		log.SetOutput(os.Stdout)
		return log, io.NopCloser(nil), nil
	}

	file, err := openLogFile(filePath, maxSizeMB)
	if err != nil {
		return nil, nil, err
	}
	log.SetOutput(file)
	return log, file, nil
}

// logAccess writes one access log line
func logAccess(log logrus.FieldLogger, entry LogEntry) {
	log.WithFields(logrus.Fields{
		"client":   entry.ClientAddr,
		"method":   entry.Method,
		"target":   entry.Target,
		"status":   entry.Status,
		"bytes":    entry.BytesOut,
		"duration": entry.Duration.String(),
		"worker":   entry.WorkerID,
	}).Info("request served")
}

// logFile is a size-rotated log destination, safe for concurrent writers
type logFile struct {
	file        *os.File
	mu          sync.Mutex
	maxSizeMB   int
	currentSize int64
	filePath    string
}

func openLogFile(filePath string, maxSizeMB int) (*logFile, error) {
	file, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	// Get current file size
	var size int64
	if info, err := file.Stat(); err == nil {
		size = info.Size()
	}

	return &logFile{
		file:        file,
		maxSizeMB:   maxSizeMB,
		currentSize: size,
		filePath:    filePath,
	}, nil
}

// Write appends p, rotating first when the file has reached its size limit
func (l *logFile) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	maxSizeBytes := int64(l.maxSizeMB) * 1024 * 1024
	if maxSizeBytes > 0 && l.currentSize >= maxSizeBytes {
		l.rotate()
	}

	n, err := l.file.Write(p)
	l.currentSize += int64(n)
	return n, err
}

// rotate closes the current log file and opens a new one
func (l *logFile) rotate() {
	l.file.Close()

	// Rename old file with timestamp
	timestamp := time.Now().Format("20060102-150405")
	oldPath := fmt.Sprintf("%s.%s", l.filePath, timestamp)
	os.Rename(l.filePath, oldPath)

	// Open new file
	file, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err == nil {
		l.file = file
		l.currentSize = 0
	}
}

// Close closes the log file
func (l *logFile) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
