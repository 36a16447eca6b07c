package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/eddielth/airmesh/logger"
)

// FileStorage appends records as JSON lines, one file per node and UTC day
type FileStorage struct {
	basePath string
	mu       sync.Mutex
}

// NewFileStorage creates the base directory and returns the backend
func NewFileStorage(basePath string) (*FileStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create dir %s failed: %v", basePath, err)
	}

	logger.Info("Init file storage: %s", basePath)
	return &FileStorage{
		basePath: basePath,
	}, nil
}

// Path returns the file a record is appended to
func (fs *FileStorage) Path(rec Record) string {
	day := rec.RecordedAt.UTC().Format("20060102")
	return filepath.Join(fs.basePath, rec.Node.String(), day+".jsonl")
}

// Store appends the record to its day file
func (fs *FileStorage) Store(rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("serialize record failed: %v", err)
	}
	line = append(line, '\n')

	filename := fs.Path(rec)

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return fmt.Errorf("create dir %s failed: %v", filepath.Dir(filename), err)
	}

	f, err := os.OpenFile(filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open file %s failed: %v", filename, err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("write file %s failed: %v", filename, err)
	}

	logger.Debug("Stored record to file: %s", filename)
	return nil
}

// Close implements StorageBackend
func (fs *FileStorage) Close() error {
	return nil
}
