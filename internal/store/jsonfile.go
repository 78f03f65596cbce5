package store

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

var _ ObservationSink = (*JSONFileSink)(nil)

// JSONFileSink writes one JSON document per observation date under
// <DataDir>/observations/<YYYY>/<YYYY-MM-DD>.json.
type JSONFileSink struct {
	documentSink
	DataDir string
}

// NewJSONFileSink creates a sink rooted at dataDir.
func NewJSONFileSink(dataDir string) *JSONFileSink {
	s := &JSONFileSink{DataDir: dataDir}
	s.blobs = fileBlobs{}
	s.key = func(date string) string {
		return filepath.Join(dataDir, "observations", date[:4], date+".json")
	}
	return s
}

func (s *JSONFileSink) Close() error { return nil }

// fileBlobs stores documents as local files, replaced atomically.
type fileBlobs struct{}

func (fileBlobs) get(_ context.Context, path string) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (fileBlobs) put(_ context.Context, path string, data []byte) error {
	return WriteFileAtomic(path, data)
}

// WriteFileAtomic writes data to a temp file beside path and renames it into
// place.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
