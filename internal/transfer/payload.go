package transfer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/openmined/syftdrop/internal/utils"
)

var ErrNotRegularFile = errors.New("transfer: not a regular file")

// Payload is the bytes plus metadata of one file to upload.
// Open is called once per transfer attempt.
type Payload struct {
	Name        string
	ContentType string
	Size        int64
	Open        func() (io.ReadCloser, error)
}

// FilePayload builds a payload backed by a file on disk
func FilePayload(path string) (*Payload, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("transfer: stat %q: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("transfer: %q: %w", path, ErrNotRegularFile)
	}

	name := filepath.Base(path)
	return &Payload{
		Name:        name,
		ContentType: utils.DetectContentType(name),
		Size:        info.Size(),
		Open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}, nil
}

// BytesPayload builds a payload from memory
func BytesPayload(name, contentType string, data []byte) *Payload {
	if contentType == "" {
		contentType = utils.DetectContentType(name)
	}
	return &Payload{
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}
