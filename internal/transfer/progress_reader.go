package transfer

import (
	"io"

	"github.com/openmined/syftdrop/internal/dropsdk"
)

// progressReader tracks bytes pulled from the payload by the http transport
type progressReader struct {
	reader    io.Reader
	read      int64
	onAdvance func(read int64)
}

func newProgressReader(r io.Reader, onAdvance func(read int64)) *progressReader {
	return &progressReader{
		reader:    dropsdk.CountingReader(r),
		onAdvance: onAdvance,
	}
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.read += int64(n)
		pr.onAdvance(pr.read)
	}
	return n, err
}
