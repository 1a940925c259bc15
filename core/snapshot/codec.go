package snapshot

import (
	"io"

	"github.com/pierrec/lz4/v4"
)

// codecName is recorded in every manifest's "codec" field (spec §6).
const codecName = "lz4"

// countingWriter tracks the number of bytes actually written to the
// wrapped writer, used to measure compressed size regardless of how much
// plaintext the encoder consumed per call.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// compressTo streams src through an LZ4 encoder into dst, returning the
// number of compressed bytes written to dst.
func compressTo(dst io.Writer, src io.Reader) (int64, error) {
	cw := &countingWriter{w: dst}
	zw := lz4.NewWriter(cw)
	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		return cw.n, err
	}
	if err := zw.Close(); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

// decompressFrom streams an LZ4-encoded src into dst.
func decompressFrom(dst io.Writer, src io.Reader) error {
	zr := lz4.NewReader(src)
	_, err := io.Copy(dst, zr)
	return err
}
