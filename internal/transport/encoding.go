package transport

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zstd"
)

// EncodingZstd is the Content-Encoding value for zstd-compressed bodies.
const EncodingZstd = "zstd"

// compressBody reads r fully and returns its zstd encoding.
func compressBody(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	encoder, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(encoder, r); err != nil {
		encoder.Close()
		return nil, err
	}
	if err := encoder.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecompressBody reverses compressBody, refusing output larger than limit
// bytes when limit is positive.
func DecompressBody(r io.Reader, limit int64) ([]byte, error) {
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	var src io.Reader = decoder
	if limit > 0 {
		src = io.LimitReader(decoder, limit)
	}
	return io.ReadAll(src)
}
