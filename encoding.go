package vtl

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"
)

// DefaultEncoding is used when neither the caller nor input.encoding names one.
const DefaultEncoding = "UTF-8"

// lookupEncoding resolves an IANA charset name. A nil Encoding means UTF-8,
// which needs no transcoding.
func lookupEncoding(label string) (encoding.Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "", "utf-8", "utf8":
		return nil, nil
	}
	enc, err := ianaindex.IANA.Encoding(label)
	if err != nil || enc == nil {
		return nil, fmt.Errorf("unsupported encoding %q", label)
	}
	return enc, nil
}

func decode(data []byte, label string) (string, error) {
	enc, err := lookupEncoding(label)
	if err != nil {
		return "", err
	}
	if enc == nil {
		return string(data), nil
	}
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", label, err)
	}
	return string(out), nil
}

func decodeReader(r io.Reader, label string) (io.Reader, error) {
	enc, err := lookupEncoding(label)
	if err != nil {
		return nil, err
	}
	if enc == nil {
		return r, nil
	}
	return transform.NewReader(r, enc.NewDecoder()), nil
}

// encodeWriter wraps w so UTF-8 output is transcoded to label.
// The returned close func flushes pending bytes and must be called.
func encodeWriter(w io.Writer, label string) (io.Writer, func() error, error) {
	enc, err := lookupEncoding(label)
	if err != nil {
		return nil, nil, err
	}
	if enc == nil {
		return w, func() error { return nil }, nil
	}
	tw := transform.NewWriter(w, enc.NewEncoder())
	return tw, tw.Close, nil
}
