// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package compress encodes request bodies for the collector.
//
// The collector advertises which encodings it accepts. [Compressor]
// picks the strongest encoding both sides support, in the order zstd,
// gzip, lz4, base64, none. Binary codecs whose output is not smaller
// than the input fall back to none. [Decode] is the inverse, used by
// the mock collector and by tests.
package compress

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Encoding identifies a body encoding. The values appear on the wire
// as the compression query parameter.
type Encoding string

const (
	// None is the uncompressed JSON body.
	None Encoding = "none"

	// Base64 is the JSON body in standard base64.
	Base64 Encoding = "base64"

	// LZ4 is an LZ4 frame.
	LZ4 Encoding = "lz4"

	// Gzip is a gzip stream. The tag matches what browser SDKs send.
	Gzip Encoding = "gzip-js"

	// Zstd is a zstd frame.
	Zstd Encoding = "zstd"
)

// strength orders encodings from strongest to weakest.
var strength = []Encoding{Zstd, Gzip, LZ4, Base64, None}

// ParseEncoding parses an encoding tag. "gzip" is accepted as an alias
// for Gzip and the empty string for None.
func ParseEncoding(tag string) (Encoding, error) {
	switch tag {
	case "", "none":
		return None, nil
	case "base64":
		return Base64, nil
	case "lz4":
		return LZ4, nil
	case "gzip", "gzip-js":
		return Gzip, nil
	case "zstd":
		return Zstd, nil
	default:
		return "", fmt.Errorf("compress: unknown encoding %q", tag)
	}
}

// ContentType returns the Content-Type header for a body in encoding.
func ContentType(encoding Encoding) string {
	switch encoding {
	case None:
		return "application/json"
	case Base64:
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

// Encoded is an encoded request body.
type Encoded struct {
	Body     []byte
	Encoding Encoding
}

// Config configures a Compressor.
type Config struct {
	// Disabled makes Encode the identity function.
	Disabled bool

	Logger *slog.Logger
}

// Compressor chooses and applies body encodings. Safe for concurrent
// use.
type Compressor struct {
	disabled bool
	logger   *slog.Logger
}

// New creates a Compressor.
func New(config Config) *Compressor {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Compressor{disabled: config.Disabled, logger: logger}
}

// Choose returns the strongest encoding in advertised, or None.
func Choose(advertised []Encoding) Encoding {
	for _, candidate := range strength {
		for _, offered := range advertised {
			if offered == candidate {
				return candidate
			}
		}
	}
	return None
}

// Encode encodes payload with the strongest advertised encoding. A
// codec failure falls back to None and is logged.
func (c *Compressor) Encode(payload []byte, advertised []Encoding) Encoded {
	if c.disabled {
		return Encoded{Body: payload, Encoding: None}
	}
	encoding := Choose(advertised)
	body, err := encode(payload, encoding)
	if err != nil {
		if !errors.Is(err, errIncompressible) {
			c.logger.Warn("body encoding failed, sending uncompressed",
				"encoding", string(encoding),
				"error", err,
			)
		}
		return Encoded{Body: payload, Encoding: None}
	}
	return Encoded{Body: body, Encoding: encoding}
}

// errIncompressible is returned by a binary codec whose output is not
// smaller than its input.
var errIncompressible = errors.New("compress: data is incompressible")

func encode(payload []byte, encoding Encoding) ([]byte, error) {
	switch encoding {
	case None:
		return payload, nil
	case Base64:
		encoded := make([]byte, base64.StdEncoding.EncodedLen(len(payload)))
		base64.StdEncoding.Encode(encoded, payload)
		return encoded, nil
	case LZ4:
		return smaller(payload, encodeLZ4)
	case Gzip:
		return smaller(payload, encodeGzip)
	case Zstd:
		return smaller(payload, func(data []byte) ([]byte, error) {
			return zstdEncoder.EncodeAll(data, nil), nil
		})
	default:
		return nil, fmt.Errorf("compress: unsupported encoding %q", encoding)
	}
}

func smaller(payload []byte, codec func([]byte) ([]byte, error)) ([]byte, error) {
	compressed, err := codec(payload)
	if err != nil {
		return nil, err
	}
	if len(compressed) >= len(payload) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func encodeLZ4(data []byte) ([]byte, error) {
	var buffer bytes.Buffer
	writer := lz4.NewWriter(&buffer)
	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("compress: lz4: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("compress: lz4: %w", err)
	}
	return buffer.Bytes(), nil
}

func encodeGzip(data []byte) ([]byte, error) {
	var buffer bytes.Buffer
	writer := gzip.NewWriter(&buffer)
	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("compress: gzip: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("compress: gzip: %w", err)
	}
	return buffer.Bytes(), nil
}

// zstdEncoder and zstdDecoder are shared; both are safe for concurrent
// use through EncodeAll and DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("compress: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("compress: zstd decoder initialization failed: " + err.Error())
	}
}

// MaxDecodedSize bounds the output of Decode.
const MaxDecodedSize = 64 << 20

// Decode reverses Encode.
func Decode(body []byte, encoding Encoding) ([]byte, error) {
	switch encoding {
	case None:
		return body, nil
	case Base64:
		decoded := make([]byte, base64.StdEncoding.DecodedLen(len(body)))
		n, err := base64.StdEncoding.Decode(decoded, bytes.TrimSpace(body))
		if err != nil {
			return nil, fmt.Errorf("compress: base64: %w", err)
		}
		return decoded[:n], nil
	case LZ4:
		return readAllLimited(lz4.NewReader(bytes.NewReader(body)), "lz4")
	case Gzip:
		reader, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("compress: gzip: %w", err)
		}
		defer reader.Close()
		return readAllLimited(reader, "gzip")
	case Zstd:
		decoded, err := zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("compress: zstd: %w", err)
		}
		if len(decoded) > MaxDecodedSize {
			return nil, fmt.Errorf("compress: zstd: decoded body exceeds %d bytes", MaxDecodedSize)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("compress: unsupported encoding %q", encoding)
	}
}

func readAllLimited(reader io.Reader, name string) ([]byte, error) {
	decoded, err := io.ReadAll(io.LimitReader(reader, MaxDecodedSize+1))
	if err != nil {
		return nil, fmt.Errorf("compress: %s: %w", name, err)
	}
	if len(decoded) > MaxDecodedSize {
		return nil, fmt.Errorf("compress: %s: decoded body exceeds %d bytes", name, MaxDecodedSize)
	}
	return decoded, nil
}
