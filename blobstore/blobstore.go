package blobstore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("blobstore: object not found")

// Store is the blob storage used for uploaded spreadsheets.
type Store interface {
	Upload(ctx context.Context, bucket, key string, body []byte, contentType string) (string, error)
	Download(ctx context.Context, bucket, key string) ([]byte, error)
	URL(bucket, key string) string
}

// Checksum returns the hex xxhash64 digest of body.
func Checksum(body []byte) string {
	digest := xxhash.New()
	digest.Write(body)
	return hex.EncodeToString(digest.Sum(nil))
}

// ImportKey builds the object key for an uploaded import file.
func ImportKey(prefix, bankID, importID, fileName string) string {
	ext := strings.ToLower(path.Ext(fileName))
	if ext == "" {
		ext = ".bin"
	}
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return fmt.Sprintf("%s%s/%s%s", prefix, sanitizeSegment(bankID), sanitizeSegment(importID), ext)
}

// DetectContentType sniffs at most the first 512 bytes of data.
func DetectContentType(data []byte) string {
	if len(data) == 0 {
		return "application/octet-stream"
	}
	if len(data) > 512 {
		return http.DetectContentType(data[:512])
	}
	return http.DetectContentType(data)
}

func sanitizeSegment(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	replacer := strings.NewReplacer(" ", "_", "/", "_", "\\", "_")
	return replacer.Replace(s)
}
