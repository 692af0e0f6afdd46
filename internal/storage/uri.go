package storage

import (
	"fmt"
	"strings"
)

// Supported URI scheme prefixes. The prefix is the only dispatch key.
const (
	SchemeGCS  = "gs://"
	SchemeS3   = "s3://"
	SchemeFile = "file://"
)

// Location is a parsed storage URI.
type Location struct {
	Scheme string // one of the Scheme* prefixes
	Bucket string // empty for file://
	Key    string // object key for cloud schemes
	Path   string // absolute filesystem path for file://
}

// String reassembles the URI.
func (l Location) String() string {
	if l.Scheme == SchemeFile {
		return SchemeFile + l.Path
	}
	return l.Scheme + l.Bucket + "/" + l.Key
}

// Parse splits uri into its scheme and object coordinates.
func Parse(uri string) (Location, error) {
	switch {
	case strings.HasPrefix(uri, SchemeFile):
		path := strings.TrimPrefix(uri, SchemeFile)
		if !strings.HasPrefix(path, "/") {
			return Location{}, fmt.Errorf("%w: file URI must hold an absolute path: %q", ErrInvalidURI, uri)
		}
		return Location{Scheme: SchemeFile, Path: path}, nil
	case strings.HasPrefix(uri, SchemeGCS):
		return parseObject(SchemeGCS, uri)
	case strings.HasPrefix(uri, SchemeS3):
		return parseObject(SchemeS3, uri)
	default:
		return Location{}, fmt.Errorf("%w: %q (supported: gs://, s3://, file://)", ErrUnsupportedScheme, uri)
	}
}

func parseObject(scheme, uri string) (Location, error) {
	bucket, key, ok := strings.Cut(strings.TrimPrefix(uri, scheme), "/")
	if !ok || bucket == "" || key == "" {
		return Location{}, fmt.Errorf("%w: missing bucket or object path: %q", ErrInvalidURI, uri)
	}
	return Location{Scheme: scheme, Bucket: bucket, Key: key}, nil
}

// Sibling returns the URI of an object named name in the same directory
// (or key prefix) as uri, keeping the scheme.
func Sibling(uri, name string) (string, error) {
	if _, err := Parse(uri); err != nil {
		return "", err
	}
	idx := strings.LastIndex(uri, "/")
	return uri[:idx+1] + name, nil
}

// Join appends a slash-separated relative path to a base URI.
func Join(base, rel string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(rel, "/")
}
