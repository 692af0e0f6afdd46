package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		uri  string
		want Location
	}{
		{"gs://bucket/org/run/input.json", Location{Scheme: SchemeGCS, Bucket: "bucket", Key: "org/run/input.json"}},
		{"s3://bucket/input.json", Location{Scheme: SchemeS3, Bucket: "bucket", Key: "input.json"}},
		{"file:///app/storage/run/input.json", Location{Scheme: SchemeFile, Path: "/app/storage/run/input.json"}},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			got, err := Parse(tt.uri)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.uri, got.String())
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		uri  string
		want error
	}{
		{"http://example.com/input.json", ErrUnsupportedScheme},
		{"/abs/path/input.json", ErrUnsupportedScheme},
		{"", ErrUnsupportedScheme},
		{"gs://bucket-only", ErrInvalidURI},
		{"gs://bucket/", ErrInvalidURI},
		{"s3:///key", ErrInvalidURI},
		{"file://relative/path", ErrInvalidURI},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			_, err := Parse(tt.uri)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "error %v is not %v", err, tt.want)
		})
	}
}

func TestSibling(t *testing.T) {
	tests := []struct {
		uri  string
		want string
	}{
		{"gs://bucket/org/run/input.json", "gs://bucket/org/run/output.json"},
		{"s3://bucket/input.json", "s3://bucket/output.json"},
		{"file:///data/runs/r1/input.json", "file:///data/runs/r1/output.json"},
		{"file:///input.json", "file:///output.json"},
	}

	for _, tt := range tests {
		got, err := Sibling(tt.uri, "output.json")
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestSiblingRejectsBadURI(t *testing.T) {
	_, err := Sibling("ftp://host/input.json", "output.json")
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestJoin(t *testing.T) {
	assert.Equal(t, "gs://b/run/outputs/a.csv", Join("gs://b/run/outputs/", "a.csv"))
	assert.Equal(t, "gs://b/run/outputs/a.csv", Join("gs://b/run/outputs", "/a.csv"))
	assert.Equal(t, "file:///tmp/x/", Join("file:///tmp/x", ""))
}
