package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
)

// ManifestName is the file name of the directory manifest written by
// UploadDirectory.
const ManifestName = "manifest.json"

// ManifestFile describes one uploaded file.
type ManifestFile struct {
	Name      string `json:"name"`
	URI       string `json:"uri"`
	SizeBytes int64  `json:"size_bytes"`
}

// Manifest lists the files uploaded from a directory.
type Manifest struct {
	Format     string         `json:"format"`
	BaseURI    string         `json:"base_uri"`
	Files      []ManifestFile `json:"files"`
	TotalFiles int            `json:"total_files"`
	TotalBytes int64          `json:"total_bytes"`

	// ManifestURI is where the manifest itself was written.
	ManifestURI string `json:"-"`
}

// Download fetches uri and writes it to destPath, creating parent directories.
// It returns the number of bytes written.
func (c *Client) Download(ctx context.Context, uri, destPath string) (int64, error) {
	data, err := c.Fetch(ctx, uri)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return 0, fmt.Errorf("create parent dir: %w", err)
	}
	if err := os.WriteFile(destPath, data, 0o644); err != nil {
		return 0, fmt.Errorf("write %s: %w", destPath, err)
	}
	return int64(len(data)), nil
}

// UploadDirectory uploads every regular file under dir to baseURI/<relative
// path> and writes a manifest.json listing them next to the files.
func (c *Client) UploadDirectory(ctx context.Context, dir, baseURI string) (Manifest, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return Manifest{}, fmt.Errorf("stat source dir: %w", err)
	}
	if !info.IsDir() {
		return Manifest{}, fmt.Errorf("source %s is not a directory", dir)
	}

	m := Manifest{Format: "directory", BaseURI: Join(baseURI, "")}

	var paths []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return Manifest{}, fmt.Errorf("walk %s: %w", dir, err)
	}
	sort.Strings(paths)

	for _, path := range paths {
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return Manifest{}, fmt.Errorf("relative path for %s: %w", path, err)
		}
		rel = filepath.ToSlash(rel)

		data, err := os.ReadFile(path)
		if err != nil {
			return Manifest{}, fmt.Errorf("read %s: %w", path, err)
		}
		uri := Join(baseURI, rel)
		if err := c.Put(ctx, uri, data, ContentType(rel)); err != nil {
			return Manifest{}, err
		}

		m.Files = append(m.Files, ManifestFile{Name: rel, URI: uri, SizeBytes: int64(len(data))})
		m.TotalBytes += int64(len(data))
	}
	m.TotalFiles = len(m.Files)
	if m.Files == nil {
		m.Files = []ManifestFile{}
	}

	body, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return Manifest{}, fmt.Errorf("marshal manifest: %w", err)
	}
	m.ManifestURI = Join(baseURI, ManifestName)
	if err := c.Put(ctx, m.ManifestURI, body, "application/json"); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// ContentType guesses a MIME type from a file name, falling back to
// application/octet-stream.
func ContentType(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
