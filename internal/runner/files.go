package runner

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/seantiz/validator/internal/envelope"
	"github.com/seantiz/validator/internal/storage"
)

// StagedFile is a resource file downloaded into the work directory.
type StagedFile struct {
	envelope.ResourceFile
	Path      string
	SizeBytes int64
}

// StageFiles downloads files into dir, keeping their names. Names that would
// escape dir are rejected.
func StageFiles(ctx context.Context, st Storage, files []envelope.ResourceFile, dir string) ([]StagedFile, error) {
	staged := make([]StagedFile, 0, len(files))
	for _, f := range files {
		if err := validatePath(dir, f.Name); err != nil {
			return nil, fmt.Errorf("stage %s: %w", f.Name, err)
		}
		dest := filepath.Join(dir, filepath.FromSlash(f.Name))
		n, err := st.Download(ctx, f.URI, dest)
		if err != nil {
			return nil, fmt.Errorf("stage %s (role %s): %w", f.Name, f.Role, err)
		}
		staged = append(staged, StagedFile{ResourceFile: f, Path: dest, SizeBytes: n})
	}
	return staged, nil
}

// ByRole returns the first staged file with role, if any.
func ByRole(files []StagedFile, role string) (StagedFile, bool) {
	for _, f := range files {
		if f.Role == role {
			return f, true
		}
	}
	return StagedFile{}, false
}

// validatePath checks that joining baseDir with relPath stays within baseDir.
func validatePath(baseDir, relPath string) error {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return fmt.Errorf("resolve base dir: %w", err)
	}
	cleaned := filepath.Clean(filepath.Join(absBase, relPath))
	if !strings.HasPrefix(cleaned, absBase+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes work directory", relPath)
	}
	return nil
}

// ArtifactClassifier maps a published file name to an artifact type and MIME
// type. An empty type falls back to "file"; an empty MIME type to a guess
// from the extension.
type ArtifactClassifier func(name string) (artifactType, mimeType string)

// OutputsDir is the prefix under the execution bundle that receives the
// work directory.
const OutputsDir = "outputs"

// PublishWorkDir uploads every file under workDir to <bundleURI>/outputs and
// returns the uploaded files as artifacts plus a raw_outputs manifest
// pointer.
func PublishWorkDir(ctx context.Context, st Storage, workDir, bundleURI string, classify ArtifactClassifier) ([]envelope.Artifact, *envelope.RawOutputs, error) {
	if bundleURI == "" {
		return nil, nil, fmt.Errorf("publish work dir: empty bundle URI")
	}
	manifest, err := st.UploadDirectory(ctx, workDir, storage.Join(bundleURI, OutputsDir))
	if err != nil {
		return nil, nil, fmt.Errorf("publish work dir: %w", err)
	}

	artifacts := make([]envelope.Artifact, 0, len(manifest.Files))
	for _, f := range manifest.Files {
		var typ, mimeType string
		if classify != nil {
			typ, mimeType = classify(f.Name)
		}
		if typ == "" {
			typ = "file"
		}
		if mimeType == "" {
			mimeType = storage.ContentType(f.Name)
		}
		artifacts = append(artifacts, envelope.Artifact{
			Name:      f.Name,
			Type:      typ,
			MimeType:  mimeType,
			URI:       f.URI,
			SizeBytes: f.SizeBytes,
		})
	}
	return artifacts, &envelope.RawOutputs{Format: manifest.Format, ManifestURI: manifest.ManifestURI}, nil
}
