package runner

import (
	"github.com/seantiz/validator/internal/location"
	"github.com/seantiz/validator/internal/storage"
)

// CommonEnvVars documents the variables every validator container reads.
func CommonEnvVars() []EnvVar {
	return []EnvVar{
		{Name: location.EnvInputURI, Description: "Storage URI of the input envelope (gs://, s3:// or file://)", Required: true},
		{Name: location.EnvOutputURI, Description: "Storage URI for the output envelope; derived from the input URI if unset"},
		{Name: location.EnvRunID, Description: "Run id for logging and tracing"},
	}
}

// SupportedStorage lists the URI schemes the storage client understands.
func SupportedStorage() []string {
	return []string{storage.SchemeGCS, storage.SchemeS3, storage.SchemeFile}
}
