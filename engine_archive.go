package syncengine

import (
	"context"
	"fmt"

	"github.com/shivay00001/sqlite-sync-core/internal/archive"
	"github.com/shivay00001/sqlite-sync-core/internal/security"
)

// ArchiveBundle uploads a generated bundle file to the configured S3 target,
// sealing it first if Archive.EncryptAtRest is set. A no-op error if
// archival was never enabled in Config.
func (e *Engine) ArchiveBundle(ctx context.Context, bundlePath, bundleID string) error {
	ar, err := e.buildArchiver(ctx)
	if err != nil {
		return err
	}
	return ar.UploadBundle(ctx, bundlePath, bundleID)
}

// FetchArchivedBundle downloads a previously archived bundle to destPath,
// opening it first if it was sealed at upload time.
func (e *Engine) FetchArchivedBundle(ctx context.Context, bundleID, destPath string) error {
	ar, err := e.buildArchiver(ctx)
	if err != nil {
		return err
	}
	return ar.FetchBundle(ctx, bundleID, destPath)
}

func (e *Engine) buildArchiver(ctx context.Context) (*archive.Archiver, error) {
	if !e.Config.Archive.Enabled {
		return nil, fmt.Errorf("syncengine: bundle archival is not enabled in config")
	}
	return archive.New(ctx, archive.Config{
		Bucket: e.Config.Archive.Bucket,
		Region: e.Config.Archive.Region,
		Prefix: e.Config.Archive.Prefix,
		Encryption: security.Config{
			Enabled:    e.Config.Archive.EncryptAtRest,
			Passphrase: e.Config.Archive.EncryptionPassword,
		},
	})
}
