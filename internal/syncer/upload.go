package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/samber/lo"
	"github.com/tabdeck/tabdeck/internal/content"
	"github.com/tabdeck/tabdeck/internal/errors"
	"github.com/tabdeck/tabdeck/internal/models"
	"github.com/tidwall/gjson"
)

// UploadResult reports what an upload did.
type UploadResult struct {
	// Skipped is true when the remote already held an identical payload
	// and nothing was uploaded.
	Skipped bool

	PayloadHash    string
	AssetsUploaded int
	AssetsFailed   int
}

// Upload pushes the full local state to the remote store. The sequence
// is not resumable: any failure aborts the upload and no partial remote
// state is treated as committed. Individual asset failures are logged
// and tolerated; the envelope is uploaded last so a valid remote
// envelope always implies its assets were already attempted.
//
// force skips the conflict probe and overwrites whatever is remote.
func (s *Syncer) Upload(ctx context.Context, force bool) (*UploadResult, error) {
	if s.remote == nil {
		return nil, errors.ErrMissingCredentials
	}

	if !s.inFlight.CompareAndSwap(false, true) {
		return nil, errors.ErrSyncInFlight
	}
	defer s.inFlight.Store(false)

	// Canonical payload: settings minus credentials plus the compacted
	// apps array.
	settings := s.repo.Settings().WithoutCredentials()
	apps := s.repo.Apps()

	hash, err := content.PayloadHash(settings, apps)
	if err != nil {
		return nil, fmt.Errorf("hashing payload: %w", err)
	}

	originID, err := s.repo.OriginID()
	if err != nil {
		return nil, err
	}

	envelope := models.Envelope{
		SchemaVersion: models.SchemaVersion,
		UpdatedAt:     s.now().UnixMilli(),
		OriginID:      originID,
		PayloadHash:   hash,
		Settings:      settings,
		Apps:          lo.ToSlicePtr(apps),
	}

	if !force {
		skip, err := s.probeConflict(ctx, hash, envelope.UpdatedAt)
		if err != nil {
			return nil, err
		}

		if skip {
			s.logger.Info("remote payload identical, upload skipped", slog.String("hash", hash))
			return &UploadResult{Skipped: true, PayloadHash: hash}, nil
		}
	}

	result := &UploadResult{PayloadHash: hash}

	for _, a := range s.enumerateAssets(settings, apps) {
		if err := s.remote.Upload(ctx, a.remoteName(), a.data, a.contentType); err != nil {
			// Best effort: a missing asset is tolerated on download.
			s.logger.Warn("asset upload failed",
				slog.String("name", a.remoteName()),
				slog.String("error", err.Error()),
			)

			result.AssetsFailed++

			continue
		}

		result.AssetsUploaded++
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}

	if err := s.remote.Upload(ctx, envelopeName, data, "application/json"); err != nil {
		return nil, fmt.Errorf("uploading envelope: %w", err)
	}

	s.logger.Info("upload complete",
		slog.String("hash", hash),
		slog.Int("assets_uploaded", result.AssetsUploaded),
		slog.Int("assets_failed", result.AssetsFailed),
	)

	return result, nil
}

// probeConflict downloads the remote envelope, if present, and compares
// it with the local payload. Returns skip=true when the remote hash is
// identical. A newer remote with a different hash is logged and then
// overwritten: last writer wins.
func (s *Syncer) probeConflict(ctx context.Context, localHash string, localUpdatedAt int64) (skip bool, err error) {
	body, err := s.remote.Download(ctx, envelopeName)
	if err != nil {
		return false, fmt.Errorf("probing remote envelope: %w", err)
	}

	if body == nil {
		return false, nil
	}

	remoteHash := gjson.GetBytes(body, "payloadHash").String()
	if remoteHash == localHash {
		return true, nil
	}

	remoteUpdatedAt := gjson.GetBytes(body, "updatedAt").Int()
	if remoteUpdatedAt > localUpdatedAt {
		s.logger.Warn("overwriting newer remote data",
			slog.Int64("remote_updated_at", remoteUpdatedAt),
			slog.Int64("local_updated_at", localUpdatedAt),
			slog.String("remote_origin", gjson.GetBytes(body, "originId").String()),
		)
	}

	return false, nil
}
