package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"codebattle/internal/battle/model"
	"codebattle/internal/common/storage"
	appErr "codebattle/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

const (
	archiveContentType   = "application/zstd"
	defaultArchivePrefix = "battle/archive"
	maxArchiveBytes      = 16 << 20
)

// ArchivedMatch is the stored form of a finished match: one snapshot per
// player so each keeps its own visibility.
type ArchivedMatch struct {
	RoomID     string                    `json:"room_id"`
	Mode       string                    `json:"mode"`
	Players    [2]string                 `json:"players"`
	Snapshots  map[string]model.Snapshot `json:"snapshots"`
	Settlement *model.SettlementRecord   `json:"settlement,omitempty"`
}

// ArchiveRepository stores finished matches as zstd-compressed JSON objects.
type ArchiveRepository struct {
	storage storage.ObjectStorage
	bucket  string
	prefix  string
}

func NewArchiveRepository(objectStorage storage.ObjectStorage, bucket, prefix string) *ArchiveRepository {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = defaultArchivePrefix
	}
	return &ArchiveRepository{storage: objectStorage, bucket: bucket, prefix: prefix}
}

func (r *ArchiveRepository) objectKey(roomID string) string {
	return fmt.Sprintf("%s/%s.json.zst", r.prefix, roomID)
}

// Store uploads match.
func (r *ArchiveRepository) Store(ctx context.Context, match ArchivedMatch) error {
	raw, err := json.Marshal(match)
	if err != nil {
		return appErr.Wrapf(err, appErr.ArchiveFailed, "encode archive failed")
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return appErr.Wrapf(err, appErr.ArchiveFailed, "create zstd encoder failed")
	}
	compressed := enc.EncodeAll(raw, nil)
	_ = enc.Close()

	err = r.storage.PutObject(ctx, r.bucket, r.objectKey(match.RoomID), bytes.NewReader(compressed), int64(len(compressed)), archiveContentType)
	if err != nil {
		return appErr.Wrapf(err, appErr.ArchiveFailed, "upload archive failed")
	}
	return nil
}

// Load downloads the archive of roomID.
func (r *ArchiveRepository) Load(ctx context.Context, roomID string) (ArchivedMatch, error) {
	reader, err := r.storage.GetObject(ctx, r.bucket, r.objectKey(roomID))
	if err != nil {
		return ArchivedMatch{}, appErr.Wrapf(err, appErr.RoomNotFound, "archive not found")
	}
	defer reader.Close()

	dec, err := zstd.NewReader(reader, zstd.WithDecoderMaxMemory(maxArchiveBytes))
	if err != nil {
		return ArchivedMatch{}, appErr.Wrapf(err, appErr.ArchiveFailed, "create zstd decoder failed")
	}
	defer dec.Close()

	raw, err := io.ReadAll(io.LimitReader(dec, maxArchiveBytes))
	if err != nil {
		return ArchivedMatch{}, appErr.Wrapf(err, appErr.ArchiveFailed, "decompress archive failed")
	}
	var match ArchivedMatch
	if err := json.Unmarshal(raw, &match); err != nil {
		return ArchivedMatch{}, appErr.Wrapf(err, appErr.ArchiveFailed, "decode archive failed")
	}
	return match, nil
}

// Snapshot returns playerID's archived view of roomID.
func (r *ArchiveRepository) Snapshot(ctx context.Context, roomID, playerID string) (model.Snapshot, error) {
	match, err := r.Load(ctx, roomID)
	if err != nil {
		return model.Snapshot{}, err
	}
	snap, ok := match.Snapshots[playerID]
	if !ok {
		return model.Snapshot{}, appErr.New(appErr.NotRoomMember)
	}
	return snap, nil
}
