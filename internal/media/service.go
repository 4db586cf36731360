// Package media authorizes uploads into conversations and resolves stored
// paths to signed download URLs. Placement and size limits are decided here;
// the bytes themselves move directly between client and blob store.
package media

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pulsechat/pulse/internal/blob"
	apierrors "github.com/pulsechat/pulse/internal/errors"
	"github.com/pulsechat/pulse/internal/logger"
)

const (
	MaxImageBytes = 5 * 1024 * 1024
	MaxVideoBytes = 20 * 1024 * 1024

	uploadTTL   = 300 * time.Second
	downloadTTL = 3600 * time.Second
)

var imageMimes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

var videoMimes = map[string]bool{
	"video/mp4":       true,
	"video/quicktime": true,
	"video/webm":      true,
}

// Signer is the blob-store surface the service needs.
type Signer interface {
	SignedUploadURL(ctx context.Context, path string, ttl time.Duration) (*blob.SignedUpload, error)
	SignedDownloadURL(ctx context.Context, path string, ttl time.Duration) (string, error)
}

// MembershipChecker gates uploads on conversation membership.
type MembershipChecker interface {
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
}

type UploadInput struct {
	ConversationID string `json:"conversationId"`
	FileName       string `json:"fileName"`
	MimeType       string `json:"mimeType"`
	FileSize       int64  `json:"fileSize"`
}

type UploadGrant struct {
	UploadURL string `json:"uploadUrl"`
	FilePath  string `json:"filePath"`
	Token     string `json:"token"`
	MediaType string `json:"mediaType"`
	ExpiresIn int    `json:"expiresIn"`
}

type Service struct {
	signer  Signer
	members MembershipChecker
	logger  *logger.Logger
}

func NewService(signer Signer, members MembershipChecker, log *logger.Logger) *Service {
	return &Service{
		signer:  signer,
		members: members,
		logger:  log.WithComponent("media.service"),
	}
}

// RequestUploadURL authorizes one upload: membership, then mime class, then
// size bound, then a presigned PUT on a path scoped to the conversation.
func (s *Service) RequestUploadURL(ctx context.Context, actor string, input UploadInput) (*UploadGrant, error) {
	member, err := s.members.IsMember(ctx, input.ConversationID, actor)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, apierrors.E(apierrors.KindForbidden, "you are not a member of this conversation")
	}

	mediaType, limit, err := classify(input.MimeType)
	if err != nil {
		return nil, err
	}

	if input.FileSize <= 0 {
		return nil, apierrors.E(apierrors.KindBadRequest, "fileSize must be positive")
	}
	if input.FileSize > limit {
		return nil, apierrors.Ef(apierrors.KindBadRequest, "%s uploads are limited to %d bytes", mediaType, limit)
	}

	if strings.TrimSpace(input.FileName) == "" {
		return nil, apierrors.E(apierrors.KindBadRequest, "fileName is required")
	}

	path := fmt.Sprintf("conversations/%s/%s_%d_%s",
		input.ConversationID, actor, time.Now().UnixMilli(), sanitizeFileName(input.FileName))

	upload, err := s.signer.SignedUploadURL(ctx, path, uploadTTL)
	if err != nil {
		s.logger.LogError(ctx, err, "failed to presign upload")
		return nil, apierrors.Wrap(apierrors.KindInternal, "failed to create upload URL", err)
	}

	return &UploadGrant{
		UploadURL: upload.URL,
		FilePath:  upload.Path,
		Token:     upload.Token,
		MediaType: mediaType,
		ExpiresIn: int(uploadTTL.Seconds()),
	}, nil
}

// GetMediaURL resolves a stored path to a signed download URL. There is no
// membership re-check: a path is only learnable from a message the caller
// could already read, and history reads enforce membership.
func (s *Service) GetMediaURL(ctx context.Context, filePath string) (string, error) {
	if strings.TrimSpace(filePath) == "" {
		return "", apierrors.E(apierrors.KindBadRequest, "path is required")
	}

	url, err := s.signer.SignedDownloadURL(ctx, filePath, downloadTTL)
	if err != nil {
		s.logger.LogError(ctx, err, "failed to presign download")
		return "", apierrors.Wrap(apierrors.KindInternal, "failed to create download URL", err)
	}
	return url, nil
}

func classify(mimeType string) (string, int64, error) {
	switch {
	case imageMimes[mimeType]:
		return "image", MaxImageBytes, nil
	case videoMimes[mimeType]:
		return "video", MaxVideoBytes, nil
	default:
		return "", 0, apierrors.Ef(apierrors.KindBadRequest, "unsupported media type %q", mimeType)
	}
}

// sanitizeFileName strips path separators out of the client-supplied name and
// replaces everything outside [A-Za-z0-9._-] with an underscore, so a name
// can never escape its conversation prefix.
func sanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "/", "")
	name = strings.ReplaceAll(name, "\\", "")

	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "file"
	}
	return b.String()
}
