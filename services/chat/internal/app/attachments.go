package app

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"mamahealth/internal/util"
	"mamahealth/pkg/domain"
)

const (
	blobCleanupTimeout = 5 * time.Second

	mimeDOC  = "application/msword"
	mimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

// allowed MIME type -> canonical extension
var allowedTypes = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"image/gif":       ".gif",
	"image/heic":      ".heic",
	"application/pdf": ".pdf",
	mimeDOC:           ".doc",
	mimeDOCX:          ".docx",
}

var extensionTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".gif":  "image/gif",
	".heic": "image/heic",
	".pdf":  "application/pdf",
	".doc":  mimeDOC,
	".docx": mimeDOCX,
}

// UploadInput is one file headed for the medical library.
type UploadInput struct {
	OwnerUserID string
	PatientID   string
	FileName    string
	ContentType string
	Description string
	// Size is the declared length, or -1 when unknown.
	Size int64
	Body io.Reader
}

// UploadAttachment validates a file, stores the blob and records its
// metadata. Size and type checks run before any storage I/O.
func (a *App) UploadAttachment(ctx context.Context, in UploadInput) (domain.Attachment, error) {
	if in.Size > a.maxUploadBytes {
		return domain.Attachment{}, ErrFileTooLarge
	}
	if strings.TrimSpace(in.OwnerUserID) == "" {
		return domain.Attachment{}, ErrNotReady
	}
	declared := resolveMIME(in.ContentType, in.FileName)
	ext, ok := allowedTypes[declared]
	if !ok {
		return domain.Attachment{}, fmt.Errorf("%w: %s", ErrUnsupportedFileType, declared)
	}
	if in.Body == nil {
		return domain.Attachment{}, ErrEmptyMessage
	}
	data, err := io.ReadAll(io.LimitReader(in.Body, a.maxUploadBytes+1))
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > a.maxUploadBytes {
		return domain.Attachment{}, ErrFileTooLarge
	}
	if len(data) == 0 {
		return domain.Attachment{}, ErrEmptyMessage
	}
	if !sniffMatches(data, declared) {
		return domain.Attachment{}, fmt.Errorf("%w: content is %s, not %s", ErrUnsupportedFileType, mimetype.Detect(data).String(), declared)
	}

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	log := util.LoggerFromContext(ctx)

	now := a.clock()
	key := buildStorageKey(now.UnixMilli(), ext)
	if err := a.objects.Put(ctx, key, bytes.NewReader(data), int64(len(data)), declared); err != nil {
		return domain.Attachment{}, unavailable("upload blob", err)
	}

	att := domain.Attachment{
		ID:          util.NewOrderedID(),
		FileName:    displayName(in.FileName, ext),
		StoragePath: key,
		MimeType:    declared,
		SizeBytes:   int64(len(data)),
		Description: strings.TrimSpace(in.Description),
		OwnerUserID: strings.TrimSpace(in.OwnerUserID),
		PatientID:   strings.TrimSpace(in.PatientID),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.store.CreateAttachment(ctx, att); err != nil {
		a.discardBlob(ctx, key, err)
		return domain.Attachment{}, unavailable("record attachment", err)
	}

	if a.queue != nil {
		if _, err := a.queue.Enqueue(ctx, att.ID); err != nil {
			log.Warn("enqueue analysis failed", "attachment_id", att.ID, "err", err)
		}
	}
	return att, nil
}

// discardBlob removes a blob whose metadata could not be recorded. When the
// delete fails too the blob is left orphaned and only logged.
func (a *App) discardBlob(ctx context.Context, key string, cause error) {
	log := util.LoggerFromContext(ctx)
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), blobCleanupTimeout)
	defer cancel()
	if err := a.objects.Delete(cleanupCtx, key); err != nil {
		log.Warn("attachment metadata insert failed, orphaned blob",
			"storage_key", key, "err", cause, "delete_err", err)
		return
	}
	log.Warn("attachment metadata insert failed, blob removed", "storage_key", key, "err", cause)
}

// ListAttachments returns the owner's library, optionally for one patient.
func (a *App) ListAttachments(ctx context.Context, ownerUserID, patientID string) ([]domain.Attachment, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	items, err := a.store.ListAttachments(ctx, ownerUserID, patientID, 0)
	if err != nil {
		return nil, unavailable("list attachments", err)
	}
	return items, nil
}

// AttachmentURL returns a presigned download URL for an owned file.
func (a *App) AttachmentURL(ctx context.Context, ownerUserID, attachmentID string) (string, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	att, ok, err := a.store.GetAttachment(ctx, strings.TrimSpace(attachmentID))
	if err != nil {
		return "", unavailable("get attachment", err)
	}
	if !ok || att.OwnerUserID != ownerUserID {
		return "", ErrAttachmentNotFound
	}
	url, err := a.objects.PresignGet(ctx, att.StoragePath, a.presignExpiry, att.FileName)
	if err != nil {
		return "", unavailable("presign attachment", err)
	}
	return url, nil
}

func resolveMIME(contentType, fileName string) string {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		mediaType = strings.ToLower(mediaType)
		if mediaType == "image/jpg" {
			mediaType = "image/jpeg"
		}
		if mediaType != "" && mediaType != "application/octet-stream" {
			return mediaType
		}
	}
	if byExt, ok := extensionTypes[strings.ToLower(filepath.Ext(fileName))]; ok {
		return byExt
	}
	return "application/octet-stream"
}

func sniffMatches(data []byte, declared string) bool {
	detected := mimetype.Detect(data)
	for m := detected; m != nil; m = m.Parent() {
		if m.Is(declared) {
			return true
		}
	}
	// minimal office writers may only be detectable as their bare container
	switch declared {
	case mimeDOCX:
		return detected.Is("application/zip") && zipHasEntry(data, "word/document.xml")
	case mimeDOC:
		return detected.Is("application/x-ole-storage")
	}
	return false
}

func zipHasEntry(data []byte, name string) bool {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return false
	}
	for _, f := range zr.File {
		if f.Name == name {
			return true
		}
	}
	return false
}

func buildStorageKey(unixMilli int64, ext string) string {
	return fmt.Sprintf("uploads/%d-%s%s", unixMilli, util.NewID(), ext)
}

func displayName(name, ext string) string {
	name = strings.TrimSpace(filepath.Base(strings.ReplaceAll(name, "\\", "/")))
	if name == "" || name == "." || name == "/" {
		return "archivo" + ext
	}
	return name
}
