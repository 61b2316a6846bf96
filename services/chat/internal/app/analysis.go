package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"mamahealth/internal/metrics"
	"mamahealth/internal/util"
	"mamahealth/pkg/queue"
	"mamahealth/pkg/storage"
	"mamahealth/services/chat/internal/analyzer"
)

// AnalyzeAttachment is the queue handler for analysis jobs. It downloads
// the blob, classifies it and records a reliability score, replacing any
// provisional hint. Missing files are dropped without retry.
func (a *App) AnalyzeAttachment(ctx context.Context, job queue.JobStatus) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	log := util.LoggerFromContext(ctx).With("job_id", job.ID, "attachment_id", job.AttachmentID)

	att, ok, err := a.store.GetAttachment(ctx, job.AttachmentID)
	if err != nil {
		return fmt.Errorf("get attachment: %w", err)
	}
	if !ok {
		log.Warn("analysis skipped, attachment gone")
		metrics.RecordAnalysis("skipped", "")
		return nil
	}

	rc, err := a.objects.Get(ctx, att.StoragePath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Warn("analysis skipped, blob missing", "storage_key", att.StoragePath)
			metrics.RecordAnalysis("skipped", "")
			return nil
		}
		return fmt.Errorf("download blob: %w", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, a.maxUploadBytes+1))
	if err != nil {
		return fmt.Errorf("read blob: %w", err)
	}

	outcome := "analyzed"
	res, err := analyzer.Analyze(data, att.MimeType, att.FileName)
	if err != nil {
		outcome = "unreadable"
		// unreadable documents still get a low score
		log.Warn("document text extraction failed", "err", err)
		docType := analyzer.Classify("", att.FileName)
		res = analyzer.Result{ReliabilityScore: analyzer.Score("", docType, att.Kind()), DocumentType: docType}
	}
	if err := a.store.SetAttachmentAnalysis(ctx, att.ID, res.ReliabilityScore, res.DocumentType, false); err != nil {
		return fmt.Errorf("record analysis: %w", err)
	}
	metrics.RecordAnalysis(outcome, string(res.DocumentType))
	log.Info("attachment analyzed", "score", res.ReliabilityScore, "document_type", res.DocumentType, "text_chars", res.TextChars)
	return nil
}
