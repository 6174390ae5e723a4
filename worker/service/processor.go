package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"geoTransform/worker/archive"
	"geoTransform/worker/converter"
	"geoTransform/worker/pool"
)

// Processor runs the transform pipeline for one ticket inside a
// ticket-scoped working area under workDir:
//
//	upload/<ticket>/<name>   staged uploads
//	src/<ticket>/            extracted archives
//	<ticket>/                transformer output
//	<ticket>.tar.gz          packaged artifact
type Processor struct {
	transformer converter.Transformer
	workDir     string
	logger      *zap.Logger
}

func NewProcessor(transformer converter.Transformer, workDir string, logger *zap.Logger) *Processor {
	return &Processor{
		transformer: transformer,
		workDir:     workDir,
		logger:      logger,
	}
}

// UploadDir is where an uploaded source for ticketID is staged.
func (p *Processor) UploadDir(ticketID string) string {
	return filepath.Join(p.workDir, "upload", ticketID)
}

func (p *Processor) sourceDir(ticketID string) string {
	return filepath.Join(p.workDir, "src", ticketID)
}

// TargetDir is the transformer output directory of ticketID. The
// artifact is written beside it as TargetDir + ".tar.gz".
func (p *Processor) TargetDir(ticketID string) string {
	return filepath.Join(p.workDir, ticketID)
}

// Run extracts job.SourcePath when it is an archive and hands the
// result to the transformer. It satisfies pool.RunFunc.
func (p *Processor) Run(ctx context.Context, job pool.Job) (string, error) {
	source := job.SourcePath

	extracted := p.sourceDir(job.TicketID)
	format, err := archive.Extract(source, extracted)
	if err != nil {
		return "", fmt.Errorf("extract %s: %w", filepath.Base(source), err)
	}
	if format != archive.FormatNone {
		p.logger.Debug("Source extracted",
			zap.String("ticket", job.TicketID),
			zap.String("format", format.String()),
		)
		source = extracted
	}

	targetDir := job.TargetDir
	if targetDir == "" {
		targetDir = p.TargetDir(job.TicketID)
	}
	return p.transformer.Transform(ctx, source, targetDir, job.Options)
}

// Cleanup removes every working path of ticketID. Server-path sources
// live outside workDir and are never touched.
func (p *Processor) Cleanup(ticketID string) {
	targetDir := p.TargetDir(ticketID)
	var err error
	for _, path := range []string{
		p.UploadDir(ticketID),
		p.sourceDir(ticketID),
		targetDir,
		targetDir + ".tar.gz",
	} {
		err = multierr.Append(err, os.RemoveAll(path))
	}
	if err != nil {
		p.logger.Warn("Failed to clean working directory",
			zap.String("ticket", ticketID),
			zap.Error(err),
		)
	}
}
