// Package upload drives one file through the gateway's upload pipeline:
// session, upload resource, chunked transfer, finalize, and the processing hand-off.
// It never retries; retries are the stability detector's business.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/cleverdata/watchfolder/internal/gateway"
	"github.com/cleverdata/watchfolder/internal/logging"
	"github.com/cleverdata/watchfolder/internal/stability"
)

// Gateway is the remote ingestion gateway as the orchestrator uses it.
type Gateway interface {
	CreateSession(ctx context.Context, folderID, displayName string) (string, error)
	CreateUpload(ctx context.Context, sessionID, displayName string) (*gateway.Upload, error)
	OpenChunkedTransfer(ctx context.Context, descriptor, fileName string, partCount int) (*gateway.Transfer, error)
	UploadPart(ctx context.Context, t *gateway.Transfer, r io.ReaderAt, part gateway.Part) (gateway.PartAck, error)
	FinalizeTransfer(ctx context.Context, t *gateway.Transfer, acks []gateway.PartAck) error
	AbortTransfer(ctx context.Context, t *gateway.Transfer) error
	MarkUploadProcessing(ctx context.Context, upload *gateway.Upload) error
}

type Stage string

const (
	StageSetup    Stage = "setup"    // local open, session or upload resource
	StageTransfer Stage = "transfer" // opening the transfer or sending parts
	StageFinalize Stage = "finalize" // commit or processing hand-off
)

// Failure is the single failure signal for a file.
type Failure struct {
	Stage Stage
	File  string
	Err   error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("upload %s: %s failed: %v", f.File, f.Stage, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

type Options struct {
	FolderID string
	PartSize int64
	// FailFast stops at the first failed part instead of sending the rest and
	// letting finalize reject the incomplete set.
	FailFast bool
	// Verbose logs every part.
	Verbose bool
}

// Result describes a committed upload.
type Result struct {
	SessionID string
	UploadID  string
	Parts     int
	Bytes     int64
}

type Orchestrator struct {
	gw     Gateway
	opts   Options
	logger logging.Logger
}

func New(gw Gateway, opts Options, logger logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.Nop{}
	}
	return &Orchestrator{gw: gw, opts: opts, logger: logger}
}

// PlanParts splits size bytes into contiguous parts of partSize; the last may be shorter.
// An empty file is one empty part so the transfer can still be committed.
func PlanParts(size, partSize int64) []gateway.Part {
	if size <= 0 {
		return []gateway.Part{{Number: 1, Offset: 0, Size: 0}}
	}
	count := (size + partSize - 1) / partSize
	parts := make([]gateway.Part, 0, count)
	for i := int64(0); i < count; i++ {
		offset := i * partSize
		n := partSize
		if offset+n > size {
			n = size - offset
		}
		parts = append(parts, gateway.Part{Number: int32(i + 1), Offset: offset, Size: n})
	}
	return parts
}

// Upload sends f. Any error returned is a *Failure.
func (o *Orchestrator) Upload(ctx context.Context, f stability.File) (*Result, error) {
	fail := func(stage Stage, err error) (*Result, error) {
		return nil, &Failure{Stage: stage, File: f.Name, Err: err}
	}

	file, err := os.Open(f.Path)
	if err != nil {
		return fail(StageSetup, &stability.FileAccessError{Path: f.Path, Err: err})
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fail(StageSetup, &stability.FileAccessError{Path: f.Path, Err: err})
	}
	parts := PlanParts(info.Size(), o.opts.PartSize)

	// 1-2. Session and upload resources.
	sessionID, err := o.gw.CreateSession(ctx, o.opts.FolderID, f.Name)
	if err != nil {
		return fail(StageSetup, err)
	}
	up, err := o.gw.CreateUpload(ctx, sessionID, f.Name)
	if err != nil {
		return fail(StageSetup, err)
	}

	// 3. Chunked transfer, one part at a time in ascending order.
	transfer, err := o.gw.OpenChunkedTransfer(ctx, up.UploadTarget, f.Name, len(parts))
	if err != nil {
		return fail(StageTransfer, err)
	}

	acks := make([]gateway.PartAck, 0, len(parts))
	var sent int64
	var failed []int32
	for _, part := range parts {
		if err := ctx.Err(); err != nil {
			o.abort(ctx, transfer, f.Name)
			return fail(StageTransfer, err)
		}

		ack, err := o.gw.UploadPart(ctx, transfer, file, part)
		if err != nil {
			o.logger.Warningf("Part %d of %s failed (%s of %s sent): %v",
				part.Number, f.Name, humanize.IBytes(uint64(sent)), humanize.IBytes(uint64(info.Size())), err)
			if o.opts.FailFast {
				o.abort(ctx, transfer, f.Name)
				return fail(StageTransfer, err)
			}
			failed = append(failed, part.Number)
			continue
		}
		acks = append(acks, ack)
		sent += part.Size
		if o.opts.Verbose {
			o.logger.Infof("Part %d/%d of %s uploaded (%s of %s)",
				part.Number, len(parts), f.Name, humanize.IBytes(uint64(sent)), humanize.IBytes(uint64(info.Size())))
		}
	}

	// 4. Commit. An incomplete acknowledgment set is rejected here.
	if err := o.gw.FinalizeTransfer(ctx, transfer, acks); err != nil {
		if len(failed) > 0 {
			err = fmt.Errorf("%w (failed parts %v)", err, failed)
		}
		o.abort(ctx, transfer, f.Name)
		return fail(StageFinalize, err)
	}

	// 5. Hand off for processing.
	if err := o.gw.MarkUploadProcessing(ctx, up); err != nil {
		return fail(StageFinalize, err)
	}

	return &Result{SessionID: sessionID, UploadID: up.ID, Parts: len(parts), Bytes: sent}, nil
}

// abort is best effort and runs even when the cycle context is cancelled.
func (o *Orchestrator) abort(ctx context.Context, t *gateway.Transfer, name string) {
	if err := o.gw.AbortTransfer(context.WithoutCancel(ctx), t); err != nil {
		o.logger.Warningf("Abort of transfer for %s failed: %v", name, err)
	}
}

// StageOf returns the stage of a *Failure in err's chain, or "" if there is none.
func StageOf(err error) Stage {
	var f *Failure
	if errors.As(err, &f) {
		return f.Stage
	}
	return ""
}
