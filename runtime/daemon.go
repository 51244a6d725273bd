// Package runtime runs the sync daemon loop: it reads Record frames from
// the producer, hands them to the sender one at a time, writes Result
// frames back, and finishes the sender when the stream ends.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/justapithecus/runsync/ipc"
	"github.com/justapithecus/runsync/log"
	"github.com/justapithecus/runsync/metrics"
	"github.com/justapithecus/runsync/types"
)

// DefaultFinishTimeout bounds the shutdown that follows a canceled run.
const DefaultFinishTimeout = 2 * time.Minute

// ResultBuffer is the suggested capacity of the results channel.
const ResultBuffer = 64

// DaemonError classifies daemon loop errors for exit code determination.
type DaemonError struct {
	// Kind is the failing stage.
	Kind DaemonErrorKind
	// Err is the underlying error.
	Err error
}

// DaemonErrorKind classifies daemon errors.
type DaemonErrorKind int

const (
	// DaemonErrorStream indicates a broken frame stream.
	DaemonErrorStream DaemonErrorKind = iota
	// DaemonErrorDecode indicates a frame that is not a Record.
	DaemonErrorDecode
	// DaemonErrorSend indicates a fatal sender error.
	DaemonErrorSend
	// DaemonErrorCanceled indicates context cancellation.
	DaemonErrorCanceled
	// DaemonErrorFinish indicates an incomplete shutdown.
	DaemonErrorFinish
)

func (k DaemonErrorKind) String() string {
	switch k {
	case DaemonErrorStream:
		return "stream"
	case DaemonErrorDecode:
		return "decode"
	case DaemonErrorSend:
		return "send"
	case DaemonErrorCanceled:
		return "canceled"
	case DaemonErrorFinish:
		return "finish"
	}
	return "unknown"
}

func (e *DaemonError) Error() string {
	return e.Err.Error()
}

func (e *DaemonError) Unwrap() error {
	return e.Err
}

func errorKind(err error) (DaemonErrorKind, bool) {
	var de *DaemonError
	if errors.As(err, &de) {
		return de.Kind, true
	}
	return 0, false
}

// IsStreamError returns true if the frame stream broke or carried garbage.
func IsStreamError(err error) bool {
	k, ok := errorKind(err)
	return ok && (k == DaemonErrorStream || k == DaemonErrorDecode)
}

// IsCanceledError returns true if the loop stopped on context cancellation.
func IsCanceledError(err error) bool {
	k, ok := errorKind(err)
	return ok && k == DaemonErrorCanceled
}

// Sender consumes records. *sender.SendManager implements it.
type Sender interface {
	Send(ctx context.Context, rec *types.Record) error
	Finish(ctx context.Context) error
}

// DaemonConfig wires a Daemon.
type DaemonConfig struct {
	// Reader carries Record frames from the producer.
	Reader io.Reader
	// Writer receives Result frames.
	Writer io.Writer
	Sender Sender
	// Results is the channel the sender emits on. The daemon drains it
	// to Writer and closes it once the sender has finished.
	Results       chan *types.Result
	FinishTimeout time.Duration
	Logger        *log.Logger
	Collector     *metrics.Collector
}

// Daemon serves one producer connection.
type Daemon struct {
	decoder       *ipc.FrameDecoder
	encoder       *ipc.FrameEncoder
	sender        Sender
	results       chan *types.Result
	finishTimeout time.Duration
	logger        *log.Logger
	collector     *metrics.Collector

	records int64
}

// NewDaemon creates a daemon.
func NewDaemon(cfg DaemonConfig) *Daemon {
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}
	if cfg.FinishTimeout <= 0 {
		cfg.FinishTimeout = DefaultFinishTimeout
	}
	return &Daemon{
		decoder:       ipc.NewFrameDecoder(cfg.Reader),
		encoder:       ipc.NewFrameEncoder(cfg.Writer),
		sender:        cfg.Sender,
		results:       cfg.Results,
		finishTimeout: cfg.FinishTimeout,
		logger:        cfg.Logger.Named("daemon"),
		collector:     cfg.Collector,
	}
}

// Run serves records until EOF, a fatal error, or cancellation, then
// finishes the sender. Cancellation is observed between frames.
//
// Returns:
//   - nil: stream ended cleanly and the sender finished
//   - *DaemonError with Kind=DaemonErrorStream or DaemonErrorDecode: bad frame stream
//   - *DaemonError with Kind=DaemonErrorSend: fatal sender error
//   - *DaemonError with Kind=DaemonErrorCanceled: context canceled
//   - *DaemonError with Kind=DaemonErrorFinish: shutdown incomplete
//
// Finish runs in every case; its failure is appended to the loop error.
func (d *Daemon) Run(ctx context.Context) error {
	written := make(chan struct{})
	go d.writeResults(written)

	loopErr := d.serve(ctx)

	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.finishTimeout)
	defer cancel()
	finishErr := d.sender.Finish(finishCtx)

	if d.results != nil {
		close(d.results)
	}
	<-written

	d.logger.Info("daemon stopped", map[string]any{
		"records": d.records,
		"clean":   loopErr == nil && finishErr == nil,
	})

	if finishErr == nil {
		return loopErr
	}
	finishErr = &DaemonError{Kind: DaemonErrorFinish, Err: fmt.Errorf("finish: %w", finishErr)}
	if loopErr == nil {
		return finishErr
	}
	return multierror.Append(loopErr, finishErr)
}

func (d *Daemon) serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return &DaemonError{Kind: DaemonErrorCanceled, Err: ctx.Err()}
		default:
		}

		payload, err := d.decoder.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				// The reader was closed to interrupt a blocked read.
				return &DaemonError{Kind: DaemonErrorCanceled, Err: ctx.Err()}
			}
			d.logger.Error("frame error", map[string]any{"error": err.Error()})
			return &DaemonError{Kind: DaemonErrorStream, Err: fmt.Errorf("frame error: %w", err)}
		}

		rec, err := ipc.DecodeRecord(payload)
		if err != nil {
			d.logger.Error("record decode error", map[string]any{"error": err.Error()})
			d.collector.IncDecodeErrors()
			return &DaemonError{Kind: DaemonErrorDecode, Err: err}
		}
		d.records++

		if err := d.sender.Send(ctx, rec); err != nil {
			if ctx.Err() != nil {
				return &DaemonError{Kind: DaemonErrorCanceled, Err: err}
			}
			d.logger.Error("send failed", map[string]any{
				"variant": string(rec.Variant()),
				"error":   err.Error(),
			})
			return &DaemonError{Kind: DaemonErrorSend, Err: err}
		}
	}
}

// writeResults forwards results until the channel closes. After a write
// failure results are still drained so the sender never blocks.
func (d *Daemon) writeResults(done chan<- struct{}) {
	defer close(done)
	if d.results == nil {
		return
	}
	broken := false
	for res := range d.results {
		if broken {
			continue
		}
		if err := d.encoder.WriteResult(res); err != nil {
			broken = true
			d.logger.Error("result write failed; dropping further results", map[string]any{
				"error": err.Error(),
			})
		}
	}
}
