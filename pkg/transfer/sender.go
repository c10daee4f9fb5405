package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// DataChannel is the slice of a WebRTC data channel the sender needs.
// *webrtc.DataChannel satisfies it directly.
type DataChannel interface {
	Send(data []byte) error
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(th uint64)
	OnBufferedAmountLow(f func())
}

// SendOptions are the adaptive knobs the room hands the sender.
type SendOptions struct {
	ChunkSize        int
	BufferTarget     uint64        // suspend sends while BufferedAmount exceeds this
	ChunkDelay       time.Duration // optional pause between chunks
	ProgressInterval time.Duration // cadence of progress frames
}

// DefaultSendOptions suit a nearby, healthy link.
func DefaultSendOptions() SendOptions {
	return SendOptions{
		ChunkSize:        DefaultChunkSize,
		BufferTarget:     1024 * 1024,
		ProgressInterval: 200 * time.Millisecond,
	}
}

// Sender drives files across the data channel: sequential chunks, buffered
// bytes below the target before every send, cooperative cancellation
// before every chunk, and a completion handshake at the end.
type Sender struct {
	channel    DataChannel
	serializer MessageSerializer
	events     Events
	machine    *StateMachine
	sessionID  string
	opts       SendOptions

	guard     sessionGuard
	bufferLow chan struct{}

	mu             sync.Mutex
	cancelledFiles map[int]bool
	cancelledAll   bool
	cancelledBy    string
}

// NewSender wires a sender to an open data channel. The state machine is
// shared with the session controller so terminal outcomes commit exactly
// once.
func NewSender(channel DataChannel, sessionID string, machine *StateMachine, opts SendOptions, events Events) *Sender {
	if events == nil {
		events = NopEvents{}
	}
	if opts.ChunkSize == 0 {
		opts = DefaultSendOptions()
	}
	s := &Sender{
		channel:        channel,
		serializer:     NewJSONSerializer(),
		events:         events,
		machine:        machine,
		sessionID:      sessionID,
		opts:           opts,
		bufferLow:      make(chan struct{}, 1),
		cancelledFiles: make(map[int]bool),
	}
	channel.SetBufferedAmountLowThreshold(opts.BufferTarget / 2)
	channel.OnBufferedAmountLow(func() {
		select {
		case s.bufferLow <- struct{}{}:
		default:
		}
	})
	return s
}

// Send transfers the files at paths in order. It blocks until the transfer
// reaches a terminal outcome and commits that outcome to the state machine.
func (s *Sender) Send(ctx context.Context, paths []string) error {
	if err := s.guard.acquire(); err != nil {
		return err
	}
	defer s.guard.release()

	gen := s.machine.Generation()
	files, err := MetadataForPaths(paths)
	if err != nil {
		return s.fail(gen, err)
	}
	s.machine.SetFiles(gen, files)
	s.machine.Apply(gen, StatusTransferring)

	if err := s.write(&Message{Type: TransferBegin, SessionID: s.sessionID, Files: files}); err != nil {
		return s.fail(gen, err)
	}

	var totalSent int64
	for i, path := range paths {
		sent, err := s.sendFile(ctx, gen, files[i], path)
		totalSent += sent
		if err != nil {
			if err == ErrTransferCancelled {
				return s.cancelOutcome(gen)
			}
			return s.fail(gen, err)
		}
	}

	if err := s.write(&Message{Type: TransferComplete, SessionID: s.sessionID, TotalBytes: totalSent}); err != nil {
		return s.fail(gen, err)
	}
	s.machine.Apply(gen, StatusCompleted)
	s.events.Completed(totalSent)
	return nil
}

// sendFile pushes one file's chunks, reporting bytes actually sent. A
// per-file cancellation skips the remainder of the file without failing the
// transfer; a whole-transfer cancellation returns ErrTransferCancelled.
func (s *Sender) sendFile(ctx context.Context, gen uint64, meta FileMetadata, path string) (int64, error) {
	if s.fileCancelled(meta.Index) {
		return 0, nil
	}

	chunker, err := NewChunker(path, s.opts.ChunkSize)
	if err != nil {
		return 0, err
	}
	defer chunker.Close()

	begin := &Message{
		Type:        FileBegin,
		SessionID:   s.sessionID,
		FileIndex:   meta.Index,
		TotalChunks: chunker.TotalChunks(),
		TotalBytes:  chunker.TotalSize(),
	}
	if err := s.write(begin); err != nil {
		return 0, err
	}

	tracker := newSpeedTracker(time.Now())
	lastProgress := time.Now()
	var sent int64

	for {
		// Cancellation is checked before every chunk; this and the buffer
		// wait below are the only suspension points.
		if s.allCancelled() {
			return sent, ErrTransferCancelled
		}
		if s.fileCancelled(meta.Index) {
			slog.Info("file cancelled mid-send", "file", meta.Index)
			return sent, nil
		}
		if err := ctx.Err(); err != nil {
			return sent, err
		}

		chunk, err := chunker.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			// A read failure mid-file must never look like a clean end;
			// the receiver would see the gap as chunk loss.
			return sent, fmt.Errorf("failed to read %s: %w", path, err)
		}

		if err := s.waitForBuffer(ctx); err != nil {
			return sent, err
		}
		msg := &Message{
			Type:       ChunkData,
			SessionID:  s.sessionID,
			FileIndex:  meta.Index,
			ChunkIndex: chunk.Index,
			Data:       chunk.Data,
		}
		if err := s.write(msg); err != nil {
			return sent, fmt.Errorf("%w: %v", ErrChannelClosed, err)
		}
		sent += int64(chunk.Size)

		if time.Since(lastProgress) >= s.opts.ProgressInterval || chunk.IsLast {
			lastProgress = time.Now()
			p := FileProgress{
				FileIndex:        meta.Index,
				FileName:         meta.Name,
				BytesTransferred: sent,
				TotalBytes:       meta.Size,
				Speed:            tracker.Observe(lastProgress, sent),
				Stage:            StageTransferring,
			}
			s.machine.UpdateProgress(gen, p)
			s.events.Progress(p)
			_ = s.write(&Message{Type: ProgressUpdate, SessionID: s.sessionID, FileIndex: meta.Index, Progress: &p})
		}

		if s.opts.ChunkDelay > 0 {
			time.Sleep(s.opts.ChunkDelay)
		}
	}

	done := &Message{
		Type:        FileComplete,
		SessionID:   s.sessionID,
		FileIndex:   meta.Index,
		TotalChunks: chunker.TotalChunks(),
		TotalBytes:  sent,
	}
	if err := s.write(done); err != nil {
		return sent, err
	}
	s.events.FileCompleted(meta.Index, path)
	return sent, nil
}

// waitForBuffer blocks until the channel's outstanding buffered bytes drop
// below the target. This is the engine's sole backpressure mechanism; it is
// what keeps memory bounded against a slow receiver.
func (s *Sender) waitForBuffer(ctx context.Context) error {
	for s.channel.BufferedAmount() > s.opts.BufferTarget {
		select {
		case <-s.bufferLow:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// CancelFile cancels a single file on behalf of by, telling the peer.
func (s *Sender) CancelFile(fileIndex int, by, reason string) {
	s.mu.Lock()
	s.cancelledFiles[fileIndex] = true
	s.mu.Unlock()
	s.machine.MarkCancelled(s.machine.Generation(), fileIndex, by)
	s.events.Cancelled(by, fileIndex)
	_ = s.write(&Message{
		Type:        TransferCancel,
		SessionID:   s.sessionID,
		FileIndex:   fileIndex,
		CancelledBy: by,
		Reason:      reason,
	})
}

// Cancel cancels the whole transfer on behalf of by, telling the peer.
func (s *Sender) Cancel(by, reason string) {
	s.mu.Lock()
	s.cancelledAll = true
	s.cancelledBy = by
	s.mu.Unlock()
	_ = s.write(&Message{
		Type:        TransferCancel,
		SessionID:   s.sessionID,
		FileIndex:   AllFiles,
		CancelledBy: by,
		Reason:      reason,
	})
}

func (s *Sender) fileCancelled(fileIndex int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelledFiles[fileIndex]
}

func (s *Sender) allCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelledAll
}

func (s *Sender) cancelOutcome(gen uint64) error {
	s.mu.Lock()
	by := s.cancelledBy
	s.mu.Unlock()
	s.machine.Apply(gen, StatusCancelled)
	s.events.Cancelled(by, AllFiles)
	return ErrTransferCancelled
}

func (s *Sender) fail(gen uint64, err error) error {
	s.machine.ApplyError(gen, err.Error())
	s.events.Failed(Categorize(err), err)
	return err
}

func (s *Sender) write(msg *Message) error {
	data, err := s.serializer.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s frame: %w", msg.Type, err)
	}
	return s.channel.Send(data)
}
