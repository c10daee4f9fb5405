package transfer

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/p2pbeam/beam/pkg/chunkstore"
)

// Receiver reassembles files from data-channel frames. Every chunk is
// persisted to the durable store under its explicit index before anything
// else happens, so a partial failure never loses delivered bytes.
type Receiver struct {
	store      *chunkstore.Store
	serializer MessageSerializer
	events     Events
	machine    *StateMachine
	sessionID  string
	outputDir  string

	mu        sync.Mutex
	files     map[int]*fileState
	announced []FileMetadata
	totalSeen int64
}

type fileState struct {
	meta        FileMetadata
	totalChunks int
	began       bool
	finalized   bool
	cancelled   bool
	received    int64
}

// NewReceiver wires a receiver to the durable store. outputDir may be empty
// to leave completed files in the store for the caller to assemble.
func NewReceiver(store *chunkstore.Store, sessionID, outputDir string, machine *StateMachine, events Events) *Receiver {
	if events == nil {
		events = NopEvents{}
	}
	return &Receiver{
		store:      store,
		serializer: NewJSONSerializer(),
		events:     events,
		machine:    machine,
		sessionID:  sessionID,
		outputDir:  outputDir,
		files:      make(map[int]*fileState),
	}
}

// HandleMessage processes one inbound data-channel frame. Frames from
// another session are discarded. A premature transfer-complete commits a
// terminal error, never a success.
func (r *Receiver) HandleMessage(raw []byte) error {
	msg, err := r.serializer.Unmarshal(raw)
	if err != nil {
		return fmt.Errorf("failed to unmarshal frame: %w", err)
	}
	if msg.SessionID != r.sessionID {
		slog.Warn("dropping frame for stale session", "got", msg.SessionID, "want", r.sessionID)
		return ErrSessionMismatch
	}

	gen := r.machine.Generation()
	switch msg.Type {
	case TransferBegin:
		return r.handleTransferBegin(gen, msg)
	case FileBegin:
		return r.handleFileBegin(msg)
	case ChunkData:
		return r.handleChunk(msg)
	case ProgressUpdate:
		if msg.Progress != nil {
			r.machine.UpdateProgress(gen, *msg.Progress)
			r.events.Progress(*msg.Progress)
		}
		return nil
	case FileComplete:
		return r.handleFileComplete(gen, msg)
	case TransferCancel:
		return r.handleCancel(gen, msg)
	case TransferComplete:
		return r.handleTransferComplete(gen, msg)
	default:
		return fmt.Errorf("unknown frame type %q", msg.Type)
	}
}

func (r *Receiver) handleTransferBegin(gen uint64, msg *Message) error {
	r.mu.Lock()
	r.announced = msg.Files
	for _, meta := range msg.Files {
		r.files[meta.Index] = &fileState{meta: meta}
	}
	r.mu.Unlock()

	r.machine.SetFiles(gen, msg.Files)
	r.machine.Apply(gen, StatusTransferring)
	slog.Info("transfer announced", "files", len(msg.Files))
	return nil
}

func (r *Receiver) handleFileBegin(msg *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	fs, ok := r.files[msg.FileIndex]
	if !ok {
		return fmt.Errorf("file_begin for unannounced file %d", msg.FileIndex)
	}
	fs.began = true
	fs.totalChunks = msg.TotalChunks
	return nil
}

func (r *Receiver) handleChunk(msg *Message) error {
	r.mu.Lock()
	fs, ok := r.files[msg.FileIndex]
	if ok && fs.cancelled {
		r.mu.Unlock()
		return nil // late chunk for a cancelled file, drop
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("chunk for unannounced file %d", msg.FileIndex)
	}

	// The chunk is stored under its explicit index; arrival order is never
	// trusted.
	if err := r.store.Put(r.sessionID, msg.FileIndex, msg.ChunkIndex, msg.Data); err != nil {
		return err
	}
	r.mu.Lock()
	fs.received += int64(len(msg.Data))
	r.totalSeen += int64(len(msg.Data))
	r.mu.Unlock()
	return nil
}

// handleFileComplete finalizes one file with exact chunk accounting against
// the durable store. Any gap means chunk loss: terminal error, not a wait.
func (r *Receiver) handleFileComplete(gen uint64, msg *Message) error {
	r.mu.Lock()
	fs, ok := r.files[msg.FileIndex]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("file_complete for unannounced file %d", msg.FileIndex)
	}
	if fs.cancelled {
		return nil
	}

	expected := msg.TotalChunks
	set, err := r.store.FileChunks(r.sessionID, msg.FileIndex, expected)
	if err != nil {
		return r.fail(gen, err)
	}
	if !set.Complete() {
		err := fmt.Errorf("%w: file %d missing chunks %v", ErrIncompleteTransfer, msg.FileIndex, set.Missing)
		return r.fail(gen, err)
	}

	path := ""
	if r.outputDir != "" {
		path, err = r.writeOut(fs.meta, expected)
		if err != nil {
			return r.fail(gen, err)
		}
	}

	r.mu.Lock()
	fs.finalized = true
	r.mu.Unlock()
	r.events.FileCompleted(msg.FileIndex, path)
	slog.Info("file finalized", "file", msg.FileIndex, "bytes", set.TotalBytes)
	return nil
}

// writeOut assembles the file from the store into outputDir. The name is
// sanitized against path traversal before use.
func (r *Receiver) writeOut(meta FileMetadata, expectedChunks int) (string, error) {
	data, err := r.store.Assemble(r.sessionID, meta.Index, expectedChunks)
	if err != nil {
		return "", err
	}
	cleanName := filepath.Base(meta.Name)
	outputPath := filepath.Join(r.outputDir, cleanName)
	if !strings.HasPrefix(outputPath, filepath.Clean(r.outputDir)) {
		return "", fmt.Errorf("invalid output path: %s", outputPath)
	}
	if err := os.WriteFile(outputPath, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", outputPath, err)
	}
	return outputPath, nil
}

func (r *Receiver) handleCancel(gen uint64, msg *Message) error {
	if msg.FileIndex == AllFiles {
		r.machine.Apply(gen, StatusCancelled)
		r.events.Cancelled(msg.CancelledBy, AllFiles)
		return r.store.ClearSession(r.sessionID)
	}
	return r.CancelFile(msg.FileIndex, msg.CancelledBy)
}

// CancelFile marks one file cancelled and discards its stored chunks. Also
// reached from the signaling path when the receiver side cancels locally.
func (r *Receiver) CancelFile(fileIndex int, by string) error {
	r.mu.Lock()
	fs, ok := r.files[fileIndex]
	if ok {
		fs.cancelled = true
	}
	r.mu.Unlock()

	r.machine.MarkCancelled(r.machine.Generation(), fileIndex, by)
	r.events.Cancelled(by, fileIndex)
	return r.store.ClearFile(r.sessionID, fileIndex)
}

// handleTransferComplete is the completion handshake: success only when
// every non-cancelled announced file has already been finalized. A
// completion arriving earlier indicates chunk loss the receiver has not
// detected yet, and is committed as the terminal error.
func (r *Receiver) handleTransferComplete(gen uint64, msg *Message) error {
	r.mu.Lock()
	var unfinished []int
	for _, meta := range r.announced {
		fs := r.files[meta.Index]
		if fs == nil || fs.cancelled {
			continue
		}
		if !fs.finalized {
			unfinished = append(unfinished, meta.Index)
		}
	}
	announced := len(r.announced)
	total := r.totalSeen
	r.mu.Unlock()

	if announced == 0 {
		return r.fail(gen, fmt.Errorf("%w: completion before any announcement", ErrIncompleteTransfer))
	}
	if len(unfinished) > 0 {
		err := fmt.Errorf("%w: files %v not finalized", ErrIncompleteTransfer, unfinished)
		return r.fail(gen, err)
	}

	if r.machine.Apply(gen, StatusCompleted) {
		r.events.Completed(total)
	}
	return nil
}

func (r *Receiver) fail(gen uint64, err error) error {
	if r.machine.ApplyError(gen, err.Error()) {
		r.events.Failed(Categorize(err), err)
	}
	return err
}
