package transfer

// Events is the callback surface consumers plug into the engine. All
// methods are invoked from engine goroutines; implementations must not
// block.
type Events interface {
	// ConnectionState reports peer connection lifecycle changes.
	ConnectionState(state string)
	// Progress reports a per-file progress update.
	Progress(p FileProgress)
	// FileCompleted fires once per finalized file; path is empty when the
	// receiver keeps bytes only in the chunk store.
	FileCompleted(fileIndex int, path string)
	// Completed fires exactly once on terminal success.
	Completed(totalBytes int64)
	// Cancelled reports a cancellation of one file (or AllFiles) and who
	// asked for it.
	Cancelled(by string, fileIndex int)
	// Failed fires on the terminal error with its user-facing category.
	Failed(category FailureCategory, err error)
}

// NopEvents discards every callback. Embed it to implement only part of
// the interface.
type NopEvents struct{}

func (NopEvents) ConnectionState(string)        {}
func (NopEvents) Progress(FileProgress)         {}
func (NopEvents) FileCompleted(int, string)     {}
func (NopEvents) Completed(int64)               {}
func (NopEvents) Cancelled(string, int)         {}
func (NopEvents) Failed(FailureCategory, error) {}
