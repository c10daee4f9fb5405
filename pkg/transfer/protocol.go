package transfer

// MessageType tags every frame sent over the peer data channel.
type MessageType string

const (
	TransferBegin    MessageType = "transfer_begin"
	FileBegin        MessageType = "file_begin"
	ChunkData        MessageType = "chunk_data"
	FileComplete     MessageType = "file_complete"
	ProgressUpdate   MessageType = "progress_update"
	TransferCancel   MessageType = "transfer_cancel"
	TransferComplete MessageType = "transfer_complete"
)

// AllFiles marks a cancel frame that applies to the whole transfer rather
// than a single file.
const AllFiles = -1

// Message is one data-channel frame. Which fields are meaningful depends on
// Type; chunks always carry their explicit index and are never ordered by
// arrival.
type Message struct {
	Type        MessageType
	SessionID   string
	FileIndex   int
	ChunkIndex  int
	TotalChunks int
	TotalBytes  int64
	Data        []byte
	Files       []FileMetadata
	Progress    *FileProgress
	CancelledBy string
	Reason      string
}

// MessageSerializer converts frames to and from data-channel bytes.
type MessageSerializer interface {
	Marshal(msg *Message) ([]byte, error)
	Unmarshal(data []byte) (*Message, error)
	Name() string
}
