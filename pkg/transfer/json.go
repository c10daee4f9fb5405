package transfer

import (
	"encoding/json"
)

// JSONSerializer is the default wire codec for data-channel frames. Chunk
// payloads ride as base64 inside the JSON document.
type JSONSerializer struct{}

func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{}
}

type jsonMessage struct {
	Type        MessageType    `json:"type"`
	SessionID   string         `json:"session_id"`
	FileIndex   int            `json:"file_index"`
	ChunkIndex  int            `json:"chunk_index"`
	TotalChunks int            `json:"total_chunks,omitempty"`
	TotalBytes  int64          `json:"total_bytes,omitempty"`
	Data        []byte         `json:"data,omitempty"`
	Files       []FileMetadata `json:"files,omitempty"`
	Progress    *FileProgress  `json:"progress,omitempty"`
	CancelledBy string         `json:"cancelled_by,omitempty"`
	Reason      string         `json:"reason,omitempty"`
}

func (j *JSONSerializer) Marshal(msg *Message) ([]byte, error) {
	return json.Marshal(jsonMessage{
		Type:        msg.Type,
		SessionID:   msg.SessionID,
		FileIndex:   msg.FileIndex,
		ChunkIndex:  msg.ChunkIndex,
		TotalChunks: msg.TotalChunks,
		TotalBytes:  msg.TotalBytes,
		Data:        msg.Data,
		Files:       msg.Files,
		Progress:    msg.Progress,
		CancelledBy: msg.CancelledBy,
		Reason:      msg.Reason,
	})
}

func (j *JSONSerializer) Unmarshal(data []byte) (*Message, error) {
	var m jsonMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &Message{
		Type:        m.Type,
		SessionID:   m.SessionID,
		FileIndex:   m.FileIndex,
		ChunkIndex:  m.ChunkIndex,
		TotalChunks: m.TotalChunks,
		TotalBytes:  m.TotalBytes,
		Data:        m.Data,
		Files:       m.Files,
		Progress:    m.Progress,
		CancelledBy: m.CancelledBy,
		Reason:      m.Reason,
	}, nil
}

func (j *JSONSerializer) Name() string {
	return "json"
}
