package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Size bounds enforced by the per-event decoders. Anything beyond these is
// rejected before the relay looks at the message.
const (
	MaxSDPBytes       = 2 * 1024 * 1024
	MaxCandidateBytes = 8 * 1024
	MaxReasonChars    = 160
	MaxFileNameChars  = 260
	MaxFilesPerStart  = 256
)

var (
	ErrUnknownEvent  = errors.New("unknown event type")
	ErrInvalidSchema = errors.New("invalid message schema")
)

// JoinRoomPayload asks the relay to place the connection into a room.
type JoinRoomPayload struct {
	RoomID      string       `json:"roomId"`
	Role        Role         `json:"role,omitempty"`
	NetworkInfo *NetworkInfo `json:"networkInfo,omitempty"`
}

// NetworkInfo is the optional coarse link hint reported on join.
type NetworkInfo struct {
	Type string `json:"type"`
}

// SessionDescriptionPayload carries a WebRTC offer or answer.
type SessionDescriptionPayload struct {
	RoomID      string             `json:"roomId"`
	Description SessionDescription `json:"description"`
}

// SessionDescription mirrors the {type, sdp} document shape.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidatePayload carries one connectivity candidate.
type ICECandidatePayload struct {
	RoomID    string       `json:"roomId"`
	Candidate ICECandidate `json:"candidate"`
}

// ICECandidate mirrors the standard candidate init shape.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// ConnectionStatePayload reports the sender's view of the peer connection.
type ConnectionStatePayload struct {
	RoomID string `json:"roomId"`
	State  string `json:"state"`
}

// FileAnnouncement is the immutable metadata for one file in a transfer.
type FileAnnouncement struct {
	Index        int    `json:"index"`
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	MimeType     string `json:"mimeType,omitempty"`
	LastModified int64  `json:"lastModified,omitempty"`
}

// TransferStartPayload announces an upcoming transfer to the receiver.
type TransferStartPayload struct {
	RoomID     string             `json:"roomId"`
	Files      []FileAnnouncement `json:"files"`
	TotalBytes int64              `json:"totalBytes"`
}

// TransferProgressPayload is the sender's periodic progress report.
// All fields beyond the room are optional; present values are range checked.
type TransferProgressPayload struct {
	RoomID             string   `json:"roomId"`
	FileIndex          *int     `json:"fileIndex,omitempty"`
	FileName           string   `json:"fileName,omitempty"`
	Progress           *float64 `json:"progress,omitempty"`
	BytesTransferred   *int64   `json:"bytesTransferred,omitempty"`
	TotalBytes         *int64   `json:"totalBytes,omitempty"`
	Speed              *float64 `json:"speed,omitempty"`
	Stage              string   `json:"stage,omitempty"`
	ConversionProgress *float64 `json:"conversionProgress,omitempty"`
}

// TransferCompletePayload is the sender's end-of-transfer handshake.
type TransferCompletePayload struct {
	RoomID     string `json:"roomId"`
	TotalBytes int64  `json:"totalBytes"`
}

// TransferCancelPayload cancels one file or the whole transfer.
type TransferCancelPayload struct {
	RoomID      string `json:"roomId"`
	CancelledBy Role   `json:"cancelledBy,omitempty"`
	FileIndex   *int   `json:"fileIndex,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// TroubleshootPayload asks the relay for conservative transfer settings.
type TroubleshootPayload struct {
	RoomID string `json:"roomId"`
	Issue  string `json:"issue,omitempty"`
}

// HeartbeatPayload keeps a room's idle clock fresh.
type HeartbeatPayload struct {
	RoomID string `json:"roomId"`
}

// RoomID extraction for authorization without re-decoding.
type roomScoped interface{ roomID() string }

func (p JoinRoomPayload) roomID() string           { return p.RoomID }
func (p SessionDescriptionPayload) roomID() string { return p.RoomID }
func (p ICECandidatePayload) roomID() string       { return p.RoomID }
func (p ConnectionStatePayload) roomID() string    { return p.RoomID }
func (p TransferStartPayload) roomID() string      { return p.RoomID }
func (p TransferProgressPayload) roomID() string   { return p.RoomID }
func (p TransferCompletePayload) roomID() string   { return p.RoomID }
func (p TransferCancelPayload) roomID() string     { return p.RoomID }
func (p TroubleshootPayload) roomID() string       { return p.RoomID }
func (p HeartbeatPayload) roomID() string          { return p.RoomID }

// RoomOf returns the room a decoded payload claims, or "" for payloads
// that are not room scoped.
func RoomOf(payload any) string {
	if p, ok := payload.(roomScoped); ok {
		return p.roomID()
	}
	return ""
}

// strictUnmarshal decodes into v rejecting unknown object keys anywhere in
// the document. Downstream code only ever sees fully validated shapes.
func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	// Trailing garbage after the object is just as invalid as a bad key.
	if dec.More() {
		return fmt.Errorf("%w: trailing data", ErrInvalidSchema)
	}
	return nil
}

func schemaErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidSchema, fmt.Sprintf(format, args...))
}

// Decode validates the raw payload of the named event and returns the typed
// payload. Every event type has exactly one decoder; events without one are
// rejected.
func Decode(event string, data []byte) (any, error) {
	switch event {
	case EventJoinRoom:
		return decodeJoinRoom(data)
	case EventOffer:
		return decodeSessionDescription(data, "offer")
	case EventAnswer:
		return decodeSessionDescription(data, "answer")
	case EventICECandidate:
		return decodeICECandidate(data)
	case EventConnectionState:
		return decodeConnectionState(data)
	case EventTransferStart:
		return decodeTransferStart(data)
	case EventTransferProgress:
		return decodeTransferProgress(data)
	case EventTransferComplete:
		return decodeTransferComplete(data)
	case EventTransferCancel:
		return decodeTransferCancel(data)
	case EventTroubleshoot:
		return decodeTroubleshoot(data)
	case EventHeartbeat:
		return decodeHeartbeat(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
}

func decodeJoinRoom(data []byte) (JoinRoomPayload, error) {
	var p JoinRoomPayload
	if err := strictUnmarshal(data, &p); err != nil {
		return p, err
	}
	if !ValidRoomCode(p.RoomID) {
		return p, schemaErr("bad room code")
	}
	if p.Role != "" && !p.Role.Valid() {
		return p, schemaErr("bad role %q", p.Role)
	}
	if p.NetworkInfo != nil {
		switch p.NetworkInfo.Type {
		case NetworkWifi, NetworkCellular, NetworkEthernet, NetworkUnknown:
		default:
			return p, schemaErr("bad network type %q", p.NetworkInfo.Type)
		}
	}
	return p, nil
}

func decodeSessionDescription(data []byte, wantType string) (SessionDescriptionPayload, error) {
	var p SessionDescriptionPayload
	if err := strictUnmarshal(data, &p); err != nil {
		return p, err
	}
	if !ValidRoomCode(p.RoomID) {
		return p, schemaErr("bad room code")
	}
	if p.Description.Type != wantType {
		return p, schemaErr("description type must be %q", wantType)
	}
	if p.Description.SDP == "" {
		return p, schemaErr("empty sdp")
	}
	if len(p.Description.SDP) > MaxSDPBytes {
		return p, schemaErr("sdp exceeds %d bytes", MaxSDPBytes)
	}
	return p, nil
}

func decodeICECandidate(data []byte) (ICECandidatePayload, error) {
	var p ICECandidatePayload
	if err := strictUnmarshal(data, &p); err != nil {
		return p, err
	}
	if !ValidRoomCode(p.RoomID) {
		return p, schemaErr("bad room code")
	}
	if len(p.Candidate.Candidate) > MaxCandidateBytes {
		return p, schemaErr("candidate exceeds %d bytes", MaxCandidateBytes)
	}
	return p, nil
}

func decodeConnectionState(data []byte) (ConnectionStatePayload, error) {
	var p ConnectionStatePayload
	if err := strictUnmarshal(data, &p); err != nil {
		return p, err
	}
	if !ValidRoomCode(p.RoomID) {
		return p, schemaErr("bad room code")
	}
	switch p.State {
	case ConnStateNew, ConnStateConnecting, ConnStateConnected,
		ConnStateDisconnected, ConnStateFailed, ConnStateClosed:
	default:
		return p, schemaErr("bad connection state %q", p.State)
	}
	return p, nil
}

func decodeTransferStart(data []byte) (TransferStartPayload, error) {
	var p TransferStartPayload
	if err := strictUnmarshal(data, &p); err != nil {
		return p, err
	}
	if !ValidRoomCode(p.RoomID) {
		return p, schemaErr("bad room code")
	}
	if len(p.Files) == 0 || len(p.Files) > MaxFilesPerStart {
		return p, schemaErr("file count %d out of range", len(p.Files))
	}
	if p.TotalBytes < 0 {
		return p, schemaErr("negative total bytes")
	}
	for _, f := range p.Files {
		if f.Index < 0 || f.Size < 0 {
			return p, schemaErr("bad file entry %d", f.Index)
		}
		if f.Name == "" || len(f.Name) > MaxFileNameChars {
			return p, schemaErr("bad file name length %d", len(f.Name))
		}
	}
	return p, nil
}

func decodeTransferProgress(data []byte) (TransferProgressPayload, error) {
	var p TransferProgressPayload
	if err := strictUnmarshal(data, &p); err != nil {
		return p, err
	}
	if !ValidRoomCode(p.RoomID) {
		return p, schemaErr("bad room code")
	}
	if len(p.FileName) > MaxFileNameChars {
		return p, schemaErr("file name exceeds %d chars", MaxFileNameChars)
	}
	if p.FileIndex != nil && *p.FileIndex < 0 {
		return p, schemaErr("negative file index")
	}
	if p.Progress != nil && (*p.Progress < 0 || *p.Progress > 100) {
		return p, schemaErr("progress out of range")
	}
	if p.ConversionProgress != nil && (*p.ConversionProgress < 0 || *p.ConversionProgress > 100) {
		return p, schemaErr("conversion progress out of range")
	}
	if p.BytesTransferred != nil && *p.BytesTransferred < 0 {
		return p, schemaErr("negative bytes transferred")
	}
	if p.TotalBytes != nil && *p.TotalBytes < 0 {
		return p, schemaErr("negative total bytes")
	}
	if p.BytesTransferred != nil && p.TotalBytes != nil && *p.BytesTransferred > *p.TotalBytes {
		return p, schemaErr("bytes transferred exceeds total")
	}
	if p.Speed != nil && *p.Speed < 0 {
		return p, schemaErr("negative speed")
	}
	switch p.Stage {
	case "", "converting", "transferring":
	default:
		return p, schemaErr("bad stage %q", p.Stage)
	}
	return p, nil
}

func decodeTransferComplete(data []byte) (TransferCompletePayload, error) {
	var p TransferCompletePayload
	if err := strictUnmarshal(data, &p); err != nil {
		return p, err
	}
	if !ValidRoomCode(p.RoomID) {
		return p, schemaErr("bad room code")
	}
	if p.TotalBytes < 0 {
		return p, schemaErr("negative total bytes")
	}
	return p, nil
}

func decodeTransferCancel(data []byte) (TransferCancelPayload, error) {
	var p TransferCancelPayload
	if err := strictUnmarshal(data, &p); err != nil {
		return p, err
	}
	if !ValidRoomCode(p.RoomID) {
		return p, schemaErr("bad room code")
	}
	switch p.CancelledBy {
	case "", RoleSender, RoleReceiver, RoleSystem:
	default:
		return p, schemaErr("bad cancelledBy %q", p.CancelledBy)
	}
	if p.FileIndex != nil && *p.FileIndex < 0 {
		return p, schemaErr("negative file index")
	}
	if len(p.Reason) > MaxReasonChars {
		return p, schemaErr("reason exceeds %d chars", MaxReasonChars)
	}
	return p, nil
}

func decodeTroubleshoot(data []byte) (TroubleshootPayload, error) {
	var p TroubleshootPayload
	if err := strictUnmarshal(data, &p); err != nil {
		return p, err
	}
	if !ValidRoomCode(p.RoomID) {
		return p, schemaErr("bad room code")
	}
	if len(p.Issue) > MaxReasonChars {
		return p, schemaErr("issue exceeds %d chars", MaxReasonChars)
	}
	return p, nil
}

func decodeHeartbeat(data []byte) (HeartbeatPayload, error) {
	var p HeartbeatPayload
	if err := strictUnmarshal(data, &p); err != nil {
		return p, err
	}
	if !ValidRoomCode(p.RoomID) {
		return p, schemaErr("bad room code")
	}
	return p, nil
}
