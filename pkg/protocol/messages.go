package protocol

import "time"

// Message is any payload that knows the event name it travels under.
type Message interface {
	Event() string
}

// Outbound is the closed set of events a client sends to a responder.
type Outbound interface {
	Message
	outbound()
}

// Inbound is the closed set of events a responder sends to a client.
type Inbound interface {
	Message
	inbound()
}

// FileEntry describes one remote file system entry.
type FileEntry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	IsDir   bool      `json:"isDir"`
	Size    int64     `json:"size"`
	Mode    uint32    `json:"mode"`
	ModTime time.Time `json:"modTime"`
}

// Chunk is one ordered slice of a file, base64 encoded for transport.
type Chunk struct {
	Index  int    `json:"chunkIndex"`
	Data   string `json:"data"`
	IsLast bool   `json:"isLast"`
}

// ListRequest asks for a directory listing.
type ListRequest struct {
	Path       string `json:"path"`
	ShowHidden bool   `json:"showHidden,omitempty"`
}

// StatRequest asks for metadata of a single entry.
type StatRequest struct {
	Path string `json:"path"`
}

// MkdirRequest creates a remote directory.
type MkdirRequest struct {
	Path string  `json:"path"`
	Mode *uint32 `json:"mode,omitempty"`
}

// DeleteRequest removes a remote file or directory.
type DeleteRequest struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive,omitempty"`
}

// UploadStart announces a new upload. The responder assigns the transfer ID.
type UploadStart struct {
	RequestID  string `json:"requestId,omitempty"`
	FileName   string `json:"fileName"`
	RemotePath string `json:"remotePath"`
	Size       int64  `json:"size"`
	MimeType   string `json:"mimeType,omitempty"`
	Overwrite  bool   `json:"overwrite,omitempty"`
}

// UploadChunk carries one chunk of an upload.
type UploadChunk struct {
	TransferID string `json:"transferId"`
	Chunk
}

// UploadCancel aborts an upload.
type UploadCancel struct {
	TransferID string `json:"transferId"`
}

// DownloadStart requests a download. The responder assigns the transfer ID.
type DownloadStart struct {
	RequestID  string `json:"requestId,omitempty"`
	RemotePath string `json:"remotePath"`
}

// DownloadCancel aborts a download.
type DownloadCancel struct {
	TransferID string `json:"transferId"`
}

// Directory answers a ListRequest. Path is the canonical path, which may
// differ from the requested one.
type Directory struct {
	Path string `json:"path"`
	// RequestPath echoes ListRequest.Path when the peer supports it.
	RequestPath string      `json:"requestPath,omitempty"`
	Entries     []FileEntry `json:"entries"`
	Error       string      `json:"error,omitempty"`
}

// StatResult answers a StatRequest.
type StatResult struct {
	Path        string     `json:"path"`
	RequestPath string     `json:"requestPath,omitempty"`
	Entry       *FileEntry `json:"entry,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// OperationResult answers mkdir and delete.
type OperationResult struct {
	Operation   string `json:"operation"`
	Path        string `json:"path"`
	RequestPath string `json:"requestPath,omitempty"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

// UploadReady answers UploadStart with the assigned transfer ID.
type UploadReady struct {
	RequestID  string `json:"requestId,omitempty"`
	TransferID string `json:"transferId"`
	ChunkSize  int    `json:"chunkSize,omitempty"`
}

// UploadAck acknowledges one upload chunk.
type UploadAck struct {
	TransferID    string `json:"transferId"`
	ChunkIndex    int    `json:"chunkIndex"`
	BytesReceived int64  `json:"bytesReceived"`
}

// DownloadReady answers DownloadStart with the assigned transfer ID.
type DownloadReady struct {
	RequestID  string `json:"requestId,omitempty"`
	TransferID string `json:"transferId"`
	FileName   string `json:"fileName"`
	Size       int64  `json:"size"`
	MimeType   string `json:"mimeType,omitempty"`
}

// DownloadChunk carries one chunk of a download.
type DownloadChunk struct {
	TransferID string `json:"transferId"`
	Chunk
}

// Progress is a responder-side view of a transfer's progress.
type Progress struct {
	TransferID                string   `json:"transferId"`
	BytesTransferred          int64    `json:"bytesTransferred"`
	PercentComplete           int      `json:"percentComplete"`
	BytesPerSecond            float64  `json:"bytesPerSecond"`
	EstimatedSecondsRemaining *float64 `json:"estimatedSecondsRemaining,omitempty"`
}

// Complete is the final confirmation of a transfer.
type Complete struct {
	TransferID       string    `json:"transferId"`
	Direction        Direction `json:"direction,omitempty"`
	BytesTransferred int64     `json:"bytesTransferred,omitempty"`
}

// ErrorEvent reports a failed operation. Path, TransferID and RequestID are
// optional; RequestID echoes the nonce of a failed start request.
type ErrorEvent struct {
	Operation  string `json:"operation"`
	Path       string `json:"path,omitempty"`
	TransferID string `json:"transferId,omitempty"`
	RequestID  string `json:"requestId,omitempty"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (ListRequest) Event() string     { return EventList }
func (StatRequest) Event() string     { return EventStat }
func (MkdirRequest) Event() string    { return EventMkdir }
func (DeleteRequest) Event() string   { return EventDelete }
func (UploadStart) Event() string     { return EventUploadStart }
func (UploadChunk) Event() string     { return EventUploadChunk }
func (UploadCancel) Event() string    { return EventUploadCancel }
func (DownloadStart) Event() string   { return EventDownloadStart }
func (DownloadCancel) Event() string  { return EventDownloadCancel }
func (Directory) Event() string       { return EventDirectory }
func (StatResult) Event() string      { return EventStatResult }
func (OperationResult) Event() string { return EventOperationResult }
func (UploadReady) Event() string     { return EventUploadReady }
func (UploadAck) Event() string       { return EventUploadAck }
func (DownloadReady) Event() string   { return EventDownloadReady }
func (DownloadChunk) Event() string   { return EventDownloadChunk }
func (Progress) Event() string        { return EventProgress }
func (Complete) Event() string        { return EventComplete }
func (ErrorEvent) Event() string      { return EventError }

func (ListRequest) outbound()    {}
func (StatRequest) outbound()    {}
func (MkdirRequest) outbound()   {}
func (DeleteRequest) outbound()  {}
func (UploadStart) outbound()    {}
func (UploadChunk) outbound()    {}
func (UploadCancel) outbound()   {}
func (DownloadStart) outbound()  {}
func (DownloadCancel) outbound() {}

func (Directory) inbound()       {}
func (StatResult) inbound()      {}
func (OperationResult) inbound() {}
func (UploadReady) inbound()     {}
func (UploadAck) inbound()       {}
func (DownloadReady) inbound()   {}
func (DownloadChunk) inbound()   {}
func (Progress) inbound()        {}
func (Complete) inbound()        {}
func (ErrorEvent) inbound()      {}
