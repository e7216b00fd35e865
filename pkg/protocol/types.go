package protocol

// Outbound event names (client to responder).
const (
	EventList           = "list"
	EventStat           = "stat"
	EventMkdir          = "mkdir"
	EventDelete         = "delete"
	EventUploadStart    = "upload-start"
	EventUploadChunk    = "upload-chunk"
	EventUploadCancel   = "upload-cancel"
	EventDownloadStart  = "download-start"
	EventDownloadCancel = "download-cancel"
)

// Inbound event names (responder to client).
const (
	EventDirectory       = "directory"
	EventStatResult      = "stat-result"
	EventOperationResult = "operation-result"
	EventUploadReady     = "upload-ready"
	EventUploadAck       = "upload-ack"
	EventDownloadReady   = "download-ready"
	EventDownloadChunk   = "download-chunk"
	EventProgress        = "progress"
	EventComplete        = "complete"
	EventError           = "error"
)

// Direction of a transfer.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// Error codes carried by ErrorEvent.Code.
const (
	CodeNotFound   = "not_found"
	CodeExists     = "exists"
	CodeBadRequest = "bad_request"
	CodeIO         = "io_error"
	CodeOutOfOrder = "out_of_order"
	CodeCancelled  = "cancelled"
)
