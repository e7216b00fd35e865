package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownEvent indicates an event name outside the expected direction.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrMissingField indicates a payload without a required field.
	ErrMissingField = errors.New("missing required field")
)

// DecodeInbound decodes a responder-to-client envelope into its typed payload.
func DecodeInbound(env Envelope) (Inbound, error) {
	var msg Inbound
	switch env.Type {
	case EventDirectory:
		var m Directory
		if err := env.DecodePayload(&m); err != nil {
			return nil, err
		}
		if m.Path == "" && m.Error == "" {
			return nil, missing(env.Type, "path")
		}
		msg = m
	case EventStatResult:
		var m StatResult
		if err := env.DecodePayload(&m); err != nil {
			return nil, err
		}
		if m.Path == "" {
			return nil, missing(env.Type, "path")
		}
		msg = m
	case EventOperationResult:
		var m OperationResult
		if err := env.DecodePayload(&m); err != nil {
			return nil, err
		}
		if m.Operation == "" {
			return nil, missing(env.Type, "operation")
		}
		msg = m
	case EventUploadReady:
		var m UploadReady
		if err := env.DecodePayload(&m); err != nil {
			return nil, err
		}
		if m.TransferID == "" {
			return nil, missing(env.Type, "transferId")
		}
		msg = m
	case EventUploadAck:
		var m UploadAck
		if err := env.DecodePayload(&m); err != nil {
			return nil, err
		}
		if m.TransferID == "" {
			return nil, missing(env.Type, "transferId")
		}
		msg = m
	case EventDownloadReady:
		var m DownloadReady
		if err := env.DecodePayload(&m); err != nil {
			return nil, err
		}
		if m.TransferID == "" {
			return nil, missing(env.Type, "transferId")
		}
		if m.Size < 0 {
			return nil, fmt.Errorf("%s: negative size %d", env.Type, m.Size)
		}
		msg = m
	case EventDownloadChunk:
		var m DownloadChunk
		if err := env.DecodePayload(&m); err != nil {
			return nil, err
		}
		if m.TransferID == "" {
			return nil, missing(env.Type, "transferId")
		}
		if m.Index < 0 {
			return nil, fmt.Errorf("%s: negative chunk index %d", env.Type, m.Index)
		}
		msg = m
	case EventProgress:
		var m Progress
		if err := env.DecodePayload(&m); err != nil {
			return nil, err
		}
		if m.TransferID == "" {
			return nil, missing(env.Type, "transferId")
		}
		msg = m
	case EventComplete:
		var m Complete
		if err := env.DecodePayload(&m); err != nil {
			return nil, err
		}
		if m.TransferID == "" {
			return nil, missing(env.Type, "transferId")
		}
		msg = m
	case EventError:
		var m ErrorEvent
		if err := env.DecodePayload(&m); err != nil {
			return nil, err
		}
		if m.Message == "" {
			return nil, missing(env.Type, "message")
		}
		msg = m
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
	return msg, nil
}

// DecodeOutbound decodes a client-to-responder envelope into its typed payload.
func DecodeOutbound(env Envelope) (Outbound, error) {
	var msg Outbound
	switch env.Type {
	case EventList:
		var m ListRequest
		if err := env.DecodePayload(&m); err != nil {
			return nil, err
		}
		if m.Path == "" {
			return nil, missing(env.Type, "path")
		}
		msg = m
	case EventStat:
		var m StatRequest
		if err := env.DecodePayload(&m); err != nil {
			return nil, err
		}
		if m.Path == "" {
			return nil, missing(env.Type, "path")
		}
		msg = m
	case EventMkdir:
		var m MkdirRequest
		if err := env.DecodePayload(&m); err != nil {
			return nil, err
		}
		if m.Path == "" {
			return nil, missing(env.Type, "path")
		}
		msg = m
	case EventDelete:
		var m DeleteRequest
		if err := env.DecodePayload(&m); err != nil {
			return nil, err
		}
		if m.Path == "" {
			return nil, missing(env.Type, "path")
		}
		msg = m
	case EventUploadStart:
		var m UploadStart
		if err := env.DecodePayload(&m); err != nil {
			return nil, err
		}
		if m.FileName == "" {
			return nil, missing(env.Type, "fileName")
		}
		if m.Size < 0 {
			return nil, fmt.Errorf("%s: negative size %d", env.Type, m.Size)
		}
		msg = m
	case EventUploadChunk:
		var m UploadChunk
		if err := env.DecodePayload(&m); err != nil {
			return nil, err
		}
		if m.TransferID == "" {
			return nil, missing(env.Type, "transferId")
		}
		if m.Index < 0 {
			return nil, fmt.Errorf("%s: negative chunk index %d", env.Type, m.Index)
		}
		msg = m
	case EventUploadCancel:
		var m UploadCancel
		if err := env.DecodePayload(&m); err != nil {
			return nil, err
		}
		if m.TransferID == "" {
			return nil, missing(env.Type, "transferId")
		}
		msg = m
	case EventDownloadStart:
		var m DownloadStart
		if err := env.DecodePayload(&m); err != nil {
			return nil, err
		}
		if m.RemotePath == "" {
			return nil, missing(env.Type, "remotePath")
		}
		msg = m
	case EventDownloadCancel:
		var m DownloadCancel
		if err := env.DecodePayload(&m); err != nil {
			return nil, err
		}
		if m.TransferID == "" {
			return nil, missing(env.Type, "transferId")
		}
		msg = m
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
	return msg, nil
}

func missing(event, field string) error {
	return fmt.Errorf("%s: %w %q", event, ErrMissingField, field)
}
