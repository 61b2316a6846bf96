package app

import "errors"

var (
	// ErrNotReady means the user or the active patient is not known yet.
	ErrNotReady              = errors.New("conversation not ready")
	ErrConversationNotFound  = errors.New("conversation not found")
	ErrConversationForbidden = errors.New("conversation forbidden")
	ErrEmptyMessage          = errors.New("message is empty")
	ErrAttachmentNotFound    = errors.New("attachment not found")
	ErrFileTooLarge          = errors.New("file too large")
	ErrUnsupportedFileType   = errors.New("unsupported file type")
	// ErrFetchMessages wraps every failed message page load.
	ErrFetchMessages = errors.New("fetch messages failed")
	// ErrUnavailable marks transient store or object-storage failures.
	ErrUnavailable = errors.New("storage temporarily unavailable")
)
