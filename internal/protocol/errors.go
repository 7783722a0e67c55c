package protocol

import "errors"

var (
	ErrNoProgress          = errors.New("protocol: digest made no progress")
	ErrUnsupportedVersion  = errors.New("protocol: unsupported envelope version")
	ErrHeaderUnsupported   = errors.New("protocol: header extension unsupported")
	ErrUnexpectedChunkType = errors.New("protocol: unexpected chunk type")
)
