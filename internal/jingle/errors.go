package jingle

import "errors"

var (
	ErrMalformed    = errors.New("malformed jingle payload")
	ErrNoContents   = errors.New("no contents")
	ErrNotIQ        = errors.New("stanza is not an iq")
	ErrNoTransport  = errors.New("content has no transport")
	ErrUnknownMedia = errors.New("unknown media type")
)
