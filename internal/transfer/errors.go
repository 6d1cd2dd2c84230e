package transfer

import "errors"

var (
	ErrNotOpen      = errors.New("session is not open")
	ErrAlreadyOpen  = errors.New("session is already open")
	ErrIncomplete   = errors.New("transfer is not complete")
	ErrUnknownPeer  = errors.New("unknown peer")
	ErrInvalidBlock = errors.New("block does not belong to the transfer")
	ErrNoSegments   = errors.New("segmented transfer has not started")
)
