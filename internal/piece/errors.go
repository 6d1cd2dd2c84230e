package piece

import "errors"

var (
	ErrUnalignedBlock = errors.New("block offset not aligned")
	ErrBlockLength    = errors.New("block length mismatch")
	ErrBlockRange     = errors.New("block index out of range")
)
