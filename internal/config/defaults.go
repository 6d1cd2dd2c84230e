package config

import (
	"time"

	"github.com/adrg/xdg"
	"github.com/c2h5oh/datasize"
)

const (
	pieceLength      = 1 * datasize.MB
	blockSize        = 16 * datasize.KB
	saveInterval     = 60 * time.Second
	requestTimeout   = 60 * time.Second
	pipelineDepth    = 5
	endGameThreshold = 20
	progressInterval = 500 * time.Millisecond
	strategy         = "rarest"
	controlBackend   = "file"
	httpSplit        = 5
	minSplitSize     = 20 * datasize.MB
	maxRetries       = 3
	retryDelay       = 2 * time.Second
	allocation       = "direct"
)

var downloadDir = xdg.UserDirs.Download
