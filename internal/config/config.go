package config

import (
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/adrg/xdg"
	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"
)

const configFileName = "piecework"

// Config holds the configuration options for the application.
type Config struct {
	Transfer *TransferConfig `yaml:"transfer,omitempty"`
	Http     *HttpConfig     `yaml:"http,omitempty"`
	Torrent  *TorrentConfig  `yaml:"torrent,omitempty"`
}

// TransferConfig holds the knobs of the piece engine shared by every protocol.
type TransferConfig struct {
	PieceLength            datasize.ByteSize `yaml:"pieceLength,omitempty"`
	BlockSize              datasize.ByteSize `yaml:"blockSize,omitempty"`
	CheckIntegrity         bool              `yaml:"checkIntegrity,omitempty"`
	Continue               bool              `yaml:"continue,omitempty"`
	AllowPieceLengthChange bool              `yaml:"allowPieceLengthChange,omitempty"`
	SaveInterval           time.Duration     `yaml:"saveInterval,omitempty"`
	RequestTimeout         time.Duration     `yaml:"requestTimeout,omitempty"`
	PipelineDepth          int               `yaml:"pipelineDepth,omitempty"`
	EndGameThreshold       int               `yaml:"endGameThreshold,omitempty"`
	ProgressInterval       time.Duration     `yaml:"progressInterval,omitempty"`
	Strategy               string            `yaml:"strategy,omitempty"`
	ControlBackend         string            `yaml:"controlBackend,omitempty"`
	Allocation             string            `yaml:"allocation,omitempty"`
	// ControlDB is the database file used by the bbolt backend. Empty means
	// the default location under the XDG data directory.
	ControlDB              string            `yaml:"controlDB,omitempty"`
}

// HttpConfig holds configuration options for HTTP downloads.
type HttpConfig struct {
	DownloadDir  string            `yaml:"dir,omitempty"`
	Split        int               `yaml:"split,omitempty"`
	MinSplitSize datasize.ByteSize `yaml:"minSplitSize,omitempty"`
	MaxRetries   int               `yaml:"maxRetries,omitempty"`
	RetryDelay   time.Duration     `yaml:"retryDelay,omitempty"`
	RateLimit    datasize.ByteSize `yaml:"rateLimit,omitempty"`
	// Checksum is a whole-file digest in the form algo=hex. It belongs to one
	// download and is only set from the command line.
	Checksum     string            `yaml:"-"`
}

// TorrentConfig holds configuration options for torrent downloads.
type TorrentConfig struct {
	DownloadDir string `yaml:"dir,omitempty"`
}

// Path returns the location of the configuration file.
func Path() string {
	return filepath.Join(xdg.ConfigHome, configFileName)
}

// GetConfig reads the configuration file and returns a Config struct.
// If the configuration file does not exist, it returns the default configuration.
func GetConfig() (*Config, error) {
	defaults := DefaultConfig()

	b, err := os.ReadFile(Path())
	if err != nil {
		if os.IsNotExist(err) {
			return &defaults, nil
		}

		return nil, err
	}

	if len(b) == 0 {
		return &defaults, nil
	}

	var cfg Config

	err = yaml.Unmarshal(b, &cfg)
	if err != nil {
		return nil, err
	}

	transferCfg := zeroOr(cfg.Transfer, defaults.Transfer)
	httpCfg := zeroOr(cfg.Http, defaults.Http)
	torrentCfg := zeroOr(cfg.Torrent, defaults.Torrent)

	return &Config{
		Transfer: &TransferConfig{
			PieceLength:            zeroOr(transferCfg.PieceLength, defaults.Transfer.PieceLength),
			BlockSize:              zeroOr(transferCfg.BlockSize, defaults.Transfer.BlockSize),
			CheckIntegrity:         transferCfg.CheckIntegrity,
			Continue:               transferCfg.Continue,
			AllowPieceLengthChange: transferCfg.AllowPieceLengthChange,
			SaveInterval:           zeroOr(transferCfg.SaveInterval, defaults.Transfer.SaveInterval),
			RequestTimeout:         zeroOr(transferCfg.RequestTimeout, defaults.Transfer.RequestTimeout),
			PipelineDepth:          zeroOr(transferCfg.PipelineDepth, defaults.Transfer.PipelineDepth),
			EndGameThreshold:       zeroOr(transferCfg.EndGameThreshold, defaults.Transfer.EndGameThreshold),
			ProgressInterval:       zeroOr(transferCfg.ProgressInterval, defaults.Transfer.ProgressInterval),
			Strategy:               zeroOr(transferCfg.Strategy, defaults.Transfer.Strategy),
			ControlBackend:         zeroOr(transferCfg.ControlBackend, defaults.Transfer.ControlBackend),
			Allocation:             zeroOr(transferCfg.Allocation, defaults.Transfer.Allocation),
			ControlDB:              transferCfg.ControlDB,
		},
		Http: &HttpConfig{
			DownloadDir:  zeroOr(httpCfg.DownloadDir, defaults.Http.DownloadDir),
			Split:        zeroOr(httpCfg.Split, defaults.Http.Split),
			MinSplitSize: zeroOr(httpCfg.MinSplitSize, defaults.Http.MinSplitSize),
			MaxRetries:   zeroOr(httpCfg.MaxRetries, defaults.Http.MaxRetries),
			RetryDelay:   zeroOr(httpCfg.RetryDelay, defaults.Http.RetryDelay),
			RateLimit:    httpCfg.RateLimit,
		},
		Torrent: &TorrentConfig{
			DownloadDir: zeroOr(torrentCfg.DownloadDir, defaults.Torrent.DownloadDir),
		},
	}, nil
}

func DefaultConfig() Config {
	return Config{
		Transfer: &TransferConfig{
			PieceLength:      pieceLength,
			BlockSize:        blockSize,
			SaveInterval:     saveInterval,
			RequestTimeout:   requestTimeout,
			PipelineDepth:    pipelineDepth,
			EndGameThreshold: endGameThreshold,
			ProgressInterval: progressInterval,
			Strategy:         strategy,
			ControlBackend:   controlBackend,
			Allocation:       allocation,
		},
		Http: &HttpConfig{
			DownloadDir:  downloadDir,
			Split:        httpSplit,
			MinSplitSize: minSplitSize,
			MaxRetries:   maxRetries,
			RetryDelay:   retryDelay,
		},
		Torrent: &TorrentConfig{
			DownloadDir: downloadDir,
		},
	}
}

// zeroOr returns def if v is the zero value for its type.
func zeroOr[T any](v, def T) T {
	if reflect.ValueOf(v).IsZero() {
		return def
	}

	return v
}
