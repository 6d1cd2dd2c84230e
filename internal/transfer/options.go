package transfer

import (
	"time"

	"github.com/google/uuid"

	"github.com/NamanBalaji/piecework/internal/checksum"
	"github.com/NamanBalaji/piecework/internal/config"
	"github.com/NamanBalaji/piecework/internal/picker"
	"github.com/NamanBalaji/piecework/internal/piece"
)

// Options are the knobs of a session.
type Options struct {
	ID                     uuid.UUID
	BlockSize              int64
	Strategy               picker.Strategy
	EndGameThreshold       int
	PipelineDepth          int
	RequestTimeout         time.Duration
	SaveInterval           time.Duration
	SweepInterval          time.Duration
	CheckIntegrity         bool
	Continue               bool
	AllowPieceLengthChange bool
	Split                  int
	MinSplitSize           int64
	ProgressInterval       time.Duration
	Progress               checksum.ProgressFunc
}

// DefaultOptions returns the options used when no configuration is given.
func DefaultOptions() Options {
	return Options{
		BlockSize:        piece.DefaultBlockSize,
		Strategy:         picker.Rarest,
		EndGameThreshold: 20,
		PipelineDepth:    5,
		RequestTimeout:   60 * time.Second,
		SaveInterval:     60 * time.Second,
		SweepInterval:    time.Second,
		Split:            5,
		ProgressInterval: 500 * time.Millisecond,
	}
}

// OptionsFromConfig maps the configuration file onto session options.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	opts := DefaultOptions()
	if cfg == nil {
		return opts, nil
	}

	if t := cfg.Transfer; t != nil {
		strategy, err := picker.ParseStrategy(t.Strategy)
		if err != nil {
			return opts, err
		}

		opts.Strategy = strategy
		opts.BlockSize = int64(t.BlockSize.Bytes())
		opts.CheckIntegrity = t.CheckIntegrity
		opts.Continue = t.Continue
		opts.AllowPieceLengthChange = t.AllowPieceLengthChange
		opts.SaveInterval = t.SaveInterval
		opts.RequestTimeout = t.RequestTimeout
		opts.PipelineDepth = t.PipelineDepth
		opts.EndGameThreshold = t.EndGameThreshold
		opts.ProgressInterval = t.ProgressInterval
	}

	if h := cfg.Http; h != nil {
		opts.Split = h.Split
		opts.MinSplitSize = int64(h.MinSplitSize.Bytes())
	}

	return opts.normalize(), nil
}

// normalize replaces unusable values with defaults.
func (o Options) normalize() Options {
	def := DefaultOptions()

	if o.BlockSize <= 0 {
		o.BlockSize = def.BlockSize
	}
	if o.PipelineDepth <= 0 {
		o.PipelineDepth = def.PipelineDepth
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = def.RequestTimeout
	}
	if o.SaveInterval <= 0 {
		o.SaveInterval = def.SaveInterval
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = def.SweepInterval
	}
	if o.Split <= 0 {
		o.Split = 1
	}
	if o.MinSplitSize < 0 {
		o.MinSplitSize = 0
	}
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}

	return o
}
