package qmux

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Config controls frame sizing, queue depths, and diagnostics for a Mux.
// Every field has a usable zero-value-safe default; construct one with
// DefaultConfig and override only what you need.
type Config struct {
	// MaxFrameSize is the largest total frame (header + payload) this
	// peer will accept on the read path. Larger frames are dropped.
	MaxFrameSize int `yaml:"max_frame_size"`

	// BufSize is the chunk size used when turning a stream Write into
	// data frames. Must satisfy BufSize+frameHeaderSize <= MaxFrameSize;
	// BufSize <= MaxFrameSize-512 is recommended to leave headroom for
	// the header and any carrier-level overhead.
	BufSize int `yaml:"buf_size"`

	// MaxQueuedFrames bounds the outbound frame queue. Once full,
	// stream writers block (backpressure).
	MaxQueuedFrames int `yaml:"max_queued_frames"`

	// AcceptQueueLen bounds the number of accepted-but-unclaimed
	// sockets a Listener buffers before Accept backpressures the
	// reader loop.
	AcceptQueueLen int `yaml:"accept_queue_len"`

	// Identifier is an opaque tag attached to diagnostic log lines.
	Identifier string `yaml:"identifier"`

	// Logger receives diagnostic events: dropped oversize frames,
	// unrecognized flag bytes, RST-on-unknown-port, carrier loss.
	// Never load-bearing for correctness. Defaults to slog.Default().
	Logger *slog.Logger `yaml:"-"`
}

const frameHeaderSize = 2 + 2 + 1 + 2 + 4 // sport, dport, flag, reserved, seq

// DefaultConfig returns the default Config, matching the values used by
// the reference implementation this protocol was distilled from.
func DefaultConfig() Config {
	return Config{
		MaxFrameSize:    4 * 1024 * 1024,
		BufSize:         1024 * 1024,
		MaxQueuedFrames: 256,
		AcceptQueueLen:  16,
		Identifier:      "",
		Logger:          slog.Default(),
	}
}

// withDefaults fills in zero-valued fields of c with DefaultConfig's
// values and validates the sizing invariant between BufSize and
// MaxFrameSize.
func (c Config) withDefaults() (Config, error) {
	d := DefaultConfig()
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = d.MaxFrameSize
	}
	if c.BufSize == 0 {
		c.BufSize = d.BufSize
	}
	if c.MaxQueuedFrames == 0 {
		c.MaxQueuedFrames = d.MaxQueuedFrames
	}
	if c.AcceptQueueLen == 0 {
		c.AcceptQueueLen = d.AcceptQueueLen
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	if c.BufSize+frameHeaderSize > c.MaxFrameSize {
		return Config{}, fmt.Errorf("qmux: buf_size (%d) + header (%d) exceeds max_frame_size (%d)", c.BufSize, frameHeaderSize, c.MaxFrameSize)
	}
	return c, nil
}

// WithIdentifier returns a copy of c tagged with identifier for
// diagnostic logging.
func (c Config) WithIdentifier(identifier string) Config {
	c.Identifier = identifier
	return c
}

// LoadConfig reads a YAML-encoded Config from path. It is intended for
// example drivers and CLI tools built on top of the library; the core
// multiplexor itself accepts a Config value directly and never touches
// the filesystem.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("qmux: opening config %q: %w", path, err)
	}
	defer f.Close()

	var c Config
	if err := yaml.NewDecoder(f).Decode(&c); err != nil {
		return Config{}, fmt.Errorf("qmux: parsing config %q: %w", path, err)
	}
	return c.withDefaults()
}
