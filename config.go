package duplex

import (
	"math"
	"os"
	"runtime"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config holds the settings of an Engine.
type Config struct {
	// Workers is the number of stream workers. Zero means one per CPU.
	Workers int `yaml:"workers"`
	// RingSize is the capacity of each worker ring, a power of two.
	RingSize int `yaml:"ring_size"`
	// MaxFrameSize limits encoded frames in both directions. It may not exceed
	// the package level MaxFrameSize.
	MaxFrameSize int `yaml:"max_frame_size"`
	// MaxMessageSize limits reassembled messages.
	MaxMessageSize int `yaml:"max_message_size"`
	// Initiator selects the id space for locally opened streams. The two
	// engines sharing a transport must disagree.
	Initiator bool `yaml:"initiator"`
	// NetLog logs every frame read and written at debug level.
	NetLog bool `yaml:"net_log"`
	// ReadTimeout bounds how long Shutdown waits for streams to finish.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// ReplyID maps an initial stream id to its reply id. The result must have
	// the low bit clear and be served by the same worker, see Validate.
	// Nil means DefaultReplyID. Both engines on a transport must agree.
	ReplyID func(initialID uint64) uint64 `yaml:"-"`
	// Budgets is the Debitor shared by engines of one process. Nil creates one.
	Budgets *Debitor `yaml:"-"`
	// Logger receives engine events.
	Logger zerolog.Logger `yaml:"-"`
	// StatsCollector receives transport statistics (optional).
	StatsCollector StatsCollector `yaml:"-"`
}

// DefaultConfig returns a Config with every setting at its default.
func DefaultConfig() Config {
	return Config{
		Workers:        runtime.NumCPU(),
		RingSize:       DefaultRingSize,
		MaxFrameSize:   MaxFrameSize,
		MaxMessageSize: MaxMessageSize,
		ReadTimeout:    DefaultReadTimeout,
		Logger:         zerolog.Nop(),
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig.
func LoadConfig(path string) (cfg Config, err error) {
	cfg = DefaultConfig()
	var b []byte
	if b, err = os.ReadFile(path); err == nil {
		if err = yaml.Unmarshal(b, &cfg); err == nil {
			err = cfg.Validate()
		}
	}
	err = errors.Wrapf(err, "config %q", path)
	return
}

func (cfg *Config) setDefaults() {
	if cfg.Workers == 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.RingSize == 0 {
		cfg.RingSize = DefaultRingSize
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = MaxFrameSize
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = MaxMessageSize
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.ReplyID == nil {
		cfg.ReplyID = DefaultReplyID
	}
}

var replyIDProbes = []uint64{1, 3, 5, 7, 0x101, 0xfffd, 1<<33 | 1, 1<<62 | 3, math.MaxUint64}

// Validate fills in defaults for zero settings and checks the rest.
func (cfg *Config) Validate() error {
	cfg.setDefaults()
	if cfg.Workers < 1 {
		return errors.Errorf("workers %d < 1", cfg.Workers)
	}
	if cfg.RingSize < 2 || cfg.RingSize&(cfg.RingSize-1) != 0 {
		return errors.Errorf("ring_size %d is not a power of two", cfg.RingSize)
	}
	if cfg.MaxFrameSize < FrameHeaderSize+64 || cfg.MaxFrameSize > MaxFrameSize {
		return errors.Errorf("max_frame_size %d outside [%d, %d]", cfg.MaxFrameSize, FrameHeaderSize+64, MaxFrameSize)
	}
	if cfg.MaxMessageSize < 1 {
		return errors.Errorf("max_message_size %d < 1", cfg.MaxMessageSize)
	}
	if cfg.ReadTimeout < 0 {
		return errors.Errorf("read_timeout %v < 0", cfg.ReadTimeout)
	}
	for _, id := range replyIDProbes {
		r := cfg.ReplyID(id)
		if IsInitial(r) {
			return errors.Errorf("reply id %x for %x has the low bit set", r, id)
		}
		if workerIndex(r, cfg.Workers) != workerIndex(id, cfg.Workers) {
			return errors.Errorf("reply id %x for %x maps to a different worker", r, id)
		}
	}
	return nil
}

// workerIndex returns the worker serving a half-stream id.
func workerIndex(streamID uint64, workers int) int {
	return int((streamID >> 1) % uint64(workers))
}
