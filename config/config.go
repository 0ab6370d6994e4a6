// Package config holds the settings of a loader run. Values come from an
// optional YAML file and are overridden by command line flags.
package config

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/sliverarmory/cafeloader/artifact"
	"github.com/sliverarmory/cafeloader/handshake"
	"github.com/sliverarmory/cafeloader/memcopy"
)

type Config struct {
	Root    string `yaml:"root"`
	TitleID string `yaml:"title_id"`
	PID     int    `yaml:"pid"`
	Mode    string `yaml:"mode"`

	ByteOrder string `yaml:"byte_order"`

	Port       int           `yaml:"port"`
	FieldWidth int           `yaml:"field_width"`
	Timeout    time.Duration `yaml:"timeout"`

	CallbackAddr   string `yaml:"callback_addr"`
	CallbackSymbol string `yaml:"callback_symbol"`
	CallbackModule string `yaml:"callback_module"`

	Listen string   `yaml:"listen"`
	Allow  []string `yaml:"allow"`

	LogLevel        string `yaml:"log_level"`
	LogFormat       string `yaml:"log_format"`
	MetricsTextfile string `yaml:"metrics_textfile"`
}

func Default() Config {
	return Config{
		Root:       artifact.DefaultRoot,
		Mode:       string(memcopy.ModeProcMem),
		ByteOrder:  "big",
		Port:       handshake.DefaultPort,
		FieldWidth: handshake.DefaultFieldWidth,
		Listen:     ":" + strconv.Itoa(handshake.DefaultPort),
		LogLevel:   "info",
		LogFormat:  "logfmt",
	}
}

// Load reads a YAML file on top of the defaults. Unknown keys are errors.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// RegisterFlags binds cfg to flags. Flag defaults come from cfg.
func (cfg *Config) RegisterFlags(flags *pflag.FlagSet) {
	flags.StringVar(&cfg.Root, "root", cfg.Root, "Directory holding ip.bin and the per-title artifact directories")
	flags.StringVar(&cfg.TitleID, "title-id", cfg.TitleID, "Title identifier (hex) selecting the artifact directory")
	flags.IntVar(&cfg.PID, "pid", cfg.PID, "Target process id")
	flags.StringVar(&cfg.Mode, "mode", cfg.Mode, "Target write path: procmem or vmwritev")
	flags.StringVar(&cfg.ByteOrder, "byte-order", cfg.ByteOrder, "Byte order of the artifacts and the handshake reply: big or little")
	flags.IntVar(&cfg.Port, "port", cfg.Port, "Handshake port")
	flags.IntVar(&cfg.FieldWidth, "field-width", cfg.FieldWidth, "Width of the title identifier field in the handshake")
	flags.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Handshake timeout, 0 waits indefinitely")
	flags.StringVar(&cfg.CallbackAddr, "callback-addr", cfg.CallbackAddr, "Address (hex) written to the callback slot before the data segment")
	flags.StringVar(&cfg.CallbackSymbol, "callback-symbol", cfg.CallbackSymbol, "Resolve the callback address from this symbol in the target")
	flags.StringVar(&cfg.CallbackModule, "callback-module", cfg.CallbackModule, "Module path substring the callback symbol is looked up in (default libc)")
	flags.StringVar(&cfg.Listen, "listen", cfg.Listen, "Handshake server listen address")
	flags.StringSliceVar(&cfg.Allow, "allow", cfg.Allow, "Title identifiers the handshake server accepts (default all)")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn or error")
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: logfmt or json")
	flags.StringVar(&cfg.MetricsTextfile, "metrics-textfile", cfg.MetricsTextfile, "Write run metrics in the Prometheus text format to this file")
}

// Resolve loads path (when set) and re-applies every flag that was given on
// the command line, taking its value from flagged.
func Resolve(path string, flagged Config, flags *pflag.FlagSet) (Config, error) {
	if path == "" {
		return flagged, nil
	}
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	flags.Visit(func(flag *pflag.Flag) {
		cfg.override(flag.Name, flagged)
	})
	return cfg, nil
}

func (cfg *Config) override(name string, from Config) {
	switch name {
	case "root":
		cfg.Root = from.Root
	case "title-id":
		cfg.TitleID = from.TitleID
	case "pid":
		cfg.PID = from.PID
	case "mode":
		cfg.Mode = from.Mode
	case "byte-order":
		cfg.ByteOrder = from.ByteOrder
	case "port":
		cfg.Port = from.Port
	case "field-width":
		cfg.FieldWidth = from.FieldWidth
	case "timeout":
		cfg.Timeout = from.Timeout
	case "callback-addr":
		cfg.CallbackAddr = from.CallbackAddr
	case "callback-symbol":
		cfg.CallbackSymbol = from.CallbackSymbol
	case "callback-module":
		cfg.CallbackModule = from.CallbackModule
	case "listen":
		cfg.Listen = from.Listen
	case "allow":
		cfg.Allow = from.Allow
	case "log-level":
		cfg.LogLevel = from.LogLevel
	case "log-format":
		cfg.LogFormat = from.LogFormat
	case "metrics-textfile":
		cfg.MetricsTextfile = from.MetricsTextfile
	}
}

func (cfg Config) Validate() error {
	var errs []error
	if _, err := cfg.Order(); err != nil {
		errs = append(errs, err)
	}
	if _, err := memcopy.ParseMode(cfg.Mode); err != nil {
		errs = append(errs, err)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", cfg.Port))
	}
	if cfg.FieldWidth <= 0 {
		errs = append(errs, fmt.Errorf("field width must be positive, got %d", cfg.FieldWidth))
	}
	if cfg.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout cannot be negative"))
	}
	if cfg.TitleID != "" {
		if _, err := artifact.ParseTitleID(cfg.TitleID); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.CallbackAddr != "" {
		if _, err := cfg.Callback(); err != nil {
			errs = append(errs, err)
		}
		if cfg.CallbackSymbol != "" {
			errs = append(errs, errors.New("callback-addr and callback-symbol are mutually exclusive"))
		}
	}
	return errors.Join(errs...)
}

// Order is the configured byte order.
func (cfg Config) Order() (binary.ByteOrder, error) {
	return ParseByteOrder(cfg.ByteOrder)
}

// Callback parses CallbackAddr. An empty value is zero.
func (cfg Config) Callback() (uint32, error) {
	s := strings.TrimSpace(cfg.CallbackAddr)
	if s == "" {
		return 0, nil
	}
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid callback address %q: %w", cfg.CallbackAddr, err)
	}
	return uint32(v), nil
}

func ParseByteOrder(s string) (binary.ByteOrder, error) {
	switch strings.ToLower(s) {
	case "big", "be", "":
		return binary.BigEndian, nil
	case "little", "le":
		return binary.LittleEndian, nil
	default:
		return nil, fmt.Errorf("unknown byte order %q", s)
	}
}
