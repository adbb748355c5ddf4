package config

import (
	"io"
	"time"

	"github.com/spf13/pflag"
)

type Config struct {
	Host       Host
	Log        Log
	Session    Session
	Reliable   Reliable
	Transport  Transport
	Webrtc     Webrtc
	Monitoring Monitoring
}

type Host struct {
	// LockFile keeps a second host on the machine from starting, empty is the temp dir.
	LockFile string
	// Seats is the number of the joined seats to wait for before the match request, 0 skips the match.
	Seats int
	Mode  string `default:"coop"`
	User  string `default:"host"`
}

type Log struct {
	Debug   bool
	Console bool
	NoColor bool
	Tag     string `default:"host"`
}

type Session struct {
	// TickPeriod is the interval between two processing ticks.
	TickPeriod time.Duration `default:"16ms"`
	// AnswerTimeout bounds the wait for the remote answer.
	AnswerTimeout time.Duration `default:"15s"`
	// GatheringTimeout bounds the wait for ICE gathering in the vanilla ICE mode.
	GatheringTimeout time.Duration `default:"5s"`
	// VanillaIce sends the offer only after ICE gathering is complete
	// instead of trickling the candidates.
	VanillaIce bool
	// MaxInputPerTick caps the input messages drained per tick, 0 means no limit.
	MaxInputPerTick int
	QuorumPoll      time.Duration `default:"100ms"`
}

type Reliable struct {
	RetryLimit   int           `default:"10"`
	BaseWait     time.Duration `default:"1s"`
	PerRetryWait time.Duration `default:"1s"`
	// CallTimeout bounds a single request/response exchange.
	CallTimeout time.Duration `default:"5s"`
}

type Transport struct {
	Address     string        `default:"ws://localhost:9000/session"`
	DialTimeout time.Duration `default:"10s"`
}

type Monitoring struct {
	Port             int
	URLPrefix        string
	MetricEnabled    bool `json:"metric_enabled"`
	ProfilingEnabled bool `json:"profiling_enabled"`
}

func (c *Monitoring) IsEnabled() bool { return c.MetricEnabled || c.ProfilingEnabled }

// allows custom config path
var configPath string

// NewConfig loads the host configuration.
func NewConfig() (conf Config, err error) {
	err = LoadConfig(&conf, configPath)
	return
}

// Default returns the configuration built from the defaults and the environment only.
func Default() (conf Config) {
	_ = LoadConfigEnv(&conf)
	return
}

// WithFlags binds the command line flags that override the loaded values.
// The config path flag is read by NewConfig, so it has to be parsed first.
func (c *Config) WithFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Transport.Address, "transport.address", c.Transport.Address, "Transport websocket address")
	fs.IntVar(&c.Monitoring.Port, "monitoring.port", c.Monitoring.Port, "Monitoring server port")
	fs.BoolVar(&c.Log.Debug, "debug", c.Log.Debug, "Debug logging")
}

// PathFlag registers the custom config path flag.
func PathFlag(fs *pflag.FlagSet) {
	fs.StringVarP(&configPath, "conf", "c", configPath, "Set custom configuration file path")
}

// ParseFlags loads the configuration from the path given with the flags
// and puts the flag values on top of it.
func ParseFlags(fs *pflag.FlagSet, args []string) (conf Config, err error) {
	pre := pflag.NewFlagSet("conf", pflag.ContinueOnError)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	pre.SetOutput(io.Discard)
	PathFlag(pre)
	_ = pre.Parse(args)

	if conf, err = NewConfig(); err != nil {
		return
	}
	PathFlag(fs)
	conf.WithFlags(fs)
	err = fs.Parse(args)
	return
}
