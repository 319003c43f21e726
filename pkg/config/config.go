package config

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	prefix      = "smtp2tg"
	tableFormat = `smtp2tg is configured via the environment. The following environment
variables can be used:

KEY	DEFAULT	REQUIRED	DESCRIPTION
{{range .}}{{usage_key .}}	{{usage_default .}}	{{usage_required .}}	{{usage_description .}}
{{end}}`
)

var (
	// Version of this build, set by main
	Version = ""

	// BuildDate for this build, set by main
	BuildDate = ""
)

// Root wraps all other configurations.
type Root struct {
	LogLevel      string        `required:"true" default:"info" desc:"debug, info, warn, or error"`
	ShutdownGrace time.Duration `required:"true" default:"15s" desc:"Time allowed for in-flight relays at shutdown"`
	SMTP          SMTP
	Telegram      Telegram
	Web           Web
	Lua           Lua
}

// SMTP contains the SMTP server configuration.
type SMTP struct {
	Bind            string        `required:"true" default:"0.0.0.0" desc:"SMTP server bind IP"`
	Port            int           `required:"true" default:"2525" desc:"SMTP server port"`
	Domain          string        `required:"true" default:"smtp2tg" desc:"HELO domain"`
	MaxRecipients   int           `required:"true" default:"100" desc:"Maximum RCPT TO per message"`
	MaxMessageBytes int           `required:"true" default:"10240000" desc:"Maximum message size"`
	MaxLineLength   int           `required:"true" default:"1000" desc:"Maximum command line length"`
	Timeout         time.Duration `required:"true" default:"300s" desc:"Idle network timeout"`
	MaxSession      time.Duration `required:"true" default:"30m" desc:"Maximum session duration"`
	Debug           bool          `ignored:"true"`
}

// Addr returns the host:port the SMTP listener binds to.
func (s SMTP) Addr() string {
	return net.JoinHostPort(s.Bind, strconv.Itoa(s.Port))
}

// Telegram contains the destination Bot API configuration.
type Telegram struct {
	Token       string        `required:"true" desc:"Telegram bot token"`
	ChatID      string        `required:"true" desc:"Telegram destination chat ID"`
	APIURL      string        `required:"true" default:"https://api.telegram.org" desc:"Bot API base URL"`
	Timeout     time.Duration `required:"true" default:"30s" desc:"HTTP request timeout"`
	ChunkSize   int           `required:"true" default:"4096" desc:"Maximum characters per Telegram message"`
	Lookback    int           `required:"true" default:"500" desc:"Line break search window when splitting"`
	MaxAttempts int           `required:"true" default:"3" desc:"Send attempts per chunk"`
	Backoff     time.Duration `required:"true" default:"1s" desc:"Initial retry backoff"`
	MaxBackoff  time.Duration `required:"true" default:"30s" desc:"Maximum retry backoff"`
	ChunkDelay  time.Duration `required:"true" default:"100ms" desc:"Pause between chunks of one message"`
	Envelope    bool          `default:"false" desc:"Prefix messages with From/To/Subject"`
}

// Web contains the status & monitor HTTP server configuration.
type Web struct {
	Addr           string `default:"127.0.0.1:9025" desc:"Status HTTP host:port, empty disables"`
	MonitorHistory int    `required:"true" default:"30" desc:"Monitor remembered relays"`
}

// Lua contains the Lua extension host configuration.
type Lua struct {
	Path string `required:"true" default:"smtp2tg.lua" desc:"Lua script path"`
}

// Process loads and parses configuration from the environment.
func Process() (*Root, error) {
	c := &Root{}
	if err := envconfig.Process(prefix, c); err != nil {
		return c, err
	}
	return c, c.Validate()
}

// Validate checks values envconfig cannot express as tags.
func (c *Root) Validate() error {
	var errs []error
	if c.Telegram.Token == "" {
		errs = append(errs, errors.New("telegram token is empty"))
	}
	if c.Telegram.ChatID == "" {
		errs = append(errs, errors.New("telegram chat ID is empty"))
	}
	if net.ParseIP(c.SMTP.Bind) == nil {
		errs = append(errs, fmt.Errorf("invalid bind address: %q", c.SMTP.Bind))
	}
	if c.SMTP.Port < 1 || c.SMTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port: %d", c.SMTP.Port))
	}
	positive := []struct {
		name  string
		value int
	}{
		{"SMTP.MaxRecipients", c.SMTP.MaxRecipients},
		{"SMTP.MaxMessageBytes", c.SMTP.MaxMessageBytes},
		{"SMTP.MaxLineLength", c.SMTP.MaxLineLength},
		{"Telegram.ChunkSize", c.Telegram.ChunkSize},
		{"Telegram.MaxAttempts", c.Telegram.MaxAttempts},
	}
	for _, p := range positive {
		if p.value < 1 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", p.name, p.value))
		}
	}
	if c.Telegram.Lookback < 0 {
		errs = append(errs, fmt.Errorf("Telegram.Lookback must not be negative, got %d",
			c.Telegram.Lookback))
	}
	return errors.Join(errs...)
}

// Usage prints out the envconfig usage to Stderr.
func Usage() {
	tabs := tabwriter.NewWriter(os.Stderr, 1, 0, 4, ' ', 0)
	if err := envconfig.Usagef(prefix, &Root{}, tabs, tableFormat); err != nil {
		log.Fatalf("Unable to parse env config: %v", err)
	}
	tabs.Flush()
}
