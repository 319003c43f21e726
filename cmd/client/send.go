package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net/mail"
	"net/smtp"
	"os"
	"strings"

	"github.com/google/subcommands"
	"github.com/jhillyerd/enmime/v2"
)

type sendCmd struct {
	smtpAddr string
	from     string
	to       string
	subject  string
}

func (*sendCmd) Name() string {
	return "send"
}

func (*sendCmd) Synopsis() string {
	return "send a test message through the SMTP listener"
}

func (*sendCmd) Usage() string {
	return `send [flags]:
	read a message body from stdin and deliver it to the smtp2tg SMTP listener
`
}

func (s *sendCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.smtpAddr, "smtp", "localhost:2525", "host:port of the SMTP listener")
	f.StringVar(&s.from, "from", "smtp2tg@localhost", "envelope and header sender")
	f.StringVar(&s.to, "to", "telegram@localhost", "comma separated recipients")
	f.StringVar(&s.subject, "subject", "smtp2tg test", "Subject header")
}

func (s *sendCmd) Execute(
	_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	body, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fatal("Couldn't read stdin", err)
	}
	raw, err := s.build(body)
	if err != nil {
		return usage(err.Error())
	}
	if err := smtp.SendMail(s.smtpAddr, nil, s.from, s.recipients(), raw); err != nil {
		return fatal("SMTP delivery failed", err)
	}
	return subcommands.ExitSuccess
}

func (s *sendCmd) recipients() []string {
	var out []string
	for _, addr := range strings.Split(s.to, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

// build composes a plain text MIME message from body.
func (s *sendCmd) build(body []byte) ([]byte, error) {
	b := enmime.Builder().From("", s.from).Subject(s.subject).Text(body)
	for _, addr := range s.recipients() {
		if _, err := mail.ParseAddress(addr); err != nil {
			return nil, fmt.Errorf("invalid recipient %q: %w", addr, err)
		}
		b = b.To("", addr)
	}
	part, err := b.Build()
	if err != nil {
		return nil, err
	}
	buf := &bytes.Buffer{}
	if err := part.Encode(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
