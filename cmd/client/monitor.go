package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/google/subcommands"
	"github.com/inbucket/smtp2tg/pkg/rest/client"
	"github.com/inbucket/smtp2tg/pkg/rest/model"
)

type monitorCmd struct {
	output  string
	failed  bool
	from    regexFlag
	subject regexFlag
}

func (*monitorCmd) Name() string {
	return "monitor"
}

func (*monitorCmd) Synopsis() string {
	return "stream relay results as they happen"
}

func (*monitorCmd) Usage() string {
	return `monitor [flags]:
	print recent and new relay results until interrupted
`
}

func (m *monitorCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.output, "output", "text", "output format: text or json")
	f.BoolVar(&m.failed, "failed", false, "only show relays with undelivered chunks")
	f.Var(&m.from, "from", "envelope sender matching regexp")
	f.Var(&m.subject, "subject", "Subject header matching regexp")
}

func (m *monitorCmd) Execute(
	ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	var out func(io.Writer, *model.JSONMonitorEventV1) error
	switch m.output {
	case "text":
		out = outputText
	case "json":
		out = outputJSON
	default:
		return usage("unknown output type: " + m.output)
	}

	c, err := client.New(baseURL())
	if err != nil {
		return fatal("Couldn't build client", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	var outErr error
	err = c.MonitorRelays(ctx, func(ev *model.JSONMonitorEventV1) {
		if outErr != nil || !m.match(ev) {
			return
		}
		if outErr = out(os.Stdout, ev); outErr != nil {
			stop()
		}
	})
	if err == nil {
		err = outErr
	}
	if err != nil {
		return fatal("Monitor failed", err)
	}
	return subcommands.ExitSuccess
}

// match returns true if ev satisfies all of the filters.
func (m *monitorCmd) match(ev *model.JSONMonitorEventV1) bool {
	if ev.Relay == nil {
		return false
	}
	if m.failed && ev.Variant == model.VariantRelayed {
		return false
	}
	if m.from.Defined() && !m.from.MatchString(ev.Relay.From) {
		return false
	}
	if m.subject.Defined() && !m.subject.MatchString(ev.Relay.Subject) {
		return false
	}
	return true
}

func outputText(w io.Writer, ev *model.JSONMonitorEventV1) error {
	r := ev.Relay
	line := fmt.Sprintf("%s %s %-15s %d/%d from=%s to=%s subject=%q",
		r.Date.Format("2006-01-02T15:04:05Z07:00"), r.ID, ev.Variant, r.Sent, r.Chunks,
		r.From, strings.Join(r.To, ","), r.Subject)
	if r.Error != "" {
		line += fmt.Sprintf(" error=%q", r.Error)
	}
	_, err := fmt.Fprintln(w, line)
	return err
}

func outputJSON(w io.Writer, ev *model.JSONMonitorEventV1) error {
	return json.NewEncoder(w).Encode(ev)
}
