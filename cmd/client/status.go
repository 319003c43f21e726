package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/google/subcommands"
	"github.com/inbucket/smtp2tg/pkg/rest/client"
	"github.com/inbucket/smtp2tg/pkg/rest/model"
)

type statusCmd struct {
	json bool
}

func (*statusCmd) Name() string {
	return "status"
}

func (*statusCmd) Synopsis() string {
	return "show relay status and recent results"
}

func (*statusCmd) Usage() string {
	return `status [flags]:
	show relay configuration, counters and recently relayed messages
`
}

func (s *statusCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&s.json, "json", false, "output raw JSON")
}

func (s *statusCmd) Execute(
	ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	// Setup rest client
	c, err := client.New(baseURL())
	if err != nil {
		return fatal("Couldn't build client", err)
	}

	status, err := c.Status(ctx)
	if err != nil {
		return fatal("REST call failed", err)
	}
	if s.json {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(status); err != nil {
			return fatal("JSON encoding failed", err)
		}
		return subcommands.ExitSuccess
	}
	if err := printStatus(os.Stdout, status); err != nil {
		return fatal("Output failed", err)
	}
	return subcommands.ExitSuccess
}

// printStatus renders status as aligned text.
func printStatus(w io.Writer, status *model.JSONStatusV1) error {
	tw := tabwriter.NewWriter(w, 1, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Version:\t%s (%s)\n", status.Version, status.BuildDate)
	fmt.Fprintf(tw, "SMTP:\t%s\n", status.SMTPListener)
	fmt.Fprintf(tw, "Chat:\t%s\n", status.ChatID)
	fmt.Fprintf(tw, "Chunk size:\t%d\n", status.ChunkSize)
	for _, group := range []struct {
		name     string
		counters map[string]int64
	}{{"smtp", status.SMTP}, {"relay", status.Relay}} {
		keys := make([]string, 0, len(group.counters))
		for k := range group.counters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(tw, "%s.%s:\t%d\n", group.name, k, group.counters[k])
		}
	}
	if len(status.Recent) > 0 {
		fmt.Fprintln(tw, "\nID\tSENT\tSUBJECT\tERROR")
		for _, r := range status.Recent {
			fmt.Fprintf(tw, "%s\t%d/%d\t%s\t%s\n", r.ID, r.Sent, r.Chunks, r.Subject, r.Error)
		}
	}
	return tw.Flush()
}
