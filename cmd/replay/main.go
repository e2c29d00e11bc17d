// Command replay runs a file of control messages, one JSON object per line,
// against the in-memory engine and prints the incident state after each
// message. It needs no simulator and no transports.
package main

import (
	"bufio"
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/signalsfoundry/incident-connector/core"
	"github.com/signalsfoundry/incident-connector/internal/connector"
	"github.com/signalsfoundry/incident-connector/internal/engine"
	"github.com/signalsfoundry/incident-connector/internal/engine/memory"
	"github.com/signalsfoundry/incident-connector/internal/incident"
	"github.com/signalsfoundry/incident-connector/internal/logging"
	"github.com/signalsfoundry/incident-connector/model"
)

const maxLineBytes = 1 << 20

func main() {
	messages := flag.String("messages", "", "JSON-lines file of control messages (default stdin)")
	trigger := flag.String("trigger", "exact", "incident boundary matching: exact or reached")
	policy := flag.String("program-policy", "lowest-id", "default signal program: lowest-id or first-declared")
	detour := flag.Bool("detour", false, "check closed edges for detours")
	flag.Parse()

	opts := connector.DefaultOptions()
	opts.DetourAnalysis = *detour
	var err error
	if opts.Trigger, err = incident.ParseTrigger(*trigger); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if opts.ProgramPolicy, err = core.ParseDefaultProgramPolicy(*policy); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	in := io.Reader(os.Stdin)
	if *messages != "" {
		f, err := os.Open(*messages)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open messages: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		in = f
	}

	conn := newConnector(opts, logging.NewFromEnv())
	defer conn.Close()

	start := time.Now()
	n, err := replay(context.Background(), in, conn, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Replayed %d messages in %s.\n", n, time.Since(start).Round(time.Millisecond))
}

func newConnector(opts connector.Options, log logging.Logger) *connector.Connector {
	return connector.New(opts, log, connector.WithEngineFactory(func() engine.Engine {
		return memory.New(nil)
	}))
}

// replay handles every message of r in order and returns how many were
// handled. Lines that fail to decode or apply are reported and skipped;
// blank lines and lines starting with # are ignored.
func replay(ctx context.Context, r io.Reader, conn *connector.Connector, out io.Writer) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	handled := 0
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 || raw[0] == '#' {
			continue
		}
		msg, err := model.DecodeMessage(raw)
		if err != nil {
			fmt.Fprintf(out, "line %d: skipped: %v\n", line, err)
			continue
		}
		if err := conn.Handle(ctx, msg); err != nil {
			fmt.Fprintf(out, "line %d: %s failed: %v\n", line, msg.Kind, err)
			continue
		}
		handled++
		printStatus(out, line, msg.Kind, conn.Status())
	}
	return handled, scanner.Err()
}

func printStatus(out io.Writer, line int, kind model.Kind, st connector.Status) {
	if !st.Active {
		fmt.Fprintf(out, "line %d: %-13s no scenario\n", line, kind)
		return
	}
	parts := make([]string, 0, len(st.Incidents))
	for _, inc := range st.Incidents {
		parts = append(parts, fmt.Sprintf("%s=%s", inc.ID, inc.Status))
	}
	fmt.Fprintf(out, "line %d: %-13s sim=%s incidents=[%s]\n",
		line, kind, st.SimTime.Format(time.RFC3339), strings.Join(parts, " "))
}
