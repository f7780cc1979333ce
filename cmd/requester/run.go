package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/requester/pkg/env"
	"github.com/Sternrassler/requester/pkg/request"
	"github.com/Sternrassler/requester/pkg/requester"
)

var errCancelled = errors.New("run cancelled")

func newRunCmd(c *cli) *cobra.Command {
	var (
		concurrency int
		lines       string
	)

	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Run the requests in FILE (- reads stdin)",
		Long:  "Run parses one request per line (METHOD URL [H:Name=Value ...] [body=...]) and executes them concurrently. Use --lines to run a subset, e.g. --lines 3 or --lines 2-5; the env block of the whole file still applies.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, path, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}

			inv := requester.Invocation{
				Text:        text,
				Sources:     env.SourcesFromText(text, path),
				Concurrency: concurrency,
			}
			if lines != "" {
				if inv.Text, err = selectLines(text, lines); err != nil {
					return err
				}
			}

			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			return a.execute(cmd, inv)
		},
	}

	cmd.Flags().IntVarP(&concurrency, "concurrency", "c", 0, "worker count for this run (default: config concurrency)")
	cmd.Flags().StringVarP(&lines, "lines", "l", "", "only run the requests on these lines (N or N-M)")

	return cmd
}

func newReplayCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "replay KEY",
		Short: "Run a request from the history again",
		Long:  "Replay looks up KEY (\"METHOD: URL\", as listed by `requester history list`) and runs the stored request with the environment sources it was recorded with.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !c.cfg.HistoryEnabled() {
				return errHistoryDisabled
			}

			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			h := newConsoleHandler(cmd.OutOrStdout(), cmd.ErrOrStderr(), a.cfg)
			run, err := a.requester.Replay(cmd.Context(), args[0], h)
			if err != nil {
				return err
			}
			return a.wait(cmd, run, h)
		},
	}
}

// execute runs inv and prints its results.
func (a *app) execute(cmd *cobra.Command, inv requester.Invocation) error {
	h := newConsoleHandler(cmd.OutOrStdout(), cmd.ErrOrStderr(), a.cfg)
	run := a.requester.Run(cmd.Context(), inv, h)
	return a.wait(cmd, run, h)
}

// wait blocks until run finishes. An interrupt cancels every pool instead of
// the run context, so the aggregator reports the cancellation.
func (a *app) wait(cmd *cobra.Command, run *requester.Run, h *consoleHandler) error {
	sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		select {
		case <-sigCtx.Done():
			n := a.requester.CancelAll()
			log.Info().Int("pools", n).Msg("Interrupted, cancelling")
		case <-run.Done():
		}
	}()

	responses, err := run.Wait(context.Background())
	if err != nil {
		return err
	}
	if run.Cancelled() {
		return errCancelled
	}

	if failed := h.failures(responses); failed > 0 {
		return fmt.Errorf("%d of %d requests failed", failed, len(responses))
	}
	return nil
}

// readInput returns the text of name and its absolute path. "-" reads r and
// has no path.
func readInput(r io.Reader, name string) (text, path string, err error) {
	if name == "-" {
		data, err := io.ReadAll(r)
		if err != nil {
			return "", "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), "", nil
	}

	path, err = filepath.Abs(name)
	if err != nil {
		return "", "", fmt.Errorf("resolve %s: %w", name, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("read requests: %w", err)
	}
	return string(data), path, nil
}

// selectLines returns the lines of text named by sel, "N" or "N-M",
// counted from 1.
func selectLines(text, sel string) (string, error) {
	from, to, isRange := strings.Cut(sel, "-")
	start, err := strconv.Atoi(strings.TrimSpace(from))
	if err != nil {
		return "", fmt.Errorf("invalid line selection %q", sel)
	}
	end := start
	if isRange {
		if end, err = strconv.Atoi(strings.TrimSpace(to)); err != nil {
			return "", fmt.Errorf("invalid line selection %q", sel)
		}
	}

	all := strings.Split(text, "\n")
	if start < 1 || end < start || start > len(all) {
		return "", fmt.Errorf("line selection %q out of range (1-%d)", sel, len(all))
	}
	end = min(end, len(all))

	selected := strings.Join(all[start-1:end], "\n")
	if reqs, err := request.Parse(selected, 0); err == nil && len(reqs) == 0 {
		return "", fmt.Errorf("no requests on lines %s", sel)
	}
	return selected, nil
}
