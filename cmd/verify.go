package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mailsig/envelope"
	"github.com/dhcgn/mailsig/filter"
	"github.com/dhcgn/mailsig/mbox"
	"github.com/dhcgn/mailsig/model"
	"github.com/dhcgn/mailsig/runner"
	"github.com/dhcgn/mailsig/stats"
)

type verifyRow struct {
	MessageID string
	From      string
	Subject   string
	Outcome   runner.Outcome
	Err       error
}

type verifyReport struct {
	Summary stats.Summary
	Rows    []verifyRow
}

// Failed counts the messages that did not verify.
func (r verifyReport) Failed() int {
	return r.Summary.Forged + r.Summary.Malformed + r.Summary.Untrusted
}

func newVerifyCommand(app *App) *cobra.Command {
	var (
		reportDir string
		topN      int
	)
	cmd := &cobra.Command{
		Use:   "verify <mbox or eml file>",
		Short: "Verify the signed messages of an mbox archive or a single message file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := app.verifyFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printVerifyReport(app.out(), report, topN)

			if reportDir != "" {
				if err := saveCSVReports(report, reportDir); err != nil {
					return fmt.Errorf("error saving CSV reports: %w", err)
				}
				pterm.Info.Printfln("Reports saved to directory: %s", reportDir)
			}
			if n := report.Failed(); n > 0 {
				return fmt.Errorf("%d message(s) failed verification", n)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&reportDir, "output", "o", "", "Write CSV reports to this directory")
	cmd.Flags().IntVarP(&topN, "top", "t", 10, "Number of top senders to display")
	return cmd
}

// verifyFile checks every message in path. Files starting with an mbox
// "From " line are read as archives, anything else as a single message.
func (a *App) verifyFile(ctx context.Context, path string) (verifyReport, error) {
	f, err := filter.New(a.Config.Filter)
	if err != nil {
		return verifyReport{}, err
	}
	codec := envelope.NewCodec(envelope.Options{Logger: a.Logger})
	anchors := a.Config.Anchors()

	file, err := os.Open(path)
	if err != nil {
		return verifyReport{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	collector := stats.NewCollector()
	var rows []verifyRow
	check := func(env model.Envelope) error {
		if env.Err != nil {
			collector.Apply(stats.Event{Stage: stats.StageVerify, Type: stats.EventTypeMalformed, Err: env.Err})
			rows = append(rows, verifyRow{Outcome: runner.OutcomeMalformed, Err: env.Err})
			return nil
		}
		msg := env.Message
		res := runner.Check(msg, f, codec, anchors)
		if res.Outcome == "" {
			return res.Err
		}
		collector.Apply(stats.Event{Stage: stats.StageVerify, Type: res.Outcome.EventType(), MessageID: msg.ID, Sender: msg.From, Err: res.Err})
		rows = append(rows, verifyRow{MessageID: msg.ID, From: msg.From, Subject: msg.Subject, Outcome: res.Outcome, Err: res.Err})
		if a.Logger != nil {
			a.Logger.Debug("message checked", "id", msg.ID, "from", msg.From, "outcome", res.Outcome, "err", res.Err)
		}
		return nil
	}

	reader := bufio.NewReader(file)
	head, _ := reader.Peek(5)
	if bytes.Equal(head, []byte("From ")) {
		err = mbox.Scan(ctx, reader, check)
	} else {
		var raw []byte
		raw, err = io.ReadAll(reader)
		if err == nil {
			msg, parseErr := model.Parse(raw)
			err = check(model.Envelope{Message: msg, Err: parseErr})
		}
	}
	if err != nil {
		return verifyReport{}, fmt.Errorf("verify %s: %w", path, err)
	}
	return verifyReport{Summary: collector.Snapshot(), Rows: rows}, nil
}

func printVerifyReport(w io.Writer, report verifyReport, topN int) {
	s := report.Summary
	data := pterm.TableData{
		{"Outcome", "Messages"},
		{"Verified", strconv.Itoa(s.Verified)},
		{"Forged", strconv.Itoa(s.Forged)},
		{"Malformed", strconv.Itoa(s.Malformed)},
		{"Untrusted", strconv.Itoa(s.Untrusted)},
		{"Filtered", strconv.Itoa(s.Filtered)},
	}
	if table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender(); err == nil {
		fmt.Fprintln(w, table)
	}

	for _, row := range report.Rows {
		switch row.Outcome {
		case runner.OutcomeForged, runner.OutcomeMalformed, runner.OutcomeUntrusted:
			fmt.Fprintf(w, "%s %s <%s>: %v\n", row.Outcome, row.MessageID, row.From, row.Err)
		}
	}

	if len(s.Senders) > 0 {
		fmt.Fprintf(w, "\nTop %d verified senders:\n", topN)
		stats.PrettyPrintTop(w, s.Senders, topN)
	}
}

func saveCSVReports(report verifyReport, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	results := [][]string{{"Message-ID", "From", "Subject", "Outcome", "Error"}}
	for _, row := range report.Rows {
		errText := ""
		if row.Err != nil {
			errText = row.Err.Error()
		}
		results = append(results, []string{row.MessageID, row.From, row.Subject, string(row.Outcome), errText})
	}
	if err := writeCSV(filepath.Join(dir, "report_results.csv"), results); err != nil {
		return err
	}

	type pair struct {
		Key   string
		Value int
	}
	var pairs []pair
	for k, v := range report.Summary.Senders {
		pairs = append(pairs, pair{k, v})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})
	senders := [][]string{{"Sender", "Verified"}}
	for _, p := range pairs {
		senders = append(senders, []string{p.Key, strconv.Itoa(p.Value)})
	}
	return writeCSV(filepath.Join(dir, "report_senders.csv"), senders)
}

func writeCSV(path string, records [][]string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	writer := csv.NewWriter(file)
	if err := writer.WriteAll(records); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
