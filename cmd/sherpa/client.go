package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/icunnyngham/sherpa/internal/adapter/controlclient"
	"github.com/icunnyngham/sherpa/internal/domain"
)

var (
	enqueueParams string
	resultsTrial  int64
	resultsDrain  bool
	outputJSON    bool
	watchTrial    int64
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue TRIAL_ID [key=value ...]",
	Short: "Submit a trial for a worker to pick up",
	Long: `Submits a trial request. Parameters are given as key=value pairs (values
are parsed as integer, float, bool, then string) or as a JSON object with
--params. Pairs override keys from --params.

Example:
  sherpa enqueue 3 lr=0.01 batch_size=64 optimizer=adam`,
	Args: cobra.MinimumNArgs(1),
	RunE: runEnqueue,
}

var trialsCmd = &cobra.Command{
	Use:   "trials",
	Short: "List submitted trials",
	Args:  cobra.NoArgs,
	RunE:  runTrials,
}

var stopCmd = &cobra.Command{
	Use:   "stop TRIAL_ID",
	Short: "Ask a trial to stop at its next report",
	Args:  cobra.ExactArgs(1),
	RunE:  runStop,
}

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Show reported results",
	Long: `Lists stored results. With --drain, returns only results this controller
has not delivered before and marks them delivered.`,
	Args: cobra.NoArgs,
	RunE: runResults,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream results as the controller drains them",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueParams, "params", "", "parameters as a JSON object")

	resultsCmd.Flags().Int64Var(&resultsTrial, "trial", 0, "only results of this trial")
	resultsCmd.Flags().BoolVar(&resultsDrain, "drain", false, "only results not delivered before")
	resultsCmd.Flags().BoolVar(&outputJSON, "json", false, "print JSON")
	// Draining consumes every trial's results, so it cannot be filtered.
	resultsCmd.MarkFlagsMutuallyExclusive("trial", "drain")
	trialsCmd.Flags().BoolVar(&outputJSON, "json", false, "print JSON")

	watchCmd.Flags().Int64Var(&watchTrial, "trial", 0, "only results of this trial")
}

func apiContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	trialID, err := parseTrialArg(args[0])
	if err != nil {
		return err
	}
	params, err := parseParameters(enqueueParams, args[1:])
	if err != nil {
		return err
	}

	ctx, cancel := apiContext(cmd)
	defer cancel()
	if err := controlclient.NewClient(controllerURL).EnqueueTrial(ctx, trialID, params); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "enqueued trial %d\n", trialID)
	return nil
}

func runTrials(cmd *cobra.Command, args []string) error {
	ctx, cancel := apiContext(cmd)
	defer cancel()
	trials, err := controlclient.NewClient(controllerURL).ListTrials(ctx)
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(cmd.OutOrStdout(), trials)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TRIAL\tCREATED\tPARAMETERS")
	for _, t := range trials {
		fmt.Fprintf(w, "%d\t%s\t%s\n", t.TrialID, t.CreatedAt.Format(time.RFC3339), formatParameters(t.Parameters))
	}
	return w.Flush()
}

func runStop(cmd *cobra.Command, args []string) error {
	trialID, err := parseTrialArg(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := apiContext(cmd)
	defer cancel()
	if err := controlclient.NewClient(controllerURL).StopTrial(ctx, trialID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "trial %d marked for stopping\n", trialID)
	return nil
}

func runResults(cmd *cobra.Command, args []string) error {
	ctx, cancel := apiContext(cmd)
	defer cancel()
	client := controlclient.NewClient(controllerURL)

	var (
		results []domain.ResultRecord
		err     error
	)
	if resultsDrain {
		results, err = client.DrainResults(ctx)
	} else {
		results, err = client.ListResults(ctx, domain.TrialID(resultsTrial))
	}
	if err != nil {
		return err
	}

	if outputJSON {
		return printJSON(cmd.OutOrStdout(), results)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TRIAL\tITERATION\tOBJECTIVE\tCONTEXT\tID")
	for _, r := range results {
		fmt.Fprintf(w, "%d\t%d\t%g\t%s\t%s\n", r.TrialID, r.Iteration, r.Objective, formatParameters(r.Context), r.ID)
	}
	return w.Flush()
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "watching results at %s (Ctrl+C to quit)\n", controllerURL)
	return controlclient.NewClient(controllerURL).Watch(ctx, domain.TrialID(watchTrial), func(ev domain.ResultEvent) {
		r := ev.Result
		fmt.Fprintf(out, "[%s] trial %d iteration %d objective %g %s\n",
			time.UnixMilli(ev.Ts).Format(time.TimeOnly), r.TrialID, r.Iteration, r.Objective, formatParameters(r.Context))
	})
}

func parseTrialArg(s string) (domain.TrialID, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || !domain.TrialID(id).Valid() {
		return 0, fmt.Errorf("invalid trial id %q: must be a positive integer", s)
	}
	return domain.TrialID(id), nil
}

// parseParameters merges a JSON object with key=value pairs.
func parseParameters(raw string, pairs []string) (domain.Parameters, error) {
	params := domain.Parameters{}
	if raw != "" {
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&params); err != nil {
			return nil, fmt.Errorf("invalid --params: %w", err)
		}
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q: expected key=value", pair)
		}
		params[key] = parseScalar(value)
	}
	return params, nil
}

func parseScalar(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

func formatParameters(p map[string]any) string {
	if len(p) == 0 {
		return "{}"
	}
	keys := domain.Parameters(p).Keys()
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, p[k]))
	}
	return strings.Join(parts, " ")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
