// Package cli holds the offline tooling commands.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kirillkom/evidence-core/internal/core/domain"
	"github.com/kirillkom/evidence-core/internal/core/fusion"
)

type tuneOptions struct {
	casesPath string
	topK      int
	alpha     float64
	k         float64
	asJSON    bool
}

type casesFile struct {
	Cases []fusion.EvalCase `yaml:"cases"`
}

// NewTuneCommand builds `tune alpha|k`, a precision@K sweep over a labelled case file.
func NewTuneCommand(out io.Writer) *cobra.Command {
	opts := &tuneOptions{}

	root := &cobra.Command{
		Use:   "tune",
		Short: "Sweep fusion parameters against a labelled evaluation set",
		Long: `tune replays recorded semantic and keyword rankings through rank fusion and
reports precision@K for each parameter value.

Examples:
  tune alpha --cases cases.yaml --from 0.1 --to 0.9 --step 0.1
  tune k --cases cases.yaml --from 10 --to 120 --step 10 --top-k 3`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	root.PersistentFlags().StringVar(&opts.casesPath, "cases", "", "YAML evaluation set (required)")
	root.PersistentFlags().IntVar(&opts.topK, "top-k", 5, "cut-off for precision@K")
	root.PersistentFlags().Float64Var(&opts.alpha, "alpha", 0.7, "alpha held fixed while sweeping k")
	root.PersistentFlags().Float64Var(&opts.k, "k", 60, "k held fixed while sweeping alpha")
	root.PersistentFlags().BoolVar(&opts.asJSON, "json", false, "output as JSON")
	_ = root.MarkPersistentFlagRequired("cases")

	var alphaRange, kRange fusion.Range

	alphaCmd := &cobra.Command{
		Use:   "alpha",
		Short: "Sweep the semantic weight alpha",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTune(cmd.OutOrStdout(), opts, alphaRange, fusion.TuneAlpha)
		},
	}
	alphaCmd.Flags().Float64Var(&alphaRange.From, "from", 0.1, "first value")
	alphaCmd.Flags().Float64Var(&alphaRange.To, "to", 0.9, "last value")
	alphaCmd.Flags().Float64Var(&alphaRange.Step, "step", 0.1, "increment")

	kCmd := &cobra.Command{
		Use:   "k",
		Short: "Sweep the RRF rank constant k",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTune(cmd.OutOrStdout(), opts, kRange, fusion.TuneK)
		},
	}
	kCmd.Flags().Float64Var(&kRange.From, "from", 10, "first value")
	kCmd.Flags().Float64Var(&kRange.To, "to", 120, "last value")
	kCmd.Flags().Float64Var(&kRange.Step, "step", 10, "increment")

	root.AddCommand(alphaCmd, kCmd)
	return root
}

type sweepFunc func(cases []fusion.EvalCase, base domain.FusionParams, r fusion.Range, topK int) (fusion.TuneResult, error)

func runTune(out io.Writer, opts *tuneOptions, r fusion.Range, sweep sweepFunc) error {
	cases, err := loadCases(opts.casesPath)
	if err != nil {
		return err
	}

	base := fusion.DefaultParams()
	base.Alpha = opts.alpha
	base.K = opts.k

	result, err := sweep(cases, base, r, opts.topK)
	if err != nil {
		return err
	}

	if opts.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	fmt.Fprintf(out, "best %s=%g precision@%d=%.4f (%d cases)\n", result.Parameter, result.Best, result.TopK, result.Score, len(cases))
	for _, point := range result.Curve {
		marker := " "
		if point.Value == result.Best {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %8g  %.4f\n", marker, point.Value, point.Precision)
	}
	return nil
}

func loadCases(path string) ([]fusion.EvalCase, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cases: %w", err)
	}
	var file casesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode cases: %w", err)
	}
	if len(file.Cases) == 0 {
		return nil, fmt.Errorf("cases file %s has no cases", path)
	}
	return file.Cases, nil
}
