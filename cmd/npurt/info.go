package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/seantiz/npurt/internal/config"
	"github.com/seantiz/npurt/internal/engine"
	"github.com/seantiz/npurt/internal/tensor"
)

func newInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info [MODEL]",
		Short: "Show the tensor contract of a model",
		Args:  cobra.MaximumNArgs(1),
		RunE:  infoHandler,
	}
	cmd.Flags().String("format", "table", "output format: table or yaml")
	return cmd
}

func infoHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	format, _ := cmd.Flags().GetString("format")
	if format != "table" && format != "yaml" {
		return fmt.Errorf("unknown format %q", format)
	}
	modelPath := cfg.ModelPath
	if len(args) > 0 {
		modelPath = args[0]
	}

	logger := config.NewLogger(os.Stderr, cfg.LogLevel)
	runner, err := openRunner(cmd.Context(), cfg, modelPath, logger, nil)
	if err != nil {
		return err
	}
	defer runner.Close()

	w := cmd.OutOrStdout()
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(runner.Model())
	}
	return writeInfo(w, runner)
}

func writeInfo(w io.Writer, runner *engine.Engine) error {
	m := runner.Model()
	caps := runner.Capabilities()
	fmt.Fprintf(w, "model:       %s\n", m.Name)
	fmt.Fprintf(w, "batch size:  %d\n", m.BatchSize)
	fmt.Fprintf(w, "backend:     %s (concurrency %d, zero-copy %t)\n", caps.Name, caps.MaxConcurrency, caps.ZeroCopy)

	for _, dir := range []tensor.Direction{tensor.DirectionInput, tensor.DirectionOutput} {
		for _, typ := range []tensor.Type{tensor.TypeCPU, tensor.TypeHW} {
			fmt.Fprintf(w, "\n%s %s\n", dir, typ)
			tensor.WriteInfoTable(w, runner.TensorsInfo(dir, typ))
		}
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"TENSOR", "SCALE", "ZERO_POINT", "ROUNDING"})
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("  ")
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)

	quantized := 0
	for _, p := range slices.Concat(m.Inputs, m.Outputs) {
		q, err := runner.QuantParameters(p.CPU.Name)
		if errors.Is(err, engine.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		table.Append([]string{p.CPU.Name, fmt.Sprint(q.Scale), fmt.Sprint(q.ZeroPoint), q.RoundingMode.String()})
		quantized++
	}
	if quantized > 0 {
		fmt.Fprintln(w, "\nQUANTIZATION")
		table.Render()
	}
	return nil
}
