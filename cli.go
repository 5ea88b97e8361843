package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/orian/vizguard/models"
)

// readSpec decodes a YAML or JSON visualization spec file.
func readSpec(path string) (models.VisualizationSpec, error) {
	var spec models.VisualizationSpec
	data, err := os.ReadFile(path)
	if err != nil {
		return spec, &models.ReadError{Source: path, Err: err}
	}
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return spec, &models.ParseError{Err: fmt.Errorf("%s: %w", path, err)}
	}
	return spec, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// specFlags are the flags shared by the explain and query commands.
type specFlags struct {
	spec string
	load string
	zoom float64
}

func (f *specFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.spec, "spec", "s", "", "Visualization spec file (YAML or JSON)")
	cmd.Flags().StringVar(&f.load, "load", "", "Load this file as the active dataset first")
	cmd.Flags().Float64Var(&f.zoom, "zoom", 0, "Zoom level in [0, 1] for progressive queries")
	_ = cmd.MarkFlagRequired("spec")
}

// zoomContext returns the --zoom setting, or nil when the flag was not given.
func (f *specFlags) zoomContext(cmd *cobra.Command) *models.ZoomContext {
	if !cmd.Flags().Changed("zoom") {
		return nil
	}
	z := models.NewZoomContext(f.zoom)
	return &z
}

// prepare opens the app, loads --load when given and reads the spec.
func (f *specFlags) prepare(cmd *cobra.Command, configFile string) (*app, context.Context, models.VisualizationSpec, error) {
	spec, err := readSpec(f.spec)
	if err != nil {
		return nil, nil, spec, err
	}
	a, err := openApp(cmd.Context(), configFile, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, spec, err
	}
	ctx := a.withLogger(cmd.Context())
	if f.load != "" {
		if _, err := a.store.LoadFile(ctx, f.load, ""); err != nil {
			_ = a.Close()
			return nil, nil, spec, err
		}
	}
	return a, ctx, spec, nil
}

func newExplainCmd(configFile *string) *cobra.Command {
	var flags specFlags
	cmd := &cobra.Command{
		Use:   "explain",
		Short: "Print the execution plan of a spec without running it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, ctx, spec, err := flags.prepare(cmd, *configFile)
			if err != nil {
				return err
			}
			defer a.Close()

			plan, err := a.service.Explain(ctx, spec, flags.zoomContext(cmd))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), plan)
		},
	}
	flags.register(cmd)
	return cmd
}

func newQueryCmd(configFile *string) *cobra.Command {
	var (
		flags specFlags
		kind  string
	)
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Run a spec against the active dataset and print the chart data",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, ctx, spec, err := flags.prepare(cmd, *configFile)
			if err != nil {
				return err
			}
			defer a.Close()

			var data *models.ChartData
			switch kind {
			case "visualize":
				data, err = a.service.Visualize(ctx, spec)
			case "scatter":
				data, err = a.service.Scatter(ctx, spec)
			case "progressive":
				zoom := models.DefaultView()
				if z := flags.zoomContext(cmd); z != nil {
					zoom = *z
				}
				data, err = a.service.Progressive(ctx, spec, zoom)
			default:
				return fmt.Errorf("unknown query kind %q (want visualize, scatter or progressive)", kind)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&kind, "kind", "k", "visualize", "Query kind: visualize, scatter or progressive")
	return cmd
}
