package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/rankbot/api/schemas"
	"github.com/xkilldash9x/rankbot/internal/agent"
	"github.com/xkilldash9x/rankbot/internal/inference"
	"github.com/xkilldash9x/rankbot/internal/modelhub"
	"github.com/xkilldash9x/rankbot/internal/network"
	"github.com/xkilldash9x/rankbot/internal/observability"
	"github.com/xkilldash9x/rankbot/internal/service"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// newModelsCmd groups the model maintenance commands.
func newModelsCmd() *cobra.Command {
	modelsCmd := &cobra.Command{
		Use:   "models",
		Short: "Inspect and maintain the detection and decision models",
	}
	modelsCmd.AddCommand(newModelsRefreshCmd())
	modelsCmd.AddCommand(newModelsPackCmd())
	modelsCmd.AddCommand(newModelsHistoryCmd())
	return modelsCmd
}

func newModelsRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Downloads and validates the latest models once, then exits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			ledger, closeLedger, err := service.InitializeLedger(ctx, cfg.Database(), logger)
			if err != nil {
				return err
			}
			defer closeLedger()
			var recorder modelhub.Recorder
			if ledger != nil {
				recorder = ledger
			}

			runtimes, err := service.InitializeRuntimes(cfg, nil, logger)
			if err != nil {
				return err
			}
			client := network.NewClient(network.ClientConfigFrom(cfg.Network(), logger))
			manager, err := service.InitializeManager(cfg, client, runtimes,
				agent.Validators(len(cfg.State().Schema)), recorder, logger)
			if err != nil {
				return err
			}
			defer manager.Close()

			results := manager.RefreshAll(ctx)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tOUTCOME\tVERSION\tGENERATION\tSHA256\tERROR")
			var failed int
			for _, r := range results {
				errText := ""
				if r.Err != nil {
					errText = r.Err.Error()
					failed++
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", r.Kind, r.Outcome, r.Version, r.Generation, shortHash(r.SHA256), errText)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d model refreshes failed", failed, len(results))
			}
			return nil
		},
	}
}

// linearSpec is the JSON form accepted by pack-linear.
type linearSpec struct {
	inference.LinearModel
	Activation string `json:"activation"`
}

func newModelsPackCmd() *cobra.Command {
	var (
		output     string
		activation string
	)
	packCmd := &cobra.Command{
		Use:   "pack-linear <model.json>",
		Short: "Converts a JSON dense layer into a linear runtime model file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var spec linearSpec
			if err := json.Unmarshal(raw, &spec); err != nil {
				return fmt.Errorf("failed to parse %s: %w", args[0], err)
			}
			if activation != "" {
				spec.Activation = activation
			}
			m := spec.LinearModel
			if m.Activation, err = inference.ParseActivation(spec.Activation); err != nil {
				return err
			}

			f, err := os.Create(output)
			if err != nil {
				return err
			}
			if err := inference.WriteLinear(f, &m); err != nil {
				f.Close()
				os.Remove(output)
				return fmt.Errorf("failed to write model: %w", err)
			}
			if err := f.Close(); err != nil {
				return err
			}
			cmd.Printf("Wrote %s (in %v, out %v)\n", output, m.InputShape, m.OutputShape)
			return nil
		},
	}
	packCmd.Flags().StringVarP(&output, "output", "o", "model.tflite", "output file")
	packCmd.Flags().StringVar(&activation, "activation", "", "identity, relu, sigmoid or softmax (overrides the JSON)")
	return packCmd
}

func newModelsHistoryCmd() *cobra.Command {
	var (
		kind  string
		limit int
	)
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Shows recent refreshes recorded in the model ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if cfg.Database().URL == "" {
				return fmt.Errorf("database.url is not configured")
			}
			k, err := schemas.ParseModelKind(kind)
			if err != nil {
				return err
			}

			ledger, closeLedger, err := service.InitializeLedger(ctx, cfg.Database(), observability.GetLogger())
			if err != nil {
				return err
			}
			defer closeLedger()

			rows, err := ledger.Recent(ctx, k, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RECORDED\tOUTCOME\tSTAGE\tVERSION\tGENERATION\tERROR")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					r.RecordedAt.Local().Format(time.DateTime), r.Outcome, r.Stage, r.Version, r.Generation, r.Error)
			}
			return w.Flush()
		},
	}
	historyCmd.Flags().StringVar(&kind, "kind", string(schemas.ModelDecision), "model kind: detection or decision")
	historyCmd.Flags().IntVar(&limit, "limit", 20, "number of rows")
	return historyCmd
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
