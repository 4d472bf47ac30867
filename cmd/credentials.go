package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/missionloop/internal/credentials"
	"github.com/xkilldash9x/missionloop/internal/observability"
)

type poolReport struct {
	Period      string                         `json:"period"`
	Granularity string                         `json:"granularity"`
	Credentials []credentials.CredentialStatus `json:"credentials"`
}

func newCredentialsCmd() *cobra.Command {
	credsCmd := &cobra.Command{
		Use:   "credentials",
		Short: "Inspect the judge credential pool",
	}

	var format string
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show per-credential usage for the current accounting period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			rotator, err := credentials.Load(
				cfg.Credentials.PoolFile,
				cfg.Credentials.UsageFile,
				credentials.WithGranularity(credentials.Granularity(cfg.Credentials.Period)),
				credentials.WithLogger(observability.GetLogger()),
			)
			if err != nil {
				return fmt.Errorf("failed to load credential pool: %w", err)
			}
			report := poolReport{
				Period:      rotator.Period(),
				Granularity: cfg.Credentials.Period,
				Credentials: rotator.Status(),
			}
			return writePoolReport(cmd.OutOrStdout(), report, format)
		},
	}
	statusCmd.Flags().StringVarP(&format, "format", "f", "table", "Output format: table or json")

	credsCmd.AddCommand(statusCmd)
	return credsCmd
}

func writePoolReport(w io.Writer, report poolReport, format string) error {
	switch format {
	case "json":
		return writeJSON(w, report)
	case "table", "":
		fmt.Fprintf(w, "Period: %s (%s)\n", report.Period, report.Granularity)
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "IDENTITY\tUSED\tLIMIT\tAVAILABLE")
		for _, c := range report.Credentials {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%t\n", c.Identity, c.Used, c.Limit, c.Available)
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unsupported format %q (use table or json)", format)
	}
}
