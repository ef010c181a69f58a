package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const defaultServer = "http://localhost:8080"

// version is set at build time with -ldflags.
var version = "dev"

type rootOpts struct {
	server string
	output string
}

func newRootCmd() *cobra.Command {
	opts := &rootOpts{}
	rootCmd := &cobra.Command{
		Use:           "nutrictl",
		Short:         "nutrictl: talk to a NutriPipe server",
		Long:          "nutrictl sends conversation turns to a NutriPipe server and inspects a user's pending action, goals, food logs, recipes and execution records.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			switch opts.output {
			case "text", "json", "yaml":
				return nil
			default:
				return fmt.Errorf("unknown output format %q (want text, json or yaml)", opts.output)
			}
		},
	}

	server := os.Getenv("NUTRIPIPE_URL")
	if server == "" {
		server = defaultServer
	}
	rootCmd.PersistentFlags().StringVar(&opts.server, "server", server, "NutriPipe server URL (overrides $NUTRIPIPE_URL)")
	rootCmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "text", "output format: text, json or yaml")

	rootCmd.AddCommand(
		newVersionCmd(),
		newChatCmd(opts),
		newPendingCmd(opts),
		newGoalsCmd(opts),
		newLogsCmd(opts),
		newRecipesCmd(opts),
		newExecutionsCmd(opts),
		newContextCmd(opts),
		newNutrientsCmd(opts),
		newHealthCmd(opts),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}

func (o *rootOpts) client() *apiClient {
	return newAPIClient(o.server)
}

// render writes v as JSON or YAML, or calls text for the text format.
func (o *rootOpts) render(w io.Writer, v interface{}, text func(io.Writer) error) error {
	switch o.output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		// Round-trip through JSON so YAML keys follow the json tags.
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic interface{}
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	default:
		return text(w)
	}
}
