// Command dynaplan inspects query plans for a model catalog without touching
// the store
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/pay-theory/dynaplan/pkg/config"
	"github.com/pay-theory/dynaplan/pkg/core"
	"github.com/pay-theory/dynaplan/pkg/logger"
	"github.com/pay-theory/dynaplan/pkg/planner"
)

func main() {
	if err := newRootCmd(viper.New()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	v.SetEnvPrefix("DYNAPLAN")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "dynaplan",
		Short:         "Inspect dynaplan query plans",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "dynaplan.yaml", "configuration file with the model catalog")
	root.PersistentFlags().String("log-level", "", "override logging.level")
	_ = v.BindPFlag("config", root.PersistentFlags().Lookup("config"))
	_ = v.BindPFlag("log-level", root.PersistentFlags().Lookup("log-level"))

	root.AddCommand(newExplainCmd(v), newModelsCmd(v))
	return root
}

func newExplainCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "explain [request.yaml]",
		Short: "Print the plan and estimated store commands for a request",
		Long: "Reads a request (model, where, select, sortBy, limit, offset, join) as YAML or JSON " +
			"from the given file or stdin and prints how it would be executed.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			log := logger.New(cfg.Logging, cmd.ErrOrStderr())

			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			req, err := readRequest(in)
			if err != nil {
				return err
			}

			catalog, err := cfg.Catalog()
			if err != nil {
				return err
			}
			plan, err := planner.Build(catalog, req)
			if err != nil {
				return err
			}
			log.Debug().Str("model", plan.Model).Str("strategy", plan.Strategy.String()).Msg("plan built")

			est := planner.Estimate{Items: v.GetInt("items"), PageSize: v.GetInt("page-size")}
			if est.PageSize == 0 {
				est.PageSize = cfg.Scan.PageSize
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), planner.Explain(catalog, plan, est))
			return err
		},
	}
	cmd.Flags().Int("items", 0, "estimated number of items the base read touches")
	cmd.Flags().Int("page-size", 0, "items per scan or query page (default scan.pageSize, else 1000)")
	_ = v.BindPFlag("items", cmd.Flags().Lookup("items"))
	_ = v.BindPFlag("page-size", cmd.Flags().Lookup("page-size"))
	return cmd
}

func newModelsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the models, keys and indexes in the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			catalog, err := cfg.Catalog()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, name := range catalog.Models() {
				m, _ := catalog.Model(name)
				fmt.Fprintf(out, "%s (table %s) key %s\n", m.Name, m.TableName(), keyString(m.PrimaryKey.PartitionKey, m.PrimaryKey.SortKey))
				for _, idx := range m.Indexes {
					fmt.Fprintf(out, "  index %s key %s\n", idx.Name, keyString(idx.PartitionKey, idx.SortKey))
				}
			}
			return nil
		},
	}
}

func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg, err := config.Load(v.GetString("config"))
	if err != nil {
		return nil, err
	}
	if level := v.GetString("log-level"); level != "" {
		cfg.Logging.Enabled = true
		cfg.Logging.Level = level
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func readRequest(in io.Reader) (core.Request, error) {
	var req core.Request
	data, err := io.ReadAll(in)
	if err != nil {
		return req, err
	}
	if err := yaml.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("invalid request: %w", err)
	}
	if req.Model == "" {
		return req, fmt.Errorf("invalid request: model is required")
	}
	return req, nil
}

func keyString(partition, sort string) string {
	if sort == "" {
		return partition
	}
	return partition + ", " + sort
}
