package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hatlonely/sqlgate/cfg"
	"github.com/hatlonely/sqlgate/log/logger"
	"github.com/hatlonely/sqlgate/server"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type flags struct {
	config  string
	envFile string
	watch   bool
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	root := &cobra.Command{
		Use:           "sqlgate",
		Short:         "Generic REST gateway over relational databases",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnv(f.envFile, cmd.Flags().Changed("env-file"))
		},
	}
	root.PersistentFlags().StringVarP(&f.config, "config", "c", "config/sqlgate.yaml", "config file (yaml, toml or json)")
	root.PersistentFlags().StringVar(&f.envFile, "env-file", ".env", "environment file referenced by ${VAR} in the config")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), f)
		},
	}
	serve.Flags().BoolVarP(&f.watch, "watch", "w", false, "reload schema overrides when the config file changes")

	describe := &cobra.Command{
		Use:   "describe [table...]",
		Short: "Print introspected table schemas as json, list tables when none is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDescribe(cmd, f, args)
		},
	}

	root.AddCommand(serve, describe)
	return root
}

// loadEnv 未显式指定的 .env 文件不存在时忽略
func loadEnv(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil && !explicit {
		return nil
	}
	return errors.Wrapf(godotenv.Load(path), "load env file %s failed", path)
}

func loadOptions(path string) (*server.Options, error) {
	var options server.Options
	if err := cfg.Load(path, &options); err != nil {
		return nil, err
	}
	return &options, nil
}

func runServe(ctx context.Context, f *flags) error {
	options, err := loadOptions(f.config)
	if err != nil {
		return err
	}
	s, err := server.NewServerWithOptions(options)
	if err != nil {
		return err
	}
	defer s.Close()

	if f.watch {
		w, err := s.Watch(f.config)
		if err != nil {
			return err
		}
		defer w.Close()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.Run(ctx)
}

func runDescribe(cmd *cobra.Command, f *flags, tables []string) error {
	options, err := loadOptions(f.config)
	if err != nil {
		return err
	}
	s, err := server.NewServerWithOptions(options, server.WithLogger(logger.Discard()))
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	in := s.Introspector()
	var out any
	if len(tables) == 0 {
		if out, err = in.ListTables(ctx); err != nil {
			return err
		}
	} else {
		schemas := make([]any, 0, len(tables))
		for _, t := range tables {
			ts, err := in.Describe(ctx, t)
			if err != nil {
				return err
			}
			schemas = append(schemas, ts)
		}
		out = schemas
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
