package main

import (
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tasksync/api"
	"tasksync/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.WithError(err).Error("tasksync failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string
	root := &cobra.Command{
		Use:           "tasksync",
		Short:         "Task board API with live task-list updates",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "optional config file; environment variables take precedence")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the live-update server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configFile)
		},
	}
	initStorage := &cobra.Command{
		Use:   "init-storage",
		Short: "Create tables, queues and indexes used by the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInitStorage(cmd.Context(), configFile)
		},
	}
	var subject string
	var ttl time.Duration
	issueToken := &cobra.Command{
		Use:   "issue-token",
		Short: "Print an HS256 token for local runs with AUTH_PROVIDER=hs256",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			token, err := api.SignSharedSecretToken([]byte(cfg.AuthSharedSecret), subject, cfg.AuthAudience, cfg.AuthIssuer, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	issueToken.Flags().StringVar(&subject, "sub", "local-user", "subject (owner id) of the token")
	issueToken.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")

	root.AddCommand(serve, initStorage, issueToken)
	return root
}
