package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/runway/pkg/errdefs"
	"github.com/cuemby/runway/pkg/registry"
	"github.com/cuemby/runway/pkg/security"
)

// Token commands
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage den-auth tokens",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a den-auth bearer token",
	Long: `Issue a bearer token accepted by dispatch servers started with --den-auth
that share the same signing key.

Examples:
  runway token issue --subject alice --ttl 720h
  runway token issue --subject ci --key-file /etc/runway/token.key`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, _ := cmd.Flags().GetString("subject")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		keyFile, _ := cmd.Flags().GetString("key-file")
		save, _ := cmd.Flags().GetBool("save")
		if keyFile == "" {
			keyFile = session.TokenKeyFile()
		}

		key, err := security.LoadOrCreateKey(session.FS(), keyFile)
		if err != nil {
			return err
		}
		tm, err := security.NewTokenManager(key)
		if err != nil {
			return err
		}
		token, err := tm.Issue(subject, ttl)
		if err != nil {
			return fmt.Errorf("%v: %w", err, errdefs.ErrInvalidArgument)
		}

		if save {
			session.Token = token.Token
			if err := session.Save(); err != nil {
				return err
			}
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, token.Token)
		fmt.Fprintf(os.Stderr, "Token %s for %s expires %s\n", token.ID, token.Subject, token.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Save an API token to the local configuration",
	Long: `Save a token for the registry service (and den-auth clusters) to
config.yaml. Without --token the token is read from standard input.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		token, _ := cmd.Flags().GetString("token")
		apiURL, _ := cmd.Flags().GetString("api-url")
		noVerify, _ := cmd.Flags().GetBool("no-verify")

		if token == "" {
			fmt.Fprint(os.Stderr, "Token: ")
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("failed to read token: %w", err)
			}
			token = line
		}
		token = strings.TrimSpace(token)
		if token == "" {
			return fmt.Errorf("empty token: %w", errdefs.ErrInvalidArgument)
		}
		if apiURL != "" {
			session.APIURL = strings.TrimRight(apiURL, "/")
		}

		if !noVerify {
			remote := registry.NewRemoteRegistry(session.APIURL, token)
			if _, err := remote.List(cmd.Context()); err != nil {
				return fmt.Errorf("token rejected by %s: %w", session.APIURL, err)
			}
		}

		session.Token = token
		if err := session.Save(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Logged in to %s\n", session.APIURL)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(loginCmd)
	tokenCmd.AddCommand(tokenIssueCmd)

	tokenIssueCmd.Flags().String("subject", "", "Who the token is issued to (required)")
	tokenIssueCmd.Flags().Duration("ttl", 24*time.Hour, "How long the token stays valid")
	tokenIssueCmd.Flags().String("key-file", "", "Signing key file (default <home>/token.key)")
	tokenIssueCmd.Flags().Bool("save", false, "Also save the token as this session's token")
	_ = tokenIssueCmd.MarkFlagRequired("subject")

	loginCmd.Flags().String("token", "", "API token")
	loginCmd.Flags().String("api-url", "", "Registry service URL")
	loginCmd.Flags().Bool("no-verify", false, "Save without checking the token against the service")
}
