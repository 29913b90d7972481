package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/muti-relay/internal/auth"
	"github.com/postalsys/muti-relay/internal/config"
)

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage agent tokens",
		Long: `Generate and hash agent tokens, and manage the relay's token database.

Tokens in the configuration file are stored as bcrypt hashes. Tokens in the
database are stored as SHA-256 fingerprints and can be added or revoked
while the relay is running.`,
	}

	cmd.AddCommand(tokenGenerateCmd())
	cmd.AddCommand(tokenHashCmd())
	cmd.AddCommand(tokenAddCmd())
	cmd.AddCommand(tokenListCmd())
	cmd.AddCommand(tokenRemoveCmd())

	return cmd
}

func tokenGenerateCmd() *cobra.Command {
	var withHash bool

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a random token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := auth.GenerateToken()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, token)
			if withHash {
				hash, err := auth.HashToken(token)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, hash)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&withHash, "hash", false, "Also print a bcrypt hash for the config file")

	return cmd
}

func tokenHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash [token]",
		Short: "Print the bcrypt hash of a token",
		Long:  "Hash a token for the token_hash field. Without an argument the token is read from stdin.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var token string
			if len(args) == 1 {
				token = args[0]
			} else {
				var err error
				token, err = readToken(cmd.InOrStdin(), cmd.ErrOrStderr())
				if err != nil {
					return err
				}
			}

			hash, err := auth.HashToken(token)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

// readToken prompts without echo on a terminal, otherwise it reads the
// first line of in.
func readToken(in io.Reader, prompt io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "Token: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", err
		}
		return validToken(string(b))
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return validToken(line)
}

func validToken(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errors.New("empty token")
	}
	return s, nil
}

type tokenLimits struct {
	maxClients     int
	maxTunnels     int
	maxConnections int
	maxBandwidth   string
}

func (l *tokenLimits) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&l.maxClients, "max-clients", 0, "Concurrent agent sessions (0 = unlimited)")
	cmd.Flags().IntVar(&l.maxTunnels, "max-tunnels", 0, "Tunnels per agent session (0 = unlimited)")
	cmd.Flags().IntVar(&l.maxConnections, "max-connections", 0, "Open connections per tunnel (0 = unlimited)")
	cmd.Flags().StringVar(&l.maxBandwidth, "max-bandwidth", "", "Bytes per second per tunnel, e.g. 10MiB")
}

func (l *tokenLimits) record(name, token string) (auth.TokenRecord, error) {
	rec := auth.TokenRecord{
		Name:                    name,
		Token:                   token,
		MaxClients:              l.maxClients,
		MaxTunnelsPerClient:     l.maxTunnels,
		MaxConnectionsPerTunnel: l.maxConnections,
	}
	if rec.MaxClients < 0 || rec.MaxTunnelsPerClient < 0 || rec.MaxConnectionsPerTunnel < 0 {
		return rec, errors.New("limits must not be negative")
	}
	if l.maxBandwidth != "" {
		bw, err := humanize.ParseBytes(l.maxBandwidth)
		if err != nil {
			return rec, fmt.Errorf("invalid max-bandwidth: %w", err)
		}
		rec.MaxBandwidth = int64(bw)
	}
	return rec, nil
}

func tokenAddCmd() *cobra.Command {
	var (
		dbPath string
		token  string
		limits tokenLimits
	)

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a token to the token database",
		Long:  "Add a token to the database. A random token is generated and printed unless --token is given.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			generated := token == ""
			if generated {
				var err error
				if token, err = auth.GenerateToken(); err != nil {
					return err
				}
			}

			rec, err := limits.record(args[0], token)
			if err != nil {
				return err
			}

			store, err := auth.OpenSQLStore(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Add(cmd.Context(), rec); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s token %s added to %s\n", okStyle.Render("✓"), rec.Name, dbPath)
			if generated {
				fmt.Fprintf(out, "\n  %s\n\n", token)
				fmt.Fprintln(out, dimStyle.Render("Store it now. Only its fingerprint is kept."))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "./tokens.db", "Path to the token database")
	cmd.Flags().StringVar(&token, "token", "", "Use this token instead of generating one")
	limits.register(cmd)

	return cmd
}

func tokenListCmd() *cobra.Command {
	var (
		dbPath     string
		configPath string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tokens and their limits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var records []tokenRow

			if configPath != "" {
				cfg, err := config.Load(configPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				for _, t := range cfg.Relay.Tokens {
					records = append(records, tokenRow{source: "config", rec: tokenRecord(t)})
				}
			}

			if dbPath != "" {
				store, err := auth.OpenSQLStore(dbPath)
				if err != nil {
					return err
				}
				defer store.Close()
				recs, err := store.List(cmd.Context())
				if err != nil {
					return err
				}
				for _, r := range recs {
					records = append(records, tokenRow{source: "db", rec: r})
				}
			}

			renderTokens(cmd.OutOrStdout(), records)
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "./tokens.db", "Path to the token database (empty to skip)")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Also list tokens from this config file")

	return cmd
}

func tokenRemoveCmd() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "remove <name>",
		Short: "Revoke a token in the token database",
		Long:  "Remove a token from the database. Sessions already authenticated with it stay connected.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := auth.OpenSQLStore(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Remove(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s token %s removed\n", okStyle.Render("✓"), args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "./tokens.db", "Path to the token database")

	return cmd
}

type tokenRow struct {
	source string
	rec    auth.TokenRecord
}

func renderTokens(w io.Writer, rows []tokenRow) {
	if len(rows) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no tokens"))
		return
	}

	t := newTable("NAME", "SOURCE", "CLIENTS", "TUNNELS", "CONNECTIONS", "BANDWIDTH")
	for _, r := range rows {
		bw := "unlimited"
		if r.rec.MaxBandwidth > 0 {
			bw = config.FormatSize(r.rec.MaxBandwidth) + "/s"
		}
		t.Row(r.rec.Name, r.source,
			limitLabel(r.rec.MaxClients),
			limitLabel(r.rec.MaxTunnelsPerClient),
			limitLabel(r.rec.MaxConnectionsPerTunnel),
			bw)
	}
	fmt.Fprintln(w, t.String())
}

func limitLabel(n int) string {
	if n <= 0 {
		return "unlimited"
	}
	return strconv.Itoa(n)
}
