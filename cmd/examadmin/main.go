// Package main provides the administrator CLI for the global exam lifecycle.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/stemsi/exstem-proctor/internal/gateway"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"golang.org/x/term"
)

const (
	defaultAPIURL  = "http://localhost:5000/api"
	defaultTimeout = 15 * time.Second
)

var (
	apiURL    string
	adminKey  string
	timeout   time.Duration
	assumeYes bool
	verbose   bool
)

// Replaced in tests.
var (
	promptKey  = readKeyFromTerminal
	keyFromEnv = func() string { return os.Getenv("ADMIN_KEY") }
)

func main() {
	_ = godotenv.Load()
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "examadmin",
		Short:         "Control the global exam state",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	envURL := os.Getenv("EXAM_API_URL")
	if envURL == "" {
		envURL = defaultAPIURL
	}
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", envURL, "exam server base URL")
	rootCmd.PersistentFlags().StringVar(&adminKey, "key", "", "admin key (default: $ADMIN_KEY or prompt)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", defaultTimeout, "request timeout")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log requests")

	rootCmd.AddCommand(newVerifyCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newLifecycleCmd("start", "Start the exam for every participant", (*gateway.AdminClient).StartExam))
	rootCmd.AddCommand(newLifecycleCmd("end", "End the exam; live sessions are submitted", (*gateway.AdminClient).EndExam))
	rootCmd.AddCommand(newLifecycleCmd("reset", "Reset the exam back to waiting", (*gateway.AdminClient).ResetExam))
	rootCmd.AddCommand(newSubmissionsCmd())
	rootCmd.AddCommand(newReportCmd())

	return rootCmd
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check that the admin key is accepted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			ok, err := client.Verify(cmd.Context())
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("admin key rejected")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "admin key accepted")
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the global exam status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			st, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "status:   %s\n", st.Phase)
			if st.ServerEndTime != nil {
				left := time.Until(*st.ServerEndTime).Truncate(time.Second)
				if left < 0 {
					left = 0
				}
				fmt.Fprintf(out, "end time: %s (%s left)\n", st.ServerEndTime.Local().Format(time.RFC3339), left)
			}
			return nil
		},
	}
}

func newLifecycleCmd(use, short string, run func(*gateway.AdminClient, context.Context) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !assumeYes && !confirm(cmd.InOrStdin(), cmd.OutOrStdout(), fmt.Sprintf("%s the exam for all participants?", use)) {
				fmt.Fprintln(cmd.OutOrStdout(), "aborted")
				return nil
			}
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			if err := run(client, cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exam %s: ok\n", use)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func newSubmissionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submissions",
		Short: "Print the submissions summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			raw, err := client.Submissions(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
}

func newReportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report <user-id>",
		Short: "Print the report of one participant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			raw, err := client.Report(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
}

func newClient(cmd *cobra.Command) (*gateway.AdminClient, error) {
	key, err := resolveKey(cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	level, format := "warn", "pretty"
	if verbose {
		level = "debug"
	}
	log := logger.New(cmd.ErrOrStderr(), level, format)
	return gateway.NewAdminClient(strings.TrimRight(apiURL, "/"), key, timeout, log), nil
}

// resolveKey takes the key from --key, then ADMIN_KEY, then a hidden prompt.
func resolveKey(prompt io.Writer) (string, error) {
	if adminKey != "" {
		return adminKey, nil
	}
	if k := keyFromEnv(); k != "" {
		return k, nil
	}
	k, err := promptKey(prompt)
	if err != nil {
		return "", err
	}
	if k == "" {
		return "", errors.New("admin key is required")
	}
	return k, nil
}

func readKeyFromTerminal(prompt io.Writer) (string, error) {
	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		return "", errors.New("admin key is required: pass --key or set ADMIN_KEY")
	}
	fmt.Fprint(prompt, "Admin key: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(prompt) // Newline after hidden input
	if err != nil {
		return "", fmt.Errorf("read admin key: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", question)
	var answer string
	if _, err := fmt.Fscanln(in, &answer); err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func printJSON(out io.Writer, raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, err = out.Write(raw)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(out)
	return err
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
