package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/iho/minibank/internal/adapter/http/dto"
	"github.com/iho/minibank/internal/infrastructure/idgen"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// apiClient talks to the minibank HTTP API.
type apiClient struct {
	baseURL    string
	httpClient *http.Client
	retries    uint64
	ids        *idgen.ULIDGenerator
}

// apiError is a non-2xx answer from the API.
type apiError struct {
	Status int
	Body   dto.ErrorResponse
}

func (e *apiError) Error() string {
	if e.Body.Message != "" {
		return fmt.Sprintf("%s (%s, HTTP %d)", e.Body.Message, e.Body.Error, e.Status)
	}
	return fmt.Sprintf("request failed with HTTP %d", e.Status)
}

func newRootCmd(out io.Writer) *cobra.Command {
	var (
		baseURL string
		timeout time.Duration
		retries uint64
	)

	client := &apiClient{ids: idgen.NewULIDGenerator()}

	rootCmd := &cobra.Command{
		Use:           "minibank-cli",
		Short:         "MiniBank CLI tool",
		Long:          `A command line interface for interacting with the MiniBank API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			client.baseURL = strings.TrimRight(baseURL, "/")
			client.httpClient = &http.Client{Timeout: timeout}
			client.retries = retries
		},
	}
	rootCmd.SetOut(out)

	rootCmd.PersistentFlags().StringVar(&baseURL, "url", "http://localhost:8080", "Base URL of the MiniBank API")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")
	rootCmd.PersistentFlags().Uint64Var(&retries, "retries", 3, "Retries for unavailable-service errors")

	rootCmd.AddCommand(
		newAccountCmd(client),
		newBalanceCmd(client),
		newMovementCmd(client, "deposit", "Deposit money into an account"),
		newMovementCmd(client, "withdraw", "Withdraw money from an account"),
		newTransferCmd(client),
		newStatementCmd(client),
		newLedgerCmd(client),
	)

	return rootCmd
}

func newAccountCmd(client *apiClient) *cobra.Command {
	accountCmd := &cobra.Command{
		Use:   "account",
		Short: "Account operations",
	}

	var (
		name    string
		pin     string
		initial int64
	)
	openCmd := &cobra.Command{
		Use:   "open <account-id>",
		Short: "Open a new account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := dto.OpenAccountRequest{AccountID: args[0], Name: name, PIN: pin, InitialBalance: decimal.NewFromInt(initial)}
			var resp dto.AccountResponse
			if err := client.do(cmd.Context(), http.MethodPost, "/api/v1/accounts", req, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Opened account %s (%s) with balance %d\n", resp.ID, resp.Name, resp.Balance)
			return nil
		},
	}
	openCmd.Flags().StringVar(&name, "name", "", "Account holder name")
	openCmd.Flags().StringVar(&pin, "pin", "", "Account PIN (4-12 digits)")
	openCmd.Flags().Int64Var(&initial, "initial-balance", 0, "Opening balance")
	_ = openCmd.MarkFlagRequired("name")
	_ = openCmd.MarkFlagRequired("pin")

	getCmd := &cobra.Command{
		Use:   "get <account-id>",
		Short: "Show an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp dto.AccountResponse
			if err := client.do(cmd.Context(), http.MethodGet, "/api/v1/accounts/"+args[0], nil, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}

	var limit, offset int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/api/v1/accounts?limit=%d&offset=%d", limit, offset)
			var resp dto.ListAccountsResponse
			if err := client.do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tBALANCE")
			for _, a := range resp.Accounts {
				fmt.Fprintf(w, "%s\t%s\t%d\n", a.ID, truncate(a.Name, 30), a.Balance)
			}
			return w.Flush()
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 20, "Page size")
	listCmd.Flags().IntVar(&offset, "offset", 0, "Page offset")

	closeCmd := &cobra.Command{
		Use:   "close <account-id>",
		Short: "Close an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client.do(cmd.Context(), http.MethodDelete, "/api/v1/accounts/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Closed account %s\n", strings.ToUpper(args[0]))
			return nil
		},
	}

	var checkPIN string
	verifyCmd := &cobra.Command{
		Use:   "verify-pin <account-id>",
		Short: "Check an account PIN",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp dto.VerifyPINResponse
			path := "/api/v1/accounts/" + args[0] + "/verify-pin"
			if err := client.do(cmd.Context(), http.MethodPost, path, dto.VerifyPINRequest{PIN: checkPIN}, &resp); err != nil {
				return err
			}
			if !resp.Valid {
				return fmt.Errorf("PIN does not match account %s", resp.AccountID)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "PIN verified for %s\n", resp.AccountID)
			return nil
		},
	}
	verifyCmd.Flags().StringVar(&checkPIN, "pin", "", "PIN to check")
	_ = verifyCmd.MarkFlagRequired("pin")

	accountCmd.AddCommand(openCmd, getCmd, listCmd, closeCmd, verifyCmd)
	return accountCmd
}

func newBalanceCmd(client *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <account-id>",
		Short: "Show the balance of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp dto.BalanceResponse
			if err := client.do(cmd.Context(), http.MethodGet, "/api/v1/accounts/"+args[0]+"/balance", nil, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Balance of %s: %d\n", resp.AccountID, resp.Balance)
			return nil
		},
	}
}

func newMovementCmd(client *apiClient, op, short string) *cobra.Command {
	return &cobra.Command{
		Use:   op + " <account-id> <amount>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}

			var resp dto.BalanceResponse
			path := "/api/v1/accounts/" + args[0] + "/" + op
			if err := client.do(cmd.Context(), http.MethodPost, path, dto.AmountRequest{Amount: amount}, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "New balance of %s: %d\n", resp.AccountID, resp.Balance)
			return nil
		},
	}
}

func newTransferCmd(client *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "transfer <from> <to> <amount>",
		Short: "Transfer money between accounts",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[2])
			if err != nil {
				return err
			}

			req := dto.TransferRequest{From: args[0], To: args[1], Amount: amount}
			var resp dto.TransferResponse
			if err := client.do(cmd.Context(), http.MethodPost, "/api/v1/transfers", req, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Transferred %d from %s to %s (operation %s). New balance of %s: %d\n",
				resp.Amount, resp.From, resp.To, resp.OperationID, resp.From, resp.SenderBalance)
			return nil
		},
	}
}

func newStatementCmd(client *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "statement <account-id>",
		Short: "Show the most recent transactions of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp dto.StatementResponse
			if err := client.do(cmd.Context(), http.MethodGet, "/api/v1/accounts/"+args[0]+"/statement", nil, &resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(resp.Entries) == 0 {
				fmt.Fprintf(out, "No transactions for %s\n", resp.AccountID)
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tDESCRIPTION")
			for _, e := range resp.Entries {
				fmt.Fprintf(w, "%s\t%s\n", e.CreatedAt.Format(time.RFC3339), e.Description)
			}
			return w.Flush()
		},
	}
}

func newLedgerCmd(client *apiClient) *cobra.Command {
	ledgerCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Ledger operations",
	}

	consistencyCmd := &cobra.Command{
		Use:   "consistency",
		Short: "Check ledger consistency",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp dto.ConsistencyResponse
			err := client.do(cmd.Context(), http.MethodGet, "/api/v1/ledger/consistency", nil, &resp)
			var apiErr *apiError
			if err != nil && !(errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict) {
				return err
			}

			out := cmd.OutOrStdout()
			if resp.Consistent {
				fmt.Fprintf(out, "Consistency check PASSED (%d accounts, total balance %d)\n", resp.TotalAccounts, resp.TotalBalance)
				return nil
			}

			fmt.Fprintf(out, "Consistency check FAILED (%d violations)\n", len(resp.Violations))
			for _, v := range resp.Violations {
				fmt.Fprintf(out, "  %s: %s\n", v.AccountID, v.Reason)
			}
			return errors.New("ledger is inconsistent")
		},
	}

	ledgerCmd.AddCommand(consistencyCmd)
	return ledgerCmd
}

// do sends a JSON request and decodes a JSON answer into out. Mutating
// requests carry one Idempotency-Key across all retries.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}

	idempotencyKey := ""
	if method != http.MethodGet {
		idempotencyKey = c.ids.Generate()
	}

	var respBody []byte
	var status int
	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if idempotencyKey != "" {
			req.Header.Set("Idempotency-Key", idempotencyKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		respBody, err = io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		status = resp.StatusCode

		if status == http.StatusServiceUnavailable || status == http.StatusTooManyRequests ||
			(status == http.StatusConflict && isInProgress(respBody)) {
			return fmt.Errorf("HTTP %d", status)
		}
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 200 * time.Millisecond
	if err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(eb, c.retries), ctx)); err != nil && status == 0 {
		return fmt.Errorf("error making request: %w", err)
	}

	if status >= 300 {
		apiErr := &apiError{Status: status}
		_ = json.Unmarshal(respBody, &apiErr.Body)
		if out != nil && status == http.StatusConflict {
			_ = json.Unmarshal(respBody, out)
		}
		return apiErr
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

func isInProgress(body []byte) bool {
	var e dto.ErrorResponse
	return json.Unmarshal(body, &e) == nil && e.Error == "request_in_progress"
}

func parseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsInteger() {
		return decimal.Zero, fmt.Errorf("amount must be a whole number: %q", s)
	}
	return d, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
