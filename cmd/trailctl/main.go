package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/opentrail/opentrail/internal/server"
	"github.com/opentrail/opentrail/pkg/client"
	"github.com/opentrail/opentrail/pkg/merkle"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL string
	token     string
	cfgFile   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "trailctl",
	Short: "OpenTrail ledger CLI",
	Long: `trailctl is the command-line interface for an OpenTrail ledger service.

It appends operation records, traces causal chains, fetches and verifies
inclusion proofs, and audits the full ledger.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.trailctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server_url")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8420"
		}
		if token == "" {
			token = viper.GetString("token")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.trailctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "trail service URL (default http://localhost:8420)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "producer Bearer token for append")

	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(traceCmd)
	rootCmd.AddCommand(proofCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(rootHashCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(hashSecretCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() *client.Client {
	opts := []client.Option{}
	if token != "" {
		opts = append(opts, client.WithToken(token))
	}
	return client.New(serverURL, opts...)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── stats ────────────────────────────────────────────────────────────────────

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show ledger statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newClient().Stats(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("Entries: %d\n", s.Entries)
		fmt.Printf("Root:    %s\n", s.Root)
		if s.Entries > 0 {
			fmt.Printf("First:   %s\n", formatTS(s.FirstTimestamp))
			fmt.Printf("Last:    %s\n", formatTS(s.LastTimestamp))
		}
		return nil
	},
}

// ── append ───────────────────────────────────────────────────────────────────

var (
	appendInputs    string
	appendOutput    string
	appendCoverage  float64
	appendParent    string
	appendViolation bool
)

var appendCmd = &cobra.Command{
	Use:   "append <operation>",
	Short: "Append one operation record to the ledger",
	Long: `Append submits an operation record. Inputs and output are JSON objects:

  trailctl append interval_add --inputs '{"a":1,"b":2}' --output '{"value":3}' --coverage 0.98`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sub := client.Submission{
			Operation:       args[0],
			Coverage:        appendCoverage,
			InvariantPassed: !appendViolation,
			ParentID:        appendParent,
		}
		if appendInputs != "" {
			if err := json.Unmarshal([]byte(appendInputs), &sub.Inputs); err != nil {
				return fmt.Errorf("parse --inputs: %w", err)
			}
		}
		if appendOutput != "" {
			if err := json.Unmarshal([]byte(appendOutput), &sub.Output); err != nil {
				return fmt.Errorf("parse --output: %w", err)
			}
		}

		e, err := newClient().Append(context.Background(), sub)
		if err != nil {
			return err
		}
		fmt.Printf("Appended %s\n", e.OpID)
		fmt.Printf("Leaf:    %s\n", e.ContentHash)
		return nil
	},
}

func init() {
	appendCmd.Flags().StringVar(&appendInputs, "inputs", "", "JSON object of operation inputs")
	appendCmd.Flags().StringVar(&appendOutput, "output", "", "JSON object of operation output")
	appendCmd.Flags().Float64Var(&appendCoverage, "coverage", 0, "Coverage metric")
	appendCmd.Flags().StringVar(&appendParent, "parent", "", "op_id of the causal parent")
	appendCmd.Flags().BoolVar(&appendViolation, "violation", false, "Record the operation as an invariant violation")
}

// ── get ──────────────────────────────────────────────────────────────────────

var getCmd = &cobra.Command{
	Use:   "get <op_id>",
	Short: "Fetch one entry as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newClient().Entry(context.Background(), args[0])
		if err != nil {
			return err
		}
		return printJSON(e)
	},
}

// ── trace ────────────────────────────────────────────────────────────────────

var traceCmd = &cobra.Command{
	Use:   "trace <op_id>",
	Short: "Show the causal chain ending at an entry, origin first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chain, err := newClient().Trace(context.Background(), args[0])
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "#\tOP_ID\tOPERATION\tTIME\tINVARIANT")
		for i, e := range chain {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
				i, e.OpID, e.Operation, formatTS(e.Timestamp), passedLabel(e.InvariantPassed))
		}
		return w.Flush()
	},
}

// ── proof ────────────────────────────────────────────────────────────────────

var proofCmd = &cobra.Command{
	Use:   "proof <op_id>",
	Short: "Fetch an inclusion proof and verify it locally",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		pr, err := c.Proof(context.Background(), args[0])
		if err != nil {
			return err
		}
		if !merkle.VerifyProof(pr.Proof, pr.Root) {
			return fmt.Errorf("proof does NOT verify against root %s", pr.Root)
		}
		fmt.Printf("Leaf:     %s (index %d)\n", pr.Proof.LeafHash, pr.Proof.LeafIndex)
		fmt.Printf("Siblings: %d\n", len(pr.Proof.Siblings))
		fmt.Printf("Root:     %s\n", pr.Root)
		fmt.Println("Proof verified locally.")
		return nil
	},
}

// ── verify ───────────────────────────────────────────────────────────────────

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Run a full integrity audit of the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := newClient().Verify(context.Background())
		if err != nil {
			return err
		}
		if report.OK {
			fmt.Printf("OK: %d entries, root %s\n", report.Entries, report.RecomputedRoot)
			return nil
		}

		fmt.Printf("TAMPERED: %d finding(s), first bad index %d\n",
			len(report.Findings), report.FirstBadIndex)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "INDEX\tOP_ID\tKIND\tDETAIL")
		for _, f := range report.Findings {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", f.Index, f.OpID, f.Kind, f.Detail)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		return fmt.Errorf("ledger integrity audit failed")
	},
}

// ── export ───────────────────────────────────────────────────────────────────

var exportOut string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Download entries, root, and public key for offline verification",
	RunE: func(cmd *cobra.Command, args []string) error {
		bundle, err := newClient().Export(context.Background(), client.ListQuery{})
		if err != nil {
			return err
		}

		out := os.Stdout
		if exportOut != "" {
			f, err := os.Create(exportOut)
			if err != nil {
				return fmt.Errorf("create %s: %w", exportOut, err)
			}
			defer f.Close()
			out = f
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(bundle); err != nil {
			return err
		}
		if exportOut != "" {
			fmt.Printf("Exported %d entries to %s\n", bundle.Count, exportOut)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportOut, "out", "", "Write the bundle to a file instead of stdout")
}

// ── root ─────────────────────────────────────────────────────────────────────

var rootHashCmd = &cobra.Command{
	Use:   "root",
	Short: "Print the current Merkle root",
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := newClient().Root(context.Background())
		if err != nil {
			return err
		}
		fmt.Println(root)
		return nil
	},
}

// ── token ────────────────────────────────────────────────────────────────────

var (
	tokenSecret   string
	tokenProducer string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Exchange the operator secret for a producer Bearer token",
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenSecret == "" {
			return fmt.Errorf("--secret is required")
		}
		tok, err := newClient().IssueToken(context.Background(), tokenSecret, tokenProducer)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "Operator secret")
	tokenCmd.Flags().StringVar(&tokenProducer, "producer", "cli", "Producer name embedded in the token")
}

// ── hash-secret ──────────────────────────────────────────────────────────────

var hashSecretCmd = &cobra.Command{
	Use:   "hash-secret <secret>",
	Short: "Hash an operator secret for the service's auth.secret_hash setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := server.HashSecret(args[0])
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the trailctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("trailctl", version)
	},
}

func formatTS(micros int64) string {
	if micros == 0 {
		return "-"
	}
	return time.UnixMicro(micros).UTC().Format(time.RFC3339)
}

func passedLabel(ok bool) string {
	if ok {
		return "pass"
	}
	return "VIOLATION"
}
