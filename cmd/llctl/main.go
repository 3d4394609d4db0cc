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

	"github.com/loanlife/loanledger/internal/custody"
	"github.com/loanlife/loanledger/pkg/client"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL   string
	cfgFile     string
	actor       string
	bearerToken string
	walletDir   string
	password    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "llctl",
	Short: "Loan ledger governance CLI",
	Long: `llctl is the command-line interface for the loan governance service.

It manages the local signing wallet, registers and verifies covenant
hashes, drives the breach workflow, records ESG scores, and verifies
the audit trail.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.llctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server_url")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
		if password == "" {
			password = viper.GetString("wallet_password")
		}
		if walletDir == "" {
			walletDir = viper.GetString("wallet_dir")
		}
		if walletDir == "" {
			home, _ := os.UserHomeDir()
			walletDir = home + "/.llctl/wallet"
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.llctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "governance service URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", "", "actor address recorded on mutations")
	rootCmd.PersistentFlags().StringVar(&bearerToken, "token", "", "bearer actor token")
	rootCmd.PersistentFlags().StringVar(&walletDir, "wallet-dir", "", "wallet directory (default ~/.llctl/wallet)")
	rootCmd.PersistentFlags().StringVar(&password, "password", "", "wallet password (or set WALLET_PASSWORD)")

	rootCmd.AddCommand(walletCmd)
	rootCmd.AddCommand(covenantCmd)
	rootCmd.AddCommand(ruleCmd)
	rootCmd.AddCommand(breachCmd)
	rootCmd.AddCommand(esgCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() *client.Client {
	opts := []client.Option{}
	if bearerToken != "" {
		opts = append(opts, client.WithBearerToken(bearerToken))
	}
	return client.New(serverURL, opts...)
}

func cmdContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func loadCustodian() (*custody.Custodian, error) {
	if password == "" {
		return nil, fmt.Errorf("wallet password required (--password or WALLET_PASSWORD)")
	}
	c := custody.NewCustodian(walletDir)
	if err := c.Load(password); err != nil {
		return nil, err
	}
	return c, nil
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

// ── wallet ───────────────────────────────────────────────────────────────────

var walletCmd = &cobra.Command{
	Use:   "wallet",
	Short: "Manage the local signing wallet",
}

var walletInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a new encrypted wallet",
	RunE: func(cmd *cobra.Command, args []string) error {
		if password == "" {
			return fmt.Errorf("wallet password required (--password or WALLET_PASSWORD)")
		}
		c := custody.NewCustodian(walletDir)
		if err := c.Create(password); err != nil {
			return err
		}
		fmt.Printf("wallet created\naddress: %s\ndir:     %s\n", c.Address(), walletDir)
		return nil
	},
}

var walletShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the wallet address",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadCustodian()
		if err != nil {
			return err
		}
		fmt.Println(c.Address())
		return nil
	},
}

var walletExportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Export the encrypted wallet to a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadCustodian()
		if err != nil {
			return err
		}
		w, err := c.Export(password)
		if err != nil {
			return err
		}
		b, err := json.MarshalIndent(w, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(args[0], b, 0o600); err != nil {
			return err
		}
		fmt.Printf("wallet exported to %s\n", args[0])
		return nil
	},
}

var walletImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import an encrypted wallet from a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if password == "" {
			return fmt.Errorf("wallet password required (--password or WALLET_PASSWORD)")
		}
		b, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var w custody.EncryptedWallet
		if err := json.Unmarshal(b, &w); err != nil {
			return fmt.Errorf("parse wallet file: %w", err)
		}
		c := custody.NewCustodian(walletDir)
		if err := c.Import(&w, password); err != nil {
			return err
		}
		fmt.Printf("wallet imported\naddress: %s\n", c.Address())
		return nil
	},
}

var walletSignCmd = &cobra.Command{
	Use:   "sign <message>",
	Short: "Sign a message with the wallet key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadCustodian()
		if err != nil {
			return err
		}
		sig, err := c.SignMessage(args[0])
		if err != nil {
			return err
		}
		return printJSON(sig)
	},
}

func init() {
	walletCmd.AddCommand(walletInitCmd)
	walletCmd.AddCommand(walletShowCmd)
	walletCmd.AddCommand(walletExportCmd)
	walletCmd.AddCommand(walletImportCmd)
	walletCmd.AddCommand(walletSignCmd)
}

// ── covenant ─────────────────────────────────────────────────────────────────

var covenantCmd = &cobra.Command{
	Use:   "covenant",
	Short: "Register and verify covenant hashes",
}

var covenantRegisterCmd = &cobra.Command{
	Use:   "register <loan-id> <content-hash> <covenant-type>",
	Short: "Anchor a covenant content hash for a loan",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		cov, err := newClient().RegisterCovenant(ctx, args[0], args[1], args[2], actor)
		if err != nil {
			return err
		}
		return printJSON(cov)
	},
}

var covenantVerifyCmd = &cobra.Command{
	Use:   "verify <loan-id> <content-hash>",
	Short: "Verify a hash against the registered covenant",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		ok, err := newClient().VerifyCovenant(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("INVALID")
			os.Exit(1)
		}
		fmt.Println("VALID")
		return nil
	},
}

func init() {
	covenantCmd.AddCommand(covenantRegisterCmd)
	covenantCmd.AddCommand(covenantVerifyCmd)
}

// ── rule ─────────────────────────────────────────────────────────────────────

var (
	ruleThreshold float64
	ruleApprovers []string
	ruleGraceDays int
)

var ruleCmd = &cobra.Command{
	Use:   "rule",
	Short: "Manage governance rules",
}

var ruleCreateCmd = &cobra.Command{
	Use:   "create <rule-id> <covenant-type>",
	Short: "Create a governance rule",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		rule, err := newClient().CreateRule(ctx, client.CreateRuleRequest{
			RuleID:          args[0],
			CovenantType:    args[1],
			Threshold:       ruleThreshold,
			Approvers:       ruleApprovers,
			GracePeriodDays: ruleGraceDays,
			Actor:           actor,
		})
		if err != nil {
			return err
		}
		return printJSON(rule)
	},
}

var ruleGetCmd = &cobra.Command{
	Use:   "get <rule-id>",
	Short: "Show a governance rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		rule, err := newClient().GetRule(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(rule)
	},
}

func init() {
	ruleCreateCmd.Flags().Float64Var(&ruleThreshold, "threshold", 0, "breach threshold")
	ruleCreateCmd.Flags().StringSliceVar(&ruleApprovers, "approvers", nil, "approver addresses")
	ruleCreateCmd.Flags().IntVar(&ruleGraceDays, "grace-days", 30, "grace period in days")
	ruleCmd.AddCommand(ruleCreateCmd)
	ruleCmd.AddCommand(ruleGetCmd)
}

// ── breach ───────────────────────────────────────────────────────────────────

var (
	breachSeverity string
	breachValue    float64
	breachReason   string
)

var breachCmd = &cobra.Command{
	Use:   "breach",
	Short: "Drive the breach workflow",
}

var breachDetectCmd = &cobra.Command{
	Use:   "detect <loan-id> <rule-id>",
	Short: "Open a breach against a loan",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		breach, err := newClient().DetectBreach(ctx, client.DetectBreachRequest{
			LoanID:         args[0],
			RuleID:         args[1],
			Severity:       breachSeverity,
			PredictedValue: breachValue,
			Actor:          actor,
		})
		if err != nil {
			return err
		}
		return printJSON(breach)
	},
}

var breachUpdateCmd = &cobra.Command{
	Use:   "update <breach-id> <status>",
	Short: "Advance a breach to approved, rejected, or mitigated",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		breach, err := newClient().UpdateBreachStatus(ctx, args[0], args[1], breachReason, actor)
		if err != nil {
			return err
		}
		return printJSON(breach)
	},
}

var breachListCmd = &cobra.Command{
	Use:   "list <loan-id>",
	Short: "List a loan's breaches",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		breaches, err := newClient().BreachesForLoan(ctx, args[0])
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "BREACH ID\tRULE\tSEVERITY\tSTATUS\tDETECTED")
		for _, b := range breaches {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				b.BreachID, b.RuleID, b.Severity, b.Status,
				b.DetectedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

func init() {
	breachDetectCmd.Flags().StringVar(&breachSeverity, "severity", "medium", "breach severity")
	breachDetectCmd.Flags().Float64Var(&breachValue, "value", 0, "predicted metric value")
	breachUpdateCmd.Flags().StringVar(&breachReason, "reason", "", "transition reason / mitigation plan")
	breachCmd.AddCommand(breachDetectCmd)
	breachCmd.AddCommand(breachUpdateCmd)
	breachCmd.AddCommand(breachListCmd)
}

// ── esg ──────────────────────────────────────────────────────────────────────

var (
	esgEvidence string
	esgWindow   int
)

var esgCmd = &cobra.Command{
	Use:   "esg",
	Short: "Record and query ESG scores",
}

var esgRecordCmd = &cobra.Command{
	Use:   "record <loan-id> <environmental> <social> <governance>",
	Short: "Record an ESG score",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		var e, s, g float64
		if _, err := fmt.Sscanf(args[1]+" "+args[2]+" "+args[3], "%f %f %f", &e, &s, &g); err != nil {
			return fmt.Errorf("pillar scores must be numbers: %w", err)
		}
		ctx, cancel := cmdContext()
		defer cancel()
		rec, err := newClient().RecordESGScore(ctx, args[0], e, s, g, esgEvidence, actor)
		if err != nil {
			return err
		}
		return printJSON(rec)
	},
}

var esgCurrentCmd = &cobra.Command{
	Use:   "current <loan-id>",
	Short: "Show a loan's latest ESG score",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		rec, err := newClient().CurrentESGScore(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(rec)
	},
}

var esgTrendCmd = &cobra.Command{
	Use:   "trend <loan-id>",
	Short: "Show a loan's ESG score trend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		trend, err := newClient().ESGTrend(ctx, args[0], esgWindow)
		if err != nil {
			return err
		}
		fmt.Println(trend)
		return nil
	},
}

func init() {
	esgRecordCmd.Flags().StringVar(&esgEvidence, "evidence", "", "evidence content hash")
	esgTrendCmd.Flags().IntVar(&esgWindow, "window", 5, "trend window size")
	esgCmd.AddCommand(esgRecordCmd)
	esgCmd.AddCommand(esgCurrentCmd)
	esgCmd.AddCommand(esgTrendCmd)
}

// ── audit ────────────────────────────────────────────────────────────────────

var (
	auditStart int64
	auditEnd   int64
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query and verify the audit trail",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify state-chain consistency over a range",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		ok, err := newClient().VerifyTrail(ctx, auditStart, auditEnd)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("INVALID")
			os.Exit(1)
		}
		fmt.Println("VALID")
		return nil
	},
}

var auditSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show a verified trail summary with its Merkle root",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		summary, err := newClient().TrailSummary(ctx, auditStart, auditEnd)
		if err != nil {
			return err
		}
		return printJSON(summary)
	},
}

var auditProofCmd = &cobra.Command{
	Use:   "proof <entry-id>",
	Short: "Show the Merkle proof for one entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var entryID int64
		if _, err := fmt.Sscanf(args[0], "%d", &entryID); err != nil {
			return fmt.Errorf("entry id must be an integer: %w", err)
		}
		ctx, cancel := cmdContext()
		defer cancel()
		proof, err := newClient().MerkleProof(ctx, auditStart, auditEnd, entryID)
		if err != nil {
			return err
		}
		return printJSON(proof)
	},
}

var auditRecentCmd = &cobra.Command{
	Use:   "recent",
	Short: "List recent audit entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		entries, err := newClient().RecentAudits(ctx, 20, 0)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tACTION\tENTITY\tACTOR\tTIME")
		for _, e := range entries {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
				e.EntryID, e.Action, e.EntityID, e.Actor,
				e.Timestamp.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

func init() {
	auditCmd.PersistentFlags().Int64Var(&auditStart, "start", 0, "range start entry id")
	auditCmd.PersistentFlags().Int64Var(&auditEnd, "end", 0, "range end entry id")
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditSummaryCmd)
	auditCmd.AddCommand(auditProofCmd)
	auditCmd.AddCommand(auditRecentCmd)
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the llctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("llctl", version)
	},
}
