package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/bepresent/presentd/internal/clock"
	"github.com/bepresent/presentd/internal/config"
	"github.com/bepresent/presentd/internal/intention"
	"github.com/bepresent/presentd/internal/monitor"
	"github.com/bepresent/presentd/internal/session"
	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var checkBeastMode bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check decisions interactively",
	Long:  `Check what decisions presentd would make, against the live store, without changing any state.`,
}

var checkAppCmd = &cobra.Command{
	Use:   "app PACKAGE",
	Short: "Check the verdict for a package",
	Long:  `Check whether a foreground app would currently be allowed or blocked. Read-only; no quota is consumed and no open window is started.`,
	Example: `  presentd --config config.yaml check app com.instagram.android
  presentd check app com.twitter.android`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckApp,
}

var checkRewardCmd = &cobra.Command{
	Use:   "reward MINUTES",
	Short: "Check the reward for a session length",
	Long:  `Check the XP and coins a completed focus session of the given length would earn under the configured reward table.`,
	Example: `  presentd check reward 45
  presentd check reward 45 --beast-mode`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckReward,
}

func init() {
	checkRewardCmd.Flags().BoolVar(&checkBeastMode, "beast-mode", false, "Apply the beast mode multiplier")

	checkCmd.AddCommand(checkAppCmd)
	checkCmd.AddCommand(checkRewardCmd)
	rootCmd.AddCommand(checkCmd)
}

func runCheckApp(cmd *cobra.Command, args []string) error {
	pkg := args[0]

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Create a quiet logger for check mode
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	clk := clock.RealClock{}
	engine := session.NewEngine(store, clk, session.RewardTableFromConfig(cfg.Rewards), logger)
	tracker := intention.NewTracker(store, clk, logger)

	arbiter, err := monitor.NewArbiter(engine, tracker, clk, cfg.Reset.Time, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Arbiter: %w", err)
	}

	verdict, err := arbiter.Probe(context.Background(), pkg)
	if err != nil {
		return fmt.Errorf("failed to evaluate package: %w", err)
	}

	printVerdict(pkg, verdict)
	return nil
}

func runCheckReward(cmd *cobra.Command, args []string) error {
	minutes, err := strconv.Atoi(args[0])
	if err != nil || minutes <= 0 {
		return fmt.Errorf("invalid session length: %s", args[0])
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	table := session.RewardTableFromConfig(cfg.Rewards)
	xp, coins := table.Compute(time.Duration(minutes)*time.Minute, checkBeastMode)

	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println("SESSION REWARD CHECK")
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("Length:     %d minutes\n", minutes)
	fmt.Printf("Beast Mode: %t\n", checkBeastMode)
	fmt.Println()

	cyan.Print("Reward:     ")
	green.Printf("%d XP, %d coins\n", xp, coins)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	return nil
}

// printVerdict prints the app check result with colors
func printVerdict(pkg string, v monitor.Verdict) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println("APP VERDICT CHECK")
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("Package:    %s\n", pkg)
	fmt.Printf("Checked At: %s\n", v.EvaluatedAt.Format("2006-01-02 15:04:05"))
	fmt.Println()

	cyan.Print("Decision:   ")
	switch v.Action {
	case monitor.ActionAllow:
		green.Println("ALLOW")
		fmt.Println("            → App would be allowed in the foreground")
	case monitor.ActionBlock:
		red.Println("BLOCK")
		switch v.Reason {
		case monitor.ReasonFocusSession:
			fmt.Println("            → A focus session shields this app")
		case monitor.ReasonQuotaExhausted:
			fmt.Println("            → Daily open quota is exhausted")
		}
	default:
		fmt.Printf("UNKNOWN (%s)\n", v.Action)
	}

	if !v.Until.IsZero() {
		fmt.Printf("Until:      %s\n", v.Until.Format("2006-01-02 15:04:05"))
	} else if v.Action == monitor.ActionBlock && v.Reason == monitor.ReasonFocusSession {
		fmt.Println("Until:      session is explicitly ended")
	}

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}
