package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	internal_http "github.com/hulrap/agentflow/internal/http"
	"github.com/hulrap/agentflow/internal/log"
	internal_storage "github.com/hulrap/agentflow/internal/storage"
	"github.com/hulrap/agentflow/pkg/models"
	"github.com/hulrap/agentflow/pkg/provider"
	"github.com/hulrap/agentflow/pkg/service"
	"github.com/hulrap/agentflow/pkg/spend"
	"github.com/spf13/cobra"
)

func SetupCLI(rootCmd *cobra.Command) {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agentflow HTTP server",
		Run: func(cmd *cobra.Command, args []string) {
			port, _ := cmd.Flags().GetString("port")
			svc, store := initService(cmd)
			defer store.Close()
			if err := internal_http.StartServer(port, svc); err != nil {
				log.GetLogger().Errorf("Server stopped: %v", err)
				os.Exit(1)
			}
		},
	}
	defaultPort := os.Getenv("PORT")
	if defaultPort == "" {
		defaultPort = "8080"
	}
	serveCmd.Flags().String("port", defaultPort, "Port for the HTTP server")

	runCmd := &cobra.Command{
		Use:   "run [definition-id]",
		Short: "Run a workflow to completion and print its final output",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			userID, _ := cmd.Flags().GetString("user")
			input, _ := cmd.Flags().GetString("input")
			svc, store := initService(cmd)
			defer store.Close()
			runWorkflow(svc, args[0], userID, input)
		},
	}
	runCmd.Flags().String("user", "cli", "User the execution is billed to")
	runCmd.Flags().String("input", "", "Initial input passed to the workflow")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List workflow executions",
		Run: func(cmd *cobra.Command, args []string) {
			userID, _ := cmd.Flags().GetString("user")
			svc, store := initService(cmd)
			defer store.Close()
			listExecutions(svc, userID)
		},
	}
	listCmd.Flags().String("user", "", "Only show executions of this user")

	statusCmd := &cobra.Command{
		Use:   "status [execution-id]",
		Short: "Show the status of an execution",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc, store := initService(cmd)
			defer store.Close()
			showStatus(svc, args[0])
		},
	}

	pauseCmd := &cobra.Command{
		Use:   "pause [execution-id]",
		Short: "Pause a running execution",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc, store := initService(cmd)
			defer store.Close()
			setStatus(svc, args[0], models.PausedExecutionStatus, "paused via CLI")
		},
	}

	resumeCmd := &cobra.Command{
		Use:   "resume [execution-id]",
		Short: "Resume a paused execution and wait for it to stop",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc, store := initService(cmd)
			defer store.Close()
			resumeExecution(svc, args[0])
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel [execution-id]",
		Short: "Cancel an execution",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc, store := initService(cmd)
			defer store.Close()
			setStatus(svc, args[0], models.CancelledExecutionStatus, "cancelled via CLI")
		},
	}

	definitionsCmd := &cobra.Command{
		Use:   "definitions",
		Short: "List the loaded workflow definitions",
		Run: func(cmd *cobra.Command, args []string) {
			svc, store := initService(cmd)
			defer store.Close()
			for _, def := range svc.Definitions() {
				fmt.Fprintf(os.Stdout, "- %s: %s (%d steps)\n", def.ID, def.Name, len(def.Steps))
			}
		},
	}

	limitsCmd := &cobra.Command{
		Use:   "limits [user-id]",
		Short: "Show or update a user's spending limits",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc, store := initService(cmd)
			defer store.Close()
			daily, _ := cmd.Flags().GetFloat64("daily")
			monthly, _ := cmd.Flags().GetFloat64("monthly")
			if daily > 0 || monthly > 0 {
				updateLimits(svc, args[0], daily, monthly)
				return
			}
			showUsage(svc, args[0])
		},
	}
	limitsCmd.Flags().Float64("daily", 0, "Daily spending limit in USD")
	limitsCmd.Flags().Float64("monthly", 0, "Monthly spending limit in USD")

	rootCmd.AddCommand(serveCmd, runCmd, listCmd, statusCmd, pauseCmd, resumeCmd, cancelCmd, definitionsCmd, limitsCmd)
}

func runWorkflow(svc *service.Service, definitionID, userID, input string) {
	ctx := context.Background()
	exec, err := svc.Start(ctx, definitionID, userID, input)
	if err != nil {
		log.GetLogger().Errorf("Failed to start execution: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to start execution: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "Started execution %s\n", exec.ID)
	if err := svc.Run(ctx, exec.ID, printEvents()); err != nil {
		log.GetLogger().Errorf("Execution %s failed to run: %v", exec.ID, err)
		fmt.Fprintf(os.Stderr, "Error: execution failed: %v\n", err)
		os.Exit(1)
	}
	printOutcome(svc, exec.ID)
}

func resumeExecution(svc *service.Service, executionID string) {
	if err := svc.Resume(context.Background(), executionID, printEvents()); err != nil {
		log.GetLogger().Errorf("Failed to resume execution %s: %v", executionID, err)
		fmt.Fprintf(os.Stderr, "Error: failed to resume execution: %v\n", err)
		os.Exit(1)
	}
	printOutcome(svc, executionID)
}

// printEvents narrates step transitions on stdout while a run is attached
// to the terminal. Content chunks are skipped, the final output is printed
// by printOutcome once the run stops.
func printEvents() service.EventSink {
	return service.EventSinkFunc(func(e service.Event) {
		switch e.Type {
		case service.StepEventType:
			fmt.Fprintf(os.Stdout, "[step %d] %s\n", e.Step.Number, e.Step.Name)
		case service.UsageEventType:
			fmt.Fprintf(os.Stdout, "[usage] %s: %d in / %d out tokens, $%.4f\n",
				e.Usage.StepID, e.Usage.InputTokens, e.Usage.OutputTokens, e.Usage.CostUSD)
		}
	})
}

func printOutcome(svc *service.Service, executionID string) {
	exec, totalSteps, err := svc.GetExecution(context.Background(), executionID)
	if err != nil {
		log.GetLogger().Errorf("Failed to load execution %s: %v", executionID, err)
		fmt.Fprintf(os.Stderr, "Error: failed to load execution: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "Execution %s finished with status '%s' (%d/%d steps, $%.4f)\n",
		exec.ID, exec.Status, exec.CurrentStep, totalSteps, exec.TotalCost)
	switch exec.Status {
	case models.CompletedExecutionStatus:
		fmt.Fprintf(os.Stdout, "\n%s\n", exec.FinalOutput)
	case models.PausedExecutionStatus:
		fmt.Fprintf(os.Stdout, "Paused: %s\n", exec.PauseReason)
	case models.FailedExecutionStatus:
		fmt.Fprintf(os.Stdout, "Failed (%s): %s\n", exec.ErrorKind, exec.ErrorMsg)
	}
}

func listExecutions(svc *service.Service, userID string) {
	execs, err := svc.ListExecutions(context.Background(), userID)
	if err != nil {
		log.GetLogger().Errorf("Failed to list executions: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to list executions: %v\n", err)
		os.Exit(1)
	}
	if len(execs) == 0 {
		fmt.Fprintf(os.Stdout, "No executions found.\n")
		return
	}
	fmt.Fprintf(os.Stdout, "Executions:\n")
	for _, exec := range execs {
		fmt.Fprintf(os.Stdout, "- ID: %s, Definition: %s, User: %s, Status: %s, Cost: $%.4f, Created: %s\n",
			exec.ID, exec.DefinitionID, exec.UserID, exec.Status, exec.TotalCost, exec.CreatedAt.Format(time.RFC3339))
	}
}

func showStatus(svc *service.Service, executionID string) {
	exec, totalSteps, err := svc.GetExecution(context.Background(), executionID)
	if err != nil {
		log.GetLogger().Errorf("Failed to load execution %s: %v", executionID, err)
		fmt.Fprintf(os.Stderr, "Error: failed to load execution: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "Execution %s\n", exec.ID)
	fmt.Fprintf(os.Stdout, "  Definition: %s\n", exec.DefinitionID)
	fmt.Fprintf(os.Stdout, "  User:       %s\n", exec.UserID)
	fmt.Fprintf(os.Stdout, "  Status:     %s\n", exec.Status)
	fmt.Fprintf(os.Stdout, "  Progress:   %d/%d steps (%.0f%%)\n", exec.CurrentStep, totalSteps, exec.Progress(totalSteps))
	fmt.Fprintf(os.Stdout, "  Cost:       $%.4f\n", exec.TotalCost)
	if exec.PauseReason != "" {
		fmt.Fprintf(os.Stdout, "  Paused:     %s\n", exec.PauseReason)
	}
	if exec.ErrorKind != "" {
		fmt.Fprintf(os.Stdout, "  Error:      %s: %s\n", exec.ErrorKind, exec.ErrorMsg)
	}
}

func setStatus(svc *service.Service, executionID string, status models.ExecutionStatus, note string) {
	exec, err := svc.UpdateStatus(context.Background(), executionID, status, note)
	if err != nil {
		log.GetLogger().Errorf("Failed to update execution %s: %v", executionID, err)
		fmt.Fprintf(os.Stderr, "Error: failed to update execution: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "Execution %s is now '%s'\n", exec.ID, exec.Status)
}

func updateLimits(svc *service.Service, userID string, daily, monthly float64) {
	if daily <= 0 {
		daily = spend.DefaultDailyLimitUSD
	}
	if monthly <= 0 {
		monthly = spend.DefaultMonthlyLimitUSD
	}
	limits := models.UsageLimits{
		UserID:           userID,
		DailyLimitUSD:    daily,
		MonthlyLimitUSD:  monthly,
		WarningThreshold: spend.DefaultWarningThreshold,
		HardStop:         true,
		AutoPause:        true,
	}
	if err := svc.SetLimits(limits); err != nil {
		log.GetLogger().Errorf("Failed to update limits for %s: %v", userID, err)
		fmt.Fprintf(os.Stderr, "Error: failed to update limits: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "Limits for '%s': $%.2f/day, $%.2f/month\n", userID, daily, monthly)
}

func showUsage(svc *service.Service, userID string) {
	totals, limits, err := svc.UsageSummary(userID)
	if err != nil {
		log.GetLogger().Errorf("Failed to load usage for %s: %v", userID, err)
		fmt.Fprintf(os.Stderr, "Error: failed to load usage: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "Usage for '%s':\n", userID)
	fmt.Fprintf(os.Stdout, "  Today:      $%.4f of $%.2f\n", totals.DailyUSD, limits.DailyLimitUSD)
	fmt.Fprintf(os.Stdout, "  This month: $%.4f of $%.2f\n", totals.MonthlyUSD, limits.MonthlyLimitUSD)
}

// initService wires the store, the provider registry and the spend guard
// into a ready workflow service, loading definitions from --definitions.
func initService(cmd *cobra.Command) (*service.Service, *internal_storage.PostgresStore) {
	dbConnStr, err := cmd.Flags().GetString("db")
	if err != nil {
		log.GetLogger().Errorf("Error retrieving db flag: %v", err)
		os.Exit(1)
	}
	store := initStore(dbConnStr)

	registry, err := BuildRegistry()
	if err != nil {
		log.GetLogger().Errorf("Failed to configure providers: %v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	guard := spend.NewGuard(store, log.GetLogger())
	svc := service.NewService(store, registry, guard, log.GetLogger())

	defsDir, _ := cmd.Flags().GetString("definitions")
	if defsDir != "" {
		if err := svc.LoadDefinitionDir(defsDir); err != nil {
			log.GetLogger().Errorf("Failed to load definitions from %s: %v", defsDir, err)
			fmt.Fprintf(os.Stderr, "Error: failed to load definitions: %v\n", err)
			os.Exit(1)
		}
	}
	return svc, store
}

// BuildRegistry registers a provider for every backend configured through
// the environment. At least one of OPENAI_API_KEY, ANTHROPIC_API_KEY or
// OLLAMA_SERVER_URL must be set.
func BuildRegistry() (*provider.Registry, error) {
	registry := provider.NewRegistry()
	configured := 0

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		client, err := provider.NewOpenAIClient(key, os.Getenv("OPENAI_BASE_URL"))
		if err != nil {
			return nil, err
		}
		registry.Register("openai", []string{"gpt-", "o1", "o3"}, client, provider.Pricing{
			InputPer1K:  0.0025,
			OutputPer1K: 0.01,
		})
		configured++
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		client, err := provider.NewAnthropicClient(key)
		if err != nil {
			return nil, err
		}
		registry.Register("anthropic", []string{"claude-"}, client, provider.Pricing{
			InputPer1K:  0.003,
			OutputPer1K: 0.015,
		})
		configured++
	}
	if url := os.Getenv("OLLAMA_SERVER_URL"); url != "" {
		client, err := provider.NewOllamaClient(url)
		if err != nil {
			return nil, err
		}
		registry.Register("ollama", []string{"llama", "mistral", "qwen"}, client, provider.Pricing{})
		configured++
	}

	if configured == 0 {
		return nil, fmt.Errorf("no providers configured: set OPENAI_API_KEY, ANTHROPIC_API_KEY or OLLAMA_SERVER_URL")
	}
	return registry, nil
}

func initStore(dbConnStr string) *internal_storage.PostgresStore {
	store, err := internal_storage.InitStore(dbConnStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	return store
}
