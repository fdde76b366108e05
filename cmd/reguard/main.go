package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/reguard/reguard/internal/agent"
	"github.com/reguard/reguard/internal/api"
	"github.com/reguard/reguard/internal/audit"
	"github.com/reguard/reguard/internal/config"
	"github.com/reguard/reguard/internal/event"
	"github.com/reguard/reguard/internal/fabric"
	"github.com/reguard/reguard/internal/orchestrator"
	"github.com/reguard/reguard/internal/rules"
	"github.com/reguard/reguard/internal/store"
	"github.com/reguard/reguard/internal/stream"
	"github.com/reguard/reguard/internal/translator"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "reguard",
		Short: "Multi-agent compliance intelligence platform",
		Long:  "ReGuard: rule-based fraud detection, protocol translation,\nand audited change management for compliance event streams.",
	}

	var configFile string
	var port int
	var devMode bool

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the ReGuard server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(configFile, port, devMode)
		},
	}
	startCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: reguard.yaml)")
	startCmd.Flags().IntVarP(&port, "port", "p", 0, "Override HTTP port (default: 6780)")
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Dev mode: verbose logs, CORS *")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit()
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show orchestrator status and agent health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(port)
		},
	}
	statusCmd.Flags().IntVarP(&port, "port", "p", 0, "Server port")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ReGuard %s\n", version)
			fmt.Printf("  Commit:  %s\n", commit)
			fmt.Printf("  Built:   %s\n", buildDate)
		},
	}

	// rules subcommands
	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Detection rule management commands",
	}

	rulesValidateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file and compile rule expressions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRulesValidate(configFile)
		},
	}
	rulesValidateCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file")

	rulesReloadCmd := &cobra.Command{
		Use:   "reload",
		Short: "Hot-reload detection rules from the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := resolvePort(port)
			resp, err := http.Post(fmt.Sprintf("http://localhost:%d/api/rules/reload", p), "application/json", nil)
			if err != nil {
				return fmt.Errorf("failed to connect to ReGuard: %w", err)
			}
			defer func() { _ = resp.Body.Close() }()
			var result map[string]interface{}
			_ = decodeJSON(resp, &result)
			if resp.StatusCode == 200 {
				fmt.Printf("✓ Rules reloaded (%v active)\n", result["active_rules"])
			} else {
				fmt.Printf("✗ Reload failed (HTTP %d)\n", resp.StatusCode)
			}
			return nil
		},
	}

	rulesListCmd := &cobra.Command{
		Use:   "list",
		Short: "Show all active detection rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRulesList(port)
		},
	}

	rulesCmd.AddCommand(rulesValidateCmd, rulesReloadCmd, rulesListCmd)

	// audit subcommands
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit trail inspection commands",
	}

	auditChangesCmd := &cobra.Command{
		Use:   "changes",
		Short: "List recent journaled changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuditChanges(port)
		},
	}

	auditVerifyCmd := &cobra.Command{
		Use:   "verify [entity-kind] [entity-id]",
		Short: "Verify hash chain integrity for an entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := resolvePort(port)
			resp, err := http.Get(fmt.Sprintf("http://localhost:%d/api/audit/entity/%s/%s/verify", p, args[0], args[1]))
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer func() { _ = resp.Body.Close() }()
			var result map[string]interface{}
			_ = decodeJSON(resp, &result)
			if verified, _ := result["verified"].(bool); verified {
				fmt.Printf("✓ Hash chain intact for %s %s\n", args[0], args[1])
			} else {
				fmt.Printf("✗ Hash chain broken for %s %s\n", args[0], args[1])
			}
			return nil
		},
	}

	auditRollbackCmd := &cobra.Command{
		Use:   "rollback [change-id]",
		Short: "Request a rollback of a journaled change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := resolvePort(port)
			body := fmt.Sprintf(`{"target_change_id":%q,"reason":"CLI rollback request","requester":"cli"}`, args[0])
			resp, err := http.Post(fmt.Sprintf("http://localhost:%d/api/audit/rollback", p), "application/json", strings.NewReader(body))
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer func() { _ = resp.Body.Close() }()
			var result map[string]interface{}
			_ = decodeJSON(resp, &result)
			if resp.StatusCode != 201 {
				fmt.Printf("✗ Rollback request failed (HTTP %d): %v\n", resp.StatusCode, result)
				return nil
			}
			fmt.Printf("✓ Rollback %v submitted", result["rollback_id"])
			if ra, _ := result["requires_approval"].(bool); ra {
				fmt.Print(" (requires approval)")
			}
			fmt.Println()
			return nil
		},
	}

	auditCmd.AddCommand(auditChangesCmd, auditVerifyCmd, auditRollbackCmd)

	// translate subcommands
	translateCmd := &cobra.Command{
		Use:   "translate",
		Short: "Message translation commands",
	}

	translateDetectCmd := &cobra.Command{
		Use:   "detect [message-json]",
		Short: "Detect the protocol of a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := translator.DetectProtocol([]byte(args[0]))
			if p == "" {
				fmt.Println("Protocol could not be determined.")
				return nil
			}
			fmt.Printf("Detected protocol: %s\n", p)
			return nil
		},
	}

	translateCmd.AddCommand(translateDetectCmd)

	doctorCmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check config, storage, and server connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(port, configFile)
		},
	}

	rootCmd.AddCommand(startCmd, initCmd, statusCmd, versionCmd, rulesCmd, auditCmd, translateCmd, doctorCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runStart(configFile string, portOverride int, devMode bool) error {
	cfgLoader := config.NewLoader()
	if configFile == "" {
		configFile = findConfigFile()
	}
	if configFile != "" {
		if err := cfgLoader.Load(configFile); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}
	cfg := cfgLoader.Get()

	if portOverride > 0 {
		cfg.Server.Port = portOverride
	}
	if devMode {
		cfg.Server.CORS = true
		cfg.Server.LogLevel = "debug"
	}

	logLevel := slog.LevelInfo
	switch strings.ToLower(cfg.Server.LogLevel) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))

	st, err := store.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	if err := st.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() { _ = st.Close() }()

	// Audit engine journals every rule and translation rule mutation.
	retentionDays := int(cfg.Audit.Retention / (24 * time.Hour))
	auditEngine := audit.NewEngine(st, retentionDays, logger)

	ruleEngine, err := rules.NewEngine(st, auditEngine, cfg.RuleEngine, logger)
	if err != nil {
		return fmt.Errorf("failed to create rule engine: %w", err)
	}
	if err := ruleEngine.ReloadRules(); err != nil {
		logger.Warn("initial rule load failed", "error", err)
	}

	tr := translator.NewTranslator(st, auditEngine, cfg.Translator, logger)
	if err := tr.ReloadRules(); err != nil {
		logger.Warn("initial translation rule load failed", "error", err)
	}

	// Rollbacks on RULE entities restore the rule row and refresh the cache.
	auditEngine.RegisterApplier("RULE", func(entityID string, state json.RawMessage) error {
		if state == nil {
			if err := st.DeleteRule(entityID); err != nil {
				return err
			}
			return ruleEngine.ReloadRules()
		}
		var r store.Rule
		if err := json.Unmarshal(state, &r); err != nil {
			return err
		}
		r.ID = entityID
		if err := st.UpdateRule(&r); err != nil {
			return err
		}
		return ruleEngine.ReloadRules()
	})

	// Streaming fabric.
	hub := fabric.NewHub(cfg.WebSocket, logger)
	hub.Start()
	defer hub.Stop()
	streamer := stream.NewStreamer(hub, logger)
	wsHandler := fabric.NewWSHandler(hub, cfg.Server.CORS, logger)

	// Event source: NATS when configured, in-memory otherwise.
	var source event.Source
	if cfg.Events.NATSURL != "" {
		natsSource, err := event.NewNATSSource(cfg.Events.NATSURL, cfg.Events.Subject, cfg.Events.BufferSize, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		source = natsSource
	} else {
		source = event.NewMemorySource(cfg.Events.BufferSize, logger)
	}
	defer func() { _ = source.Close() }()

	// Agents and orchestration.
	registry := orchestrator.NewRegistry(logger)
	orch := orchestrator.NewOrchestrator(cfg.Orchestrator, registry, source, logger)

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	agents := []agent.Agent{
		agent.NewRuleEvaluationAgent(ruleEngine, streamer, logger),
		agent.NewTranslationAgent(tr, logger),
		agent.NewRegulatoryIntakeAgent(auditEngine, logger),
	}
	for _, a := range agents {
		if err := registry.Register(startupCtx, a); err != nil {
			cancelStartup()
			return fmt.Errorf("failed to register agent %s: %w", a.Type(), err)
		}
	}
	cancelStartup()

	orch.Start()

	// Event pump: drain pending compliance events into the task queue.
	pumpDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-pumpDone:
				return
			case <-ticker.C:
				orch.ProcessPendingEvents(context.Background())
			}
		}
	}()

	// Retention pruning, daily.
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-pumpDone:
				return
			case <-ticker.C:
				if n, err := auditEngine.Prune(); err != nil {
					logger.Warn("audit pruning failed", "error", err)
				} else if n > 0 {
					logger.Info("audit records pruned", "removed", n)
				}
			}
		}
	}()

	apiServer := api.NewServer(cfg.Server, cfgLoader, ruleEngine, tr, auditEngine, orch, wsHandler, logger)

	// Hot-reload config: refresh rule caches when the file changes.
	if configFile != "" {
		if err := cfgLoader.Watch(func(updated *config.Config) {
			logger.Info("config reloaded", "path", configFile)
			if err := ruleEngine.ReloadRules(); err != nil {
				logger.Error("rule reload after config change failed", "error", err)
			}
			if err := tr.ReloadRules(); err != nil {
				logger.Error("translation rule reload after config change failed", "error", err)
			}
		}); err != nil {
			logger.Warn("failed to watch config for hot-reload", "error", err)
		}
		defer cfgLoader.StopWatch()
	}

	fmt.Println()
	fmt.Printf("  ReGuard %s\n", version)
	fmt.Printf("  → API:       http://localhost:%d/api\n", cfg.Server.Port)
	fmt.Printf("  → Metrics:   http://localhost:%d/metrics\n", cfg.Server.Port)
	fmt.Printf("  → Fabric:    ws://localhost:%d/api/ws\n", cfg.Server.Port)
	fmt.Printf("  → Storage:   %s (%s)\n", cfg.Storage.Driver, cfg.Storage.Path)
	fmt.Printf("  → Rules:     %d active\n", len(ruleEngine.GetActiveRules()))
	fmt.Printf("  → Agents:    %d registered\n", len(agents))
	fmt.Println()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down...")
		close(pumpDone)

		shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutCancel()
		if err := orch.Shutdown(shutCtx); err != nil {
			logger.Warn("orchestrator shutdown incomplete", "error", err)
		}
		_ = apiServer.Shutdown(shutCtx)
	}()

	if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

func runInit() error {
	configPath := "reguard.yaml"
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("  ⚠ %s already exists (skipping)\n", configPath)
		return nil
	}
	if err := config.GenerateDefault(configPath); err != nil {
		return err
	}
	fmt.Printf("  ✓ Generated %s\n", configPath)
	fmt.Println()
	fmt.Println("  Next steps:")
	fmt.Println("    reguard rules validate   # Check the config")
	fmt.Println("    reguard start            # Start the server")
	return nil
}

func runStatus(port int) error {
	p := resolvePort(port)
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/api/status", p))
	if err != nil {
		fmt.Printf("ReGuard is not running on port %d\n", p)
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	var status map[string]interface{}
	if err := decodeJSON(resp, &status); err != nil {
		return err
	}

	fmt.Println("ReGuard Status")
	fmt.Println("──────────────")
	fmt.Printf("  %-20s %v\n", "uptime_seconds:", status["uptime_seconds"])

	orch, ok := status["orchestrator"].(map[string]interface{})
	if !ok {
		return nil
	}
	for _, k := range []string{"workers", "queue_depth", "tasks_submitted", "tasks_processed", "tasks_failed", "tasks_rejected"} {
		fmt.Printf("  %-20s %v\n", k+":", orch[k])
	}

	agents, ok := orch["agents"].(map[string]interface{})
	if !ok || len(agents) == 0 {
		return nil
	}
	fmt.Println()
	fmt.Printf("%-25s %-12s %-12s %s\n", "AGENT", "STATE", "HEALTH", "ENABLED")
	fmt.Println(strings.Repeat("─", 60))
	for name, v := range agents {
		m, _ := v.(map[string]interface{})
		fmt.Printf("%-25s %-12v %-12v %v\n", name, m["state"], m["health"], m["enabled"])
	}
	return nil
}

func runRulesValidate(configFile string) error {
	path := configFile
	if path == "" {
		path = findConfigFile()
	}
	if path == "" {
		return fmt.Errorf("no config file found, run 'reguard init' to create one")
	}

	loader := config.NewLoader()
	if err := loader.Load(path); err != nil {
		fmt.Printf("✗ Invalid config: %s\n", err)
		return err
	}
	cfg := loader.Get()
	fmt.Printf("✓ Config file valid: %s\n", path)
	fmt.Printf("  Storage:  %s (%s)\n", cfg.Storage.Driver, cfg.Storage.Path)
	fmt.Printf("  Port:     %d\n", cfg.Server.Port)
	fmt.Printf("  Workers:  %d\n", cfg.Orchestrator.Workers)

	// Compile stored rules to surface bad expressions before startup.
	st, err := store.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		fmt.Printf("  ⚠ Storage not reachable: %s\n", err)
		return nil
	}
	defer func() { _ = st.Close() }()
	if err := st.Initialize(); err != nil {
		fmt.Printf("  ⚠ Storage not initialized: %s\n", err)
		return nil
	}

	engine, err := rules.NewEngine(st, nil, cfg.RuleEngine, nil)
	if err != nil {
		return fmt.Errorf("failed to create rule engine: %w", err)
	}
	if err := engine.ReloadRules(); err != nil {
		fmt.Printf("  ✗ Rule compilation failed: %s\n", err)
		return nil
	}
	fmt.Printf("  ✓ %d rules compiled\n", len(engine.GetActiveRules()))
	return nil
}

func runRulesList(port int) error {
	p := resolvePort(port)
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/api/rules", p))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result map[string]interface{}
	_ = decodeJSON(resp, &result)
	list, ok := result["rules"].([]interface{})
	if !ok || len(list) == 0 {
		fmt.Println("No active rules.")
		return nil
	}

	fmt.Printf("%-20s %-30s %-12s %-10s %s\n", "ID", "NAME", "KIND", "PRIORITY", "ACTIVE")
	fmt.Println(strings.Repeat("─", 85))
	for _, r := range list {
		m := r.(map[string]interface{})
		fmt.Printf("%-20v %-30v %-12v %-10v %v\n",
			m["rule_id"], truncate(str(m["name"]), 30), m["kind"], m["priority"], m["active"])
	}
	return nil
}

func runAuditChanges(port int) error {
	p := resolvePort(port)
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/api/audit/changes?limit=20", p))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result map[string]interface{}
	_ = decodeJSON(resp, &result)
	changes, ok := result["changes"].([]interface{})
	if !ok || len(changes) == 0 {
		fmt.Println("No changes recorded.")
		return nil
	}

	fmt.Printf("%-30s %-12s %-16s %-10s %-10s %s\n", "CHANGE", "OPERATION", "ENTITY", "IMPACT", "USER", "TIME")
	fmt.Println(strings.Repeat("─", 100))
	for _, c := range changes {
		m := c.(map[string]interface{})
		fmt.Printf("%-30v %-12v %-16v %-10v %-10v %v\n",
			truncate(str(m["change_id"]), 30), m["operation"],
			truncate(str(m["entity_kind"])+"/"+str(m["entity_id"]), 16),
			m["impact"], m["user_id"], m["created_at"])
	}
	return nil
}

func runDoctor(port int, configFile string) error {
	fmt.Println("ReGuard Doctor")
	fmt.Println("──────────────")

	path := configFile
	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		fmt.Printf("✓ Config file found: %s\n", path)
	} else {
		fmt.Println("⚠ No config file found (will use defaults)")
	}

	cfg := config.DefaultConfig()
	if path != "" {
		loader := config.NewLoader()
		if err := loader.Load(path); err != nil {
			fmt.Printf("✗ Config does not parse: %s\n", err)
		} else {
			cfg = loader.Get()
		}
	}

	if info, err := os.Stat(cfg.Storage.Path); err == nil && !info.IsDir() {
		fmt.Printf("✓ Storage file exists: %s\n", cfg.Storage.Path)
	} else {
		fmt.Printf("⚠ Storage file missing: %s (created on first start)\n", cfg.Storage.Path)
	}

	p := resolvePort(port)
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/api/health", p))
	if err != nil {
		fmt.Printf("✗ ReGuard not running on port %d\n", p)
	} else {
		_ = resp.Body.Close()
		fmt.Printf("✓ HTTP server running on port %d\n", p)
	}

	resp, err = http.Get(fmt.Sprintf("http://localhost:%d/metrics", p))
	if err == nil {
		_ = resp.Body.Close()
		fmt.Println("✓ Metrics endpoint reachable")
	}

	return nil
}

func findConfigFile() string {
	candidates := []string{
		"reguard.yaml",
		"reguard.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "reguard", "config.yaml"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func resolvePort(port int) int {
	if port == 0 {
		return 6780
	}
	return port
}

func decodeJSON(resp *http.Response, v interface{}) error {
	return json.NewDecoder(resp.Body).Decode(v)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-2] + ".."
}

func str(v interface{}) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}
