package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/webgfx/task-sub000/internal/agentrt"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

// agentState is the local record of how this machine's agent is configured
// — written by install, read by status/info/update, removed by uninstall.
type agentState struct {
	ServerURL            string `json:"server_url"`
	MachineName          string `json:"machine_name"`
	InstallDir           string `json:"install_dir"`
	HeartbeatInterval    string `json:"heartbeat_interval"`
	ConfigUpdateInterval string `json:"config_update_interval"`
	LogLevel             string `json:"log_level"`
}

func statePath(installDir string) string {
	return filepath.Join(installDir, "agentd.json")
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s [command] [flags]

With no command, runs the agent runtime in the foreground, connecting to
the server-url recorded by a prior "install" (or given on the flags).

COMMANDS:
  install    Record this machine's agent configuration and verify it can
             reach the controller
  uninstall  Remove the recorded agent configuration
  update     Change one or more settings of an existing install
  info       Print the recorded configuration
  status     Check that the controller is reachable and this agent is
             registered

FLAGS:
  --server-url               Controller base URL, e.g. http://host:8780
  --machine-name              This agent's registered name
  --install-dir               Where agentd stores its local state (default: ~/.agentd)
  --heartbeat-interval         e.g. 30s
  --config-update-interval    e.g. 600s
  --log-level                  debug|info|warn|error
`, os.Args[0])
}

func defaultInstallDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentd")
}

func main() {
	var cmd string
	if len(os.Args) > 1 && !strings.HasPrefix(os.Args[1], "-") {
		cmd = strings.ToLower(strings.TrimSpace(os.Args[1]))
		os.Args = append(os.Args[:1], os.Args[2:]...)
	}

	fs := flag.NewFlagSet("agentd", flag.ExitOnError)
	serverURL := fs.String("server-url", "", "controller base URL")
	machineName := fs.String("machine-name", "", "this agent's registered name")
	installDir := fs.String("install-dir", defaultInstallDir(), "local state directory")
	heartbeatInterval := fs.String("heartbeat-interval", "", "heartbeat interval")
	configUpdateInterval := fs.String("config-update-interval", "", "config update interval")
	logLevel := fs.String("log-level", "", "log level")
	fs.Usage = printUsage
	fs.Parse(os.Args[1:])

	switch cmd {
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	case "install":
		os.Exit(runInstall(*installDir, *serverURL, *machineName, *heartbeatInterval, *configUpdateInterval, *logLevel))
	case "uninstall":
		os.Exit(runUninstall(*installDir))
	case "update":
		os.Exit(runUpdate(*installDir, *serverURL, *machineName, *heartbeatInterval, *configUpdateInterval, *logLevel))
	case "info":
		os.Exit(runInfo(*installDir))
	case "status":
		os.Exit(runStatus(*installDir))
	case "":
		os.Exit(runForeground(*installDir, *serverURL, *machineName, *heartbeatInterval, *configUpdateInterval, *logLevel))
	default:
		fmt.Fprintf(os.Stderr, "agentd: unknown command %q\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func loadState(installDir string) (agentState, error) {
	var st agentState
	data, err := os.ReadFile(statePath(installDir))
	if err != nil {
		return st, err
	}
	err = json.Unmarshal(data, &st)
	return st, err
}

func saveState(st agentState) error {
	if err := os.MkdirAll(st.InstallDir, 0o755); err != nil {
		return fmt.Errorf("create install dir: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(statePath(st.InstallDir), data, 0o600)
}

func runInstall(installDir, serverURL, machineName, heartbeatInterval, configUpdateInterval, logLevel string) int {
	if serverURL == "" || machineName == "" {
		fmt.Fprintln(os.Stderr, "agentd install: --server-url and --machine-name are required")
		return 1
	}
	st := agentState{
		ServerURL:            serverURL,
		MachineName:          machineName,
		InstallDir:           installDir,
		HeartbeatInterval:    heartbeatInterval,
		ConfigUpdateInterval: configUpdateInterval,
		LogLevel:             logLevel,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pingController(ctx, serverURL); err != nil {
		fmt.Fprintf(os.Stderr, "agentd install: controller unreachable: %v\n", err)
		return 1
	}

	if err := saveState(st); err != nil {
		fmt.Fprintf(os.Stderr, "agentd install: %v\n", err)
		return 1
	}
	fmt.Printf("installed: machine=%q server=%q install-dir=%s\n", machineName, serverURL, installDir)
	return 0
}

func runUninstall(installDir string) int {
	if err := os.Remove(statePath(installDir)); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "agentd uninstall: %v\n", err)
		return 1
	}
	fmt.Println("uninstalled")
	return 0
}

func runUpdate(installDir, serverURL, machineName, heartbeatInterval, configUpdateInterval, logLevel string) int {
	st, err := loadState(installDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentd update: no existing install at %s: %v\n", installDir, err)
		return 1
	}
	if serverURL != "" {
		st.ServerURL = serverURL
	}
	if machineName != "" {
		st.MachineName = machineName
	}
	if heartbeatInterval != "" {
		st.HeartbeatInterval = heartbeatInterval
	}
	if configUpdateInterval != "" {
		st.ConfigUpdateInterval = configUpdateInterval
	}
	if logLevel != "" {
		st.LogLevel = logLevel
	}
	if err := saveState(st); err != nil {
		fmt.Fprintf(os.Stderr, "agentd update: %v\n", err)
		return 1
	}
	fmt.Println("updated")
	return 0
}

func runInfo(installDir string) int {
	st, err := loadState(installDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentd info: no existing install at %s: %v\n", installDir, err)
		return 1
	}
	out, _ := json.MarshalIndent(st, "", "  ")
	fmt.Println(string(out))
	return 0
}

func runStatus(installDir string) int {
	st, err := loadState(installDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentd status: no existing install at %s: %v\n", installDir, err)
		return 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := pingController(ctx, st.ServerURL); err != nil {
		fmt.Fprintf(os.Stderr, "agentd status: controller unreachable: %v\n", err)
		return 1
	}
	fmt.Printf("ok: %q reachable at %s\n", st.MachineName, st.ServerURL)
	return 0
}

func pingController(ctx context.Context, serverURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(serverURL, "/")+"/api/agents/names", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("controller returned %s", resp.Status)
	}
	return nil
}

func runForeground(installDir, serverURLFlag, machineNameFlag, heartbeatIntervalFlag, configUpdateIntervalFlag, logLevelFlag string) int {
	serverURL, machineName := serverURLFlag, machineNameFlag
	heartbeatInterval, configUpdateInterval := heartbeatIntervalFlag, configUpdateIntervalFlag
	logLevel := logLevelFlag

	if st, err := loadState(installDir); err == nil {
		if serverURL == "" {
			serverURL = st.ServerURL
		}
		if machineName == "" {
			machineName = st.MachineName
		}
		if heartbeatInterval == "" {
			heartbeatInterval = st.HeartbeatInterval
		}
		if configUpdateInterval == "" {
			configUpdateInterval = st.ConfigUpdateInterval
		}
		if logLevel == "" {
			logLevel = st.LogLevel
		}
	}

	if serverURL == "" || machineName == "" {
		fmt.Fprintln(os.Stderr, "agentd: no --server-url/--machine-name given and no prior install found; run \"agentd install\" first")
		return 1
	}

	hbInterval, err := time.ParseDuration(heartbeatInterval)
	if err != nil {
		hbInterval = agentrt.DefaultHeartbeatInterval
	}
	cfgInterval, err := time.ParseDuration(configUpdateInterval)
	if err != nil {
		cfgInterval = agentrt.DefaultConfigUpdateInterval
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt := agentrt.New(agentrt.Config{
		ServerURL:            serverURL,
		MachineName:          machineName,
		Capabilities:         []string{"get_hostname", "get_system_info", "shell_command"},
		HeartbeatInterval:    hbInterval,
		ConfigUpdateInterval: cfgInterval,
	})

	if err := rt.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "agentd: %v\n", err)
		return 1
	}
	return 0
}
