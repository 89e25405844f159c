// Package doctor implements the controller's local self-check
// (`controld doctor`): verifies the Store is reachable at the expected
// schema, the configured bind address is free, and the home directory is
// writable, reporting as JSON or text.
package doctor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"time"

	"github.com/webgfx/task-sub000/internal/config"
	"github.com/webgfx/task-sub000/internal/store"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks against cfg.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkHomeDirWritable,
		checkStore,
		checkBindAddr,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "no config.yaml found; running on defaults"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("loaded from %s", config.ConfigPath(cfg.HomeDir))}
}

func checkHomeDirWritable(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "config missing"}
	}
	testFile := fmt.Sprintf("%s/.controld_write_test", cfg.HomeDir)
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "home directory writable"}
}

func checkStore(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Store", Status: "SKIP", Message: "config missing"}
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = store.DefaultDBPath(cfg.HomeDir)
	}

	st, err := store.Open(dbPath, nil)
	if err != nil {
		return CheckResult{Name: "Store", Status: "FAIL", Message: fmt.Sprintf("open failed: %v", err)}
	}
	defer st.Close()

	if _, err := st.ListAgents(ctx); err != nil {
		return CheckResult{Name: "Store", Status: "FAIL", Message: fmt.Sprintf("schema query failed: %v", err)}
	}
	return CheckResult{Name: "Store", Status: "PASS", Message: fmt.Sprintf("opened %s, schema current", dbPath)}
}

func checkBindAddr(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.BindAddr == "" {
		return CheckResult{Name: "Bind Address", Status: "SKIP", Message: "config missing"}
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return CheckResult{
			Name:    "Bind Address",
			Status:  "WARN",
			Message: fmt.Sprintf("%s already in use (controller may already be running)", cfg.BindAddr),
			Detail:  err.Error(),
		}
	}
	ln.Close()
	return CheckResult{Name: "Bind Address", Status: "PASS", Message: fmt.Sprintf("%s is free", cfg.BindAddr)}
}

// MarshalJSON renders the diagnosis as indented JSON.
func MarshalJSON(d Diagnosis) ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

// PrintText renders the diagnosis as a human-readable report.
func PrintText(w io.Writer, d Diagnosis) {
	fmt.Fprintf(w, "controld doctor — %s %s/%s (go %s)\n", d.System.Version, d.System.OS, d.System.Arch, d.System.Go)
	for _, r := range d.Results {
		fmt.Fprintf(w, "[%-4s] %-14s %s\n", r.Status, r.Name, r.Message)
		if r.Detail != "" {
			fmt.Fprintf(w, "        %s\n", r.Detail)
		}
	}
}
