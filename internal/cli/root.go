// Package cli implements subagentctl, the operator command line for a
// coordinator. Read-only and administrative commands go through the HTTP
// control API; send and broadcast connect as an aux client over WebSocket.
package cli

import (
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/taskmgr818/remote-subagent/internal/logging"
)

var (
	serverURL  string
	secret     string
	ownerID    string
	ownerToken string
	adminToken string
	logLevel   string
	apiTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "subagentctl",
	Short: "Operate a remote-subagent coordinator",
	Long: `subagentctl talks to a remote-subagent coordinator.

Inspection and admin commands use the control API and need the dashboard
secret. send and broadcast register as an aux client and need a credential
issued for the owner id (see 'subagentctl token issue').`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&serverURL, "server", envOr("SUBAGENT_SERVER", "http://localhost:8080"), "coordinator base URL")
	f.StringVar(&secret, "secret", os.Getenv("DASHBOARD_SECRET"), "dashboard secret for the control API")
	f.StringVar(&ownerID, "owner", envOr("SUBAGENT_OWNER", defaultOwner()), "owner id for aux connections")
	f.StringVar(&ownerToken, "token", os.Getenv("SUBAGENT_TOKEN"), "credential issued for the owner id")
	f.StringVar(&adminToken, "admin-token", os.Getenv("ADMIN_TOKEN"), "bearer token for credential management")
	f.StringVar(&logLevel, "log-level", "warn", "client log level")
	f.DurationVar(&apiTimeout, "api-timeout", 30*time.Second, "timeout for control API calls")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newLogger() *zap.Logger {
	log, _, err := logging.Build(logLevel, "console")
	if err != nil {
		return zap.NewNop()
	}
	return log
}

// ─── helpers ───

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultOwner() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "operator"
}
