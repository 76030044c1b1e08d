package cli

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/taskmgr818/remote-subagent/internal/auth"
)

var signingKey string

func init() {
	tokenSignCmd.Flags().StringVar(&signingKey, "key", os.Getenv("NODE_SIGNING_KEY"), "base64 ed25519 private key or seed, or @file")

	tokenCmd.AddCommand(tokenIssueCmd, tokenRevokeCmd, tokenListCmd, tokenSignCmd, tokenKeygenCmd)
	rootCmd.AddCommand(tokenCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage node credentials",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue NODE_ID",
	Short: "Issue a credential for a node or aux owner (replaces any previous one)",
	Args:  cobra.ExactArgs(1),
	RunE:  runTokenIssue,
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke NODE_ID",
	Short: "Revoke a node's issued credential",
	Args:  cobra.ExactArgs(1),
	RunE:  runTokenRevoke,
}

var tokenListCmd = &cobra.Command{
	Use:   "list",
	Short: "List issued credentials",
	Args:  cobra.NoArgs,
	RunE:  runTokenList,
}

var tokenSignCmd = &cobra.Command{
	Use:   "sign NODE_ID",
	Short: "Sign an offline token for a node (no coordinator round trip)",
	Args:  cobra.ExactArgs(1),
	RunE:  runTokenSign,
}

var tokenKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an ed25519 key pair for signed node tokens",
	Args:  cobra.NoArgs,
	RunE:  runTokenKeygen,
}

type issuedToken struct {
	Token  string `json:"token"`
	NodeID string `json:"nodeId"`
}

func runTokenIssue(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), apiTimeout)
	defer cancel()

	var out issuedToken
	if err := newAPIClient().do(ctx, "POST", "/api/tokens", map[string]string{"nodeId": args[0]}, &out); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), out.Token)
	return nil
}

func runTokenRevoke(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), apiTimeout)
	defer cancel()

	if err := newAPIClient().do(ctx, "DELETE", "/api/tokens/"+url.PathEscape(args[0]), nil, nil); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Revoked token for %s\n", args[0])
	return nil
}

func runTokenList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), apiTimeout)
	defer cancel()

	var creds []auth.CredentialInfo
	if err := newAPIClient().do(ctx, "GET", "/api/tokens", nil, &creds); err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NODE ID\tISSUED")
	for _, c := range creds {
		fmt.Fprintf(w, "%s\t%s\n", c.NodeID, c.IssuedAt.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runTokenSign(cmd *cobra.Command, args []string) error {
	priv, err := parsePrivateKey(signingKey)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), auth.SignToken(priv, args[0]))
	return nil
}

func runTokenKeygen(cmd *cobra.Command, args []string) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "NODE_VERIFY_KEY=%s\n", base64.StdEncoding.EncodeToString(pub))
	fmt.Fprintf(out, "NODE_SIGNING_KEY=%s\n", base64.StdEncoding.EncodeToString(priv))
	return nil
}

// parsePrivateKey accepts a base64 ed25519 private key (64 bytes) or seed
// (32 bytes), inline or as @path.
func parsePrivateKey(s string) (ed25519.PrivateKey, error) {
	if s == "" {
		return nil, fmt.Errorf("--key (or NODE_SIGNING_KEY) is required")
	}
	if path, ok := strings.CutPrefix(s, "@"); ok {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		s = string(raw)
	}

	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid base64 encoded key: %w", err)
	}
	switch len(b) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(b), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(b), nil
	default:
		return nil, fmt.Errorf("invalid ed25519 key size: %d", len(b))
	}
}
