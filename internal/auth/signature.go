package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"
)

// SignatureVerifier handles ED25519 signature verification for worker nodes.
//
// The operator signs the node id offline with a private key.
// The coordinator stores only the public key to verify signatures.
type SignatureVerifier struct {
	publicKey ed25519.PublicKey
}

// NewSignatureVerifier creates a verifier from a Base64-encoded public key.
func NewSignatureVerifier(publicKeyBase64 string) (*SignatureVerifier, error) {
	if publicKeyBase64 == "" {
		return nil, fmt.Errorf("node verify key not configured")
	}

	publicKeyBytes, err := base64.StdEncoding.DecodeString(publicKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 encoded public key: %w", err)
	}

	if len(publicKeyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid ed25519 public key size: expected %d, got %d", ed25519.PublicKeySize, len(publicKeyBytes))
	}

	return &SignatureVerifier{publicKey: ed25519.PublicKey(publicKeyBytes)}, nil
}

// VerifyToken checks a "NodeID:Signature" token and returns the signed node id.
func (v *SignatureVerifier) VerifyToken(token string) (string, error) {
	nodeID, signature, err := parseSignedToken(token)
	if err != nil {
		return "", err
	}

	signatureBytes, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return "", fmt.Errorf("invalid base64 encoded signature: %w", err)
	}

	if !ed25519.Verify(v.publicKey, []byte(nodeID), signatureBytes) {
		return "", fmt.Errorf("signature verification failed for node %q", nodeID)
	}

	return nodeID, nil
}

// SignToken produces a token accepted by VerifyToken. Used by operators
// (subagentctl) and tests.
func SignToken(priv ed25519.PrivateKey, nodeID string) string {
	return nodeID + ":" + base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(nodeID)))
}

// parseSignedToken splits the token at the last colon, so node ids may
// contain colons.
func parseSignedToken(token string) (nodeID, signature string, err error) {
	i := strings.LastIndex(token, ":")
	if i < 1 || i == len(token)-1 {
		return "", "", fmt.Errorf("invalid token format: expected 'NodeID:Signature'")
	}
	return token[:i], token[i+1:], nil
}
