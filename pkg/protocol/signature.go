package protocol

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/gutshub/guts/pkg/object"
)

const commitSignaturePrefix = "sshsig-v1"

// VerifyCommitSignature checks a commit's embedded SSH signature against
// the signing payload (the commit encoding minus the signature header) and
// returns the public key that produced it.
//
// The signature string is "sshsig-v1:<format>:<pubkey-b64>:<sig-b64>".
func VerifyCommitSignature(c *object.Commit) (ssh.PublicKey, error) {
	parts := strings.Split(c.Signature, ":")
	if len(parts) != 4 || parts[0] != commitSignaturePrefix {
		return nil, fmt.Errorf("malformed commit signature")
	}
	format, pubB64, sigB64 := parts[1], parts[2], parts[3]

	pubRaw, err := base64.StdEncoding.DecodeString(pubB64)
	if err != nil {
		return nil, fmt.Errorf("decode signature public key: %w", err)
	}
	pub, err := ssh.ParsePublicKey(pubRaw)
	if err != nil {
		return nil, fmt.Errorf("parse signature public key: %w", err)
	}

	blob, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, fmt.Errorf("decode signature blob: %w", err)
	}

	payload := object.SigningPayload(c)
	if err := pub.Verify(payload, &ssh.Signature{Format: format, Blob: blob}); err != nil {
		return nil, fmt.Errorf("verify commit signature: %w", err)
	}
	return pub, nil
}

// PushPolicy configures signature checks applied to pushed commits.
type PushPolicy struct {
	// RequireSignedCommits rejects pushes containing unsigned commits.
	RequireSignedCommits bool

	// AllowedSigners, when non-empty, restricts valid signatures to these
	// keys. Signed commits from other keys are rejected.
	AllowedSigners []ssh.PublicKey
}

// enabled reports whether the policy needs to inspect commits at all.
func (p PushPolicy) enabled() bool {
	return p.RequireSignedCommits || len(p.AllowedSigners) > 0
}

// checkCommit applies the policy to one pushed commit.
func (p PushPolicy) checkCommit(id object.ID, c *object.Commit) error {
	if c.Signature == "" {
		if p.RequireSignedCommits {
			return fmt.Errorf("commit %s is not signed", id)
		}
		return nil
	}

	pub, err := VerifyCommitSignature(c)
	if err != nil {
		return fmt.Errorf("commit %s: %w", id, err)
	}
	if len(p.AllowedSigners) == 0 {
		return nil
	}

	pubMarshaled := pub.Marshal()
	for _, allowed := range p.AllowedSigners {
		if bytes.Equal(pubMarshaled, allowed.Marshal()) {
			return nil
		}
	}
	return fmt.Errorf("commit %s signed by an unauthorized key", id)
}
