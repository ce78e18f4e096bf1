package git

import (
	"os"

	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
	platformerrors "github.com/jmgilman/go/errors"
)

// SSHKeyFile creates SSH authentication by reading a PEM-encoded private key
// from keyPath. An empty password is used for unencrypted keys.
//
// The returned Auth is only used by the embedded fetch; the git CLI relies
// on its own ssh configuration.
//
// Example:
//
//	auth, err := git.SSHKeyFile("git", "/home/me/.ssh/id_ed25519", "")
func SSHKeyFile(user, keyPath, password string) (Auth, error) {
	pemBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, platformerrors.Wrapf(err, platformerrors.CodeInvalidConfig, "failed to read SSH key file %q", keyPath)
	}

	publicKeys, err := ssh.NewPublicKeys(user, pemBytes, password)
	if err != nil {
		return nil, wrapError(err, "failed to parse SSH key")
	}

	return publicKeys, nil
}

// SSHAgent creates SSH authentication backed by the running ssh-agent.
func SSHAgent(user string) (Auth, error) {
	auth, err := ssh.NewSSHAgentAuth(user)
	if err != nil {
		return nil, wrapError(err, "failed to connect to ssh-agent")
	}

	return auth, nil
}

// BasicAuth creates HTTP basic authentication.
// This is commonly used with personal access tokens for HTTPS remotes.
//
// Example:
//
//	auth := git.BasicAuth("myuser", "ghp_mytoken")
func BasicAuth(username, password string) Auth {
	return &http.BasicAuth{
		Username: username,
		Password: password,
	}
}

// Ensure our Auth interface is satisfied by go-git's transport.AuthMethod.
var _ Auth = (transport.AuthMethod)(nil)
