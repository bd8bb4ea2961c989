// Package vault retrieves secrets from an Azure Key Vault via the az
// command-line client.
package vault

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/helmupgradebot/chartbump/internal/cmdexec"
	"github.com/helmupgradebot/chartbump/internal/logfields"
)

const loggerName = "vault"

// SecretRetrievalError is returned when logging into Azure or reading a
// secret from the key vault failed.
type SecretRetrievalError struct {
	SecretName string
	Diagnostic string
	Err        error
}

func (e *SecretRetrievalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("retrieving secret %q failed: %s", e.SecretName, e.Err)
	}

	return fmt.Sprintf("retrieving secret %q failed: %s", e.SecretName, e.Diagnostic)
}

func (e *SecretRetrievalError) Unwrap() error {
	return e.Err
}

// Client reads secrets from an Azure Key Vault.
type Client struct {
	runner cmdexec.Runner
	// identity makes Login use the managed system identity of the host
	// instead of an interactive login.
	identity bool
	logger   *zap.Logger
}

func New(runner cmdexec.Runner, identity bool) *Client {
	return &Client{
		runner:   runner,
		identity: identity,
		logger:   zap.L().Named(loggerName),
	}
}

// Login authenticates the az client.
func (c *Client) Login(ctx context.Context) error {
	args := []string{"login"}
	if c.identity {
		args = append(args, "--identity")
		c.logger.Info("logging into azure with a managed system identity",
			logfields.Event("azure_login_started"))
	} else {
		c.logger.Info("logging into azure",
			logfields.Event("azure_login_started"))
	}

	result, err := c.runner.Run(ctx, "", "az", args...)
	if err != nil {
		return &SecretRetrievalError{Err: fmt.Errorf("running az login failed: %w", err)}
	}

	if !result.Success() {
		return &SecretRetrievalError{Diagnostic: result.Diagnostic}
	}

	c.logger.Info("logged into azure", logfields.Event("azure_login_finished"))

	return nil
}

// Secret returns the value of the named secret stored in the key vault.
func (c *Client) Secret(ctx context.Context, vaultName, secretName string) (string, error) {
	logger := c.logger.With(logfields.Secret(secretName))
	logger.Info("retrieving secret", logfields.Event("vault_secret_retrieval_started"))

	result, err := c.runner.Run(ctx, "", "az",
		"keyvault", "secret", "show",
		"-n", secretName,
		"--vault-name", vaultName,
		"--query", "value",
		"-o", "tsv",
	)
	if err != nil {
		return "", &SecretRetrievalError{
			SecretName: secretName,
			Err:        fmt.Errorf("running az keyvault failed: %w", err),
		}
	}

	if !result.Success() {
		logger.Error("retrieving secret failed",
			logfields.Event("vault_secret_retrieval_failed"),
			zap.String("diagnostic", result.Diagnostic),
		)

		return "", &SecretRetrievalError{
			SecretName: secretName,
			Diagnostic: result.Diagnostic,
		}
	}

	logger.Info("retrieved secret", logfields.Event("vault_secret_retrieval_finished"))

	return strings.TrimSpace(result.Output), nil
}
