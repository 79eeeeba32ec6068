// Package rclone invokes the rclone binary: password obscuring, the 2FA
// handshake command and the iCloud Drive file operations.
package rclone

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/hassio-icloud-backup/icloud-backup/internal/helper"
	"github.com/hassio-icloud-backup/icloud-backup/internal/logsanitize"
)

// obscureTimeout bounds a single "rclone obscure" run.
const obscureTimeout = 10 * time.Second

// remotePlaceholder in handshake arguments is replaced by the remote name.
const remotePlaceholder = "{remote}"

// Runner runs a command to completion and returns its stdout.
type Runner interface {
	Run(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements Runner. On failure the error names the subcommand and carries
// the trimmed stderr, not the full argument list.
func (ExecRunner) Run(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = stdin

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		sub := ""
		if len(args) > 0 {
			sub = args[0]
		}
		msg := logsanitize.Mask(stderr.String())
		if msg != "" {
			return out, fmt.Errorf("%s %s failed: %w: %s", name, sub, err, msg)
		}
		return out, fmt.Errorf("%s %s failed: %w", name, sub, err)
	}
	return out, nil
}

// CLI builds and runs rclone invocations against one config file.
type CLI struct {
	binary     string
	configPath string
	runner     Runner
}

// NewCLI creates a CLI. A nil runner uses ExecRunner.
func NewCLI(binary, configPath string, runner Runner) *CLI {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &CLI{
		binary:     binary,
		configPath: configPath,
		runner:     runner,
	}
}

// withConfig appends the --config flag.
func (c *CLI) withConfig(args ...string) []string {
	return append(args, "--config", c.configPath)
}

func (c *CLI) run(ctx context.Context, stdin io.Reader, args ...string) ([]byte, error) {
	return c.runner.Run(ctx, stdin, c.binary, c.withConfig(args...)...)
}

// Obscure returns rclone's obscured form of plaintext. The password is passed
// on stdin so it never shows up in the process list.
func (c *CLI) Obscure(ctx context.Context, plaintext string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, obscureTimeout)
	defer cancel()

	out, err := c.runner.Run(ctx, strings.NewReader(plaintext+"\n"), c.binary, "obscure", "-")
	if err != nil {
		return "", err
	}

	obscured := strings.TrimSpace(string(out))
	if obscured == "" {
		return "", fmt.Errorf("rclone obscure returned no output")
	}
	return obscured, nil
}

// AuthCommand returns the handshake command: an authenticated listing of the
// remote, which makes Apple push a code to the trusted devices and then
// blocks on the verification prompt.
func (c *CLI) AuthCommand(remote string, args []string) helper.Command {
	expanded := make([]string, 0, len(args))
	for _, a := range args {
		expanded = append(expanded, strings.ReplaceAll(a, remotePlaceholder, remote))
	}
	return helper.Command{
		Path: c.binary,
		Args: c.withConfig(expanded...),
	}
}
