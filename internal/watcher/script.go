// SPDX-License-Identifier: GPL-3.0-or-later

package watcher

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/bassosimone/fcnatd/internal/natcore"
)

// scriptApplier invokes a local executable with the configured args,
// appending the rendered binding value, when non-empty, as the final
// argument. Exit code zero is success.
type scriptApplier struct {
	name   string
	spec   natcore.ScriptSpec
	logger *slog.Logger
}

var _ Applier = &scriptApplier{}

// Name implements [Applier].
func (a *scriptApplier) Name() string {
	return a.name
}

// RenderValue implements [Applier].
func (a *scriptApplier) RenderValue(binding natcore.WatcherBinding, endpoint *natcore.PublicEndpoint) string {
	return natcore.RenderTemplate(binding.ValueTemplate, endpoint)
}

// Apply implements [Applier].
func (a *scriptApplier) Apply(ctx context.Context, ev natcore.EndpointEvent, rendered string, state *natcore.ReconciledState) error {
	args := append([]string{}, a.spec.Args...)
	if rendered != "" {
		args = append(args, rendered)
	}

	cmd := exec.CommandContext(ctx, a.spec.Path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	// Captured for diagnostics, never parsed.
	a.logger.Debug("scriptRun",
		slog.String("path", a.spec.Path),
		slog.Any("args", args),
		slog.String("stdout", stdout.String()),
		slog.String("stderr", stderr.String()),
		slog.Any("err", err))

	if err != nil {
		return fmt.Errorf("script watcher: %s: %w", a.spec.Path, err)
	}
	return nil
}

// Rollback implements [Applier]. The script is not re-invoked on a
// terminal event: there is no teardown convention to call it with.
func (a *scriptApplier) Rollback(ctx context.Context, binding natcore.WatcherBinding, state *natcore.ReconciledState) error {
	return nil
}
