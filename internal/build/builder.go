// Package build invokes the external build tool that turns a package's
// build target into an installable image tree, and runs independent builds
// concurrently under a bounded worker pool.
package build

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/blackwell-systems/portforge/internal/logging"
)

// Result is the outcome of one build invocation.
type Result struct {
	Target     string
	Success    bool
	OutputPath string // image tree root, valid when Success
	Stdout     string
	Stderr     string
	Duration   time.Duration
}

// Error reports a failed build.
type Error struct {
	Target  string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("build of %s failed: %s", e.Target, e.Message)
}

// Builder produces an installable image for a build target. A build must
// not mutate shared filesystem state; its image is handed back for
// extraction by the transaction engine.
type Builder interface {
	Build(ctx context.Context, target string) (*Result, error)
}

// ExecBuilder shells out to the configured build command as
// "command [args...] <target> <destdir>", where destdir is a fresh
// temporary directory the tool populates with the package image.
type ExecBuilder struct {
	Command string
	Args    []string
	// Timeout bounds one build; zero means no limit. A timeout is a build
	// failure like any other.
	Timeout time.Duration
}

// Build runs the build command for the target.
func (b *ExecBuilder) Build(ctx context.Context, target string) (*Result, error) {
	log := logging.GetLogger("build")

	destDir, err := os.MkdirTemp("", "portforge-image-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create image directory: %w", err)
	}

	if b.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}

	args := append(append([]string(nil), b.Args...), target, destDir)
	cmd := exec.CommandContext(ctx, b.Command, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	res := &Result{
		Target:     target,
		OutputPath: destDir,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		Duration:   time.Since(start),
	}

	if runErr != nil {
		os.RemoveAll(destDir)
		res.OutputPath = ""
		msg := runErr.Error()
		if ctx.Err() == context.DeadlineExceeded {
			msg = fmt.Sprintf("timed out after %s", b.Timeout)
		}
		log.Error().Str("target", target).Str("error", msg).Msg("build failed")
		return res, &Error{Target: target, Message: msg}
	}

	res.Success = true
	log.Debug().Str("target", target).Dur("duration", res.Duration).Msg("build succeeded")
	return res, nil
}
