// Package export copies captured images off the rig once a run is over.
package export

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cjeanneret/SFDIGo/internal/debug"
	"github.com/cjeanneret/SFDIGo/internal/errors"
)

// Exporter copies one local file to its destination. Failures are
// *errors.TransferError. The local file is never removed.
type Exporter interface {
	Export(ctx context.Context, localPath string) error
}

// New picks an exporter for target: "user@host:/dir" (or "host:/dir") is
// copied with scp, anything else is treated as a local directory. An empty
// target returns nil, meaning no export.
func New(target string, timeout time.Duration) Exporter {
	switch {
	case target == "":
		return nil
	case isRemote(target):
		return &SCP{Target: target, Timeout: timeout}
	default:
		return &Local{Dir: target}
	}
}

func isRemote(target string) bool {
	i := strings.Index(target, ":")
	if i <= 0 {
		return false
	}
	// a slash before the colon means a local path such as ./a:b
	return !strings.Contains(target[:i], "/")
}

// SCP copies files with the scp binary. Each copy is a single blocking
// attempt bounded by Timeout.
type SCP struct {
	Target  string
	Binary  string        // default "scp"
	Options []string      // extra scp options, e.g. "-i", keyfile
	Timeout time.Duration // 0 = no limit beyond ctx

	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func (s *SCP) Export(ctx context.Context, localPath string) error {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	bin := s.Binary
	if bin == "" {
		bin = "scp"
	}
	// BatchMode makes an unreachable or password-protected host fail instead of prompting.
	args := append([]string{"-q", "-o", "BatchMode=yes"}, s.Options...)
	args = append(args, localPath, s.Target)

	run := s.run
	if run == nil {
		run = combinedOutput
	}
	debug.Verbose("Export: %s %s", bin, strings.Join(args, " "))
	out, err := run(ctx, bin, args...)
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return errors.NewTransferError(localPath, err)
	}
	return nil
}

func combinedOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Local copies files into a directory on this machine (a mounted share or
// removable drive).
type Local struct {
	Dir string
}

func (l *Local) Export(ctx context.Context, localPath string) error {
	if err := ctx.Err(); err != nil {
		return errors.NewTransferError(localPath, err)
	}
	if err := os.MkdirAll(l.Dir, 0o755); err != nil {
		return errors.NewTransferError(localPath, err)
	}
	if err := copyFile(localPath, filepath.Join(l.Dir, filepath.Base(localPath))); err != nil {
		return errors.NewTransferError(localPath, err)
	}
	return nil
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()
	_, err = io.Copy(out, in)
	return err
}
