package solver

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"plate-solver-service/internal/config"
	"plate-solver-service/internal/domain/model"

	"github.com/rs/zerolog"
)

// sidecarExts are the auxiliary files ASTAP leaves next to the input image.
var sidecarExts = []string{".wcs", ".ini", ".log"}

// Runner invokes the ASTAP CLI as a bounded-time subprocess and turns its
// sidecar output into a SolveResult. Solve never returns an error: every
// failure mode is tagged in the result so one bad job cannot leak upward.
type Runner struct {
	cliPath string
	dataDir string
	timeout time.Duration
	log     *zerolog.Logger
}

func NewRunner(cfg config.SolverConfig, logger *zerolog.Logger) *Runner {
	runLog := logger.With().Str("component", "SolverRunner").Logger()
	return &Runner{
		cliPath: cfg.CLIPath,
		dataDir: cfg.DataDir,
		timeout: cfg.Timeout,
		log:     &runLog,
	}
}

// CLIPath exposes the configured executable path for health probes.
func (r *Runner) CLIPath() string { return r.cliPath }

// DataDir exposes the configured star-database directory for health probes.
func (r *Runner) DataDir() string { return r.dataDir }

// Solve runs the tool against imagePath with opts translated to CLI flags.
// Sidecar files are removed on every exit path, including timeout.
func (r *Runner) Solve(ctx context.Context, imagePath string, opts model.SolveOptions) *model.SolveResult {
	defer r.cleanupSidecars(imagePath)

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, r.cliPath, r.buildArgs(imagePath, opts)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	// A cancelled parent context means the process is shutting down, not that
	// the tool failed; keep that distinct from every solver outcome.
	if errors.Is(ctx.Err(), context.Canceled) {
		r.log.Warn().Str("image", imagePath).Msg("solve aborted by shutdown")
		return &model.SolveResult{
			Reason: model.ReasonInternalError,
			Error:  "solve aborted during shutdown",
		}
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		r.log.Warn().Str("image", imagePath).Dur("timeout", r.timeout).Msg("solver timed out")
		return &model.SolveResult{
			Reason: model.ReasonToolTimeout,
			Error:  "solver timeout (exceeded " + r.timeout.String() + ")",
		}
	}

	var exitErr *exec.ExitError
	if runErr != nil && !errors.As(runErr, &exitErr) {
		// The process never ran (bad path, permissions, ...).
		r.log.Error().Err(runErr).Str("cli", r.cliPath).Msg("solver failed to launch")
		return &model.SolveResult{
			Reason: model.ReasonToolFailure,
			Error:  runErr.Error(),
			Stdout: stdout.String(),
			Stderr: stderr.String(),
		}
	}

	// ASTAP's exit code is unreliable; the sidecar is the source of truth.
	wcs, err := ParseWCSFile(sidecarPath(imagePath, ".wcs"))
	if err != nil {
		r.log.Error().Err(err).Str("image", imagePath).Msg("could not read solver output")
		return &model.SolveResult{
			Reason: model.ReasonToolFailure,
			Error:  err.Error(),
			Stdout: stdout.String(),
			Stderr: stderr.String(),
		}
	}

	_, hasRA := wcs["CRVAL1"]
	_, hasDec := wcs["CRVAL2"]
	if !hasRA || !hasDec {
		return &model.SolveResult{
			Reason: model.ReasonNoSolution,
			Error:  "no solution found",
			Stdout: stdout.String(),
			Stderr: stderr.String(),
		}
	}

	return &model.SolveResult{
		Success:     true,
		Solved:      true,
		RA:          numVal(wcs, "CRVAL1"),
		Dec:         numVal(wcs, "CRVAL2"),
		Orientation: numVal(wcs, "CROTA2", "CROTA1"),
		PixScale:    math.Abs(numVal(wcs, "CDELT1", "CD1_1")) * 3600,
		FieldWidth:  numVal(wcs, "NAXIS1") * math.Abs(numVal(wcs, "CDELT1")),
		FieldHeight: numVal(wcs, "NAXIS2") * math.Abs(numVal(wcs, "CDELT2")),
		WCS:         wcs,
		Stdout:      stdout.String(),
		Stderr:      stderr.String(),
	}
}

// buildArgs translates the option snapshot into the ASTAP CLI contract.
// Without a position hint the search radius covers the full sky; a hint
// narrows it to 30 degrees.
func (r *Runner) buildArgs(imagePath string, opts model.SolveOptions) []string {
	args := []string{"-f", imagePath, "-d", r.dataDir, "-r", "180"}

	if opts.FOV != nil {
		args = append(args, "-fov", formatFloat(*opts.FOV))
	}
	if opts.RA != nil && opts.Dec != nil {
		// ASTAP takes the south polar distance rather than declination.
		args = append(args,
			"-ra", formatFloat(*opts.RA),
			"-spd", formatFloat(90+*opts.Dec),
			"-r", "30",
		)
	}
	if opts.Downsample != nil {
		args = append(args, "-z", strconv.Itoa(*opts.Downsample))
	}
	return args
}

func (r *Runner) cleanupSidecars(imagePath string) {
	for _, ext := range sidecarExts {
		p := sidecarPath(imagePath, ext)
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			r.log.Warn().Err(err).Str("path", p).Msg("could not remove sidecar file")
		}
	}
}

// sidecarPath swaps the image extension for ext (image.fits -> image.wcs).
func sidecarPath(imagePath, ext string) string {
	return strings.TrimSuffix(imagePath, filepath.Ext(imagePath)) + ext
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
