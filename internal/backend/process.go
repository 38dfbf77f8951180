package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/signalsfoundry/tas-simulator/internal/logging"
)

const (
	// ConfigFileName is written into every point directory before the run.
	ConfigFileName = "instrument.json"
	// ResultFileName is read back from the point directory after the run.
	ResultFileName = "result.json"
	// CompileFlag is appended to the arguments on the first point of a batch.
	CompileFlag = "--compile"
)

// Process runs an external simulation command once per point.
type Process struct {
	Command string
	Args    []string
	// Env is added to the inherited environment.
	Env []string
	Log logging.Logger
}

type resultFile struct {
	Success     bool           `json:"success"`
	Counts      float64        `json:"counts"`
	Diagnostics map[string]any `json:"diagnostics"`
	Error       string         `json:"error,omitempty"`
}

// Run writes the instrument configuration, executes the command and reads
// its result file. A non-zero exit or a missing result is reported as an
// unsuccessful Result; errors are reserved for problems preparing the run.
func (p *Process) Run(ctx context.Context, req Request) (Result, error) {
	if p.Command == "" {
		return Result{}, ErrNoCommand
	}
	log := p.Log
	if log == nil {
		log = logging.Noop()
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create output dir: %w", err)
	}

	cfgPath := filepath.Join(req.OutputDir, ConfigFileName)
	data, err := json.MarshalIndent(req.Config, "", "  ")
	if err != nil {
		return Result{}, fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(cfgPath, data, 0o644); err != nil {
		return Result{}, fmt.Errorf("write config: %w", err)
	}

	args := append([]string(nil), p.Args...)
	if req.FirstCompile {
		args = append(args, CompileFlag)
	}
	cmd := exec.CommandContext(ctx, p.Command, args...)
	cmd.Dir = req.OutputDir
	cmd.Env = append(os.Environ(), p.Env...)
	cmd.Env = append(cmd.Env,
		"TAS_CONFIG="+cfgPath,
		"TAS_OUTPUT_DIR="+req.OutputDir,
		"TAS_NEUTRONS="+strconv.FormatInt(req.Neutrons, 10),
		"TAS_FIRST_COMPILE="+strconv.FormatBool(req.FirstCompile),
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	log.Debug(ctx, "running backend process",
		logging.String("command", p.Command),
		logging.String("output_dir", req.OutputDir),
		logging.Bool("first_compile", req.FirstCompile),
	)
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return Result{Success: false, Error: msg}, nil
	}

	raw, err := os.ReadFile(filepath.Join(req.OutputDir, ResultFileName))
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("read result: %v", err)}, nil
	}
	var rf resultFile
	if err := json.Unmarshal(raw, &rf); err != nil {
		return Result{Success: false, Error: fmt.Sprintf("decode result: %v", err)}, nil
	}
	return Result{
		Success:     rf.Success,
		Counts:      rf.Counts,
		Diagnostics: rf.Diagnostics,
		Error:       rf.Error,
	}, nil
}

// WriteResult writes a result file in the layout Process reads back. It is
// used by backend programs built on this package.
func WriteResult(dir string, res Result) error {
	data, err := json.MarshalIndent(resultFile{
		Success:     res.Success,
		Counts:      res.Counts,
		Diagnostics: res.Diagnostics,
		Error:       res.Error,
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ResultFileName), data, 0o644)
}
