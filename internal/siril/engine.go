// Package siril drives the external Siril stacking engine: it
// generates job scripts, runs them as subprocesses, and reads and
// mutates the sequence manifests the engine leaves on disk.
package siril

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Artifact names the engine produces inside a work directory.
const (
	RegisteredSeq  = "r_bkg_pp_light"
	ManifestName   = RegisteredSeq + ".seq"
	ResultName     = "result.fit"
	PreprocessName = "preprocess.ssf"
	StackName      = "stack.ssf"
)

// Engine invokes the siril command-line interface.
type Engine struct {
	binary string
}

// NewEngine creates an engine using the given binary, or auto-detects
// siril-cli/siril on PATH when binary is empty.
func NewEngine(binary string) *Engine {
	if binary == "" {
		binary = "siril"
		if commandExists("siril-cli") {
			binary = "siril-cli"
		}
	}
	return &Engine{binary: binary}
}

// Binary returns the resolved engine binary name.
func (e *Engine) Binary() string { return e.binary }

// IsAvailable checks whether the engine binary can be found.
func (e *Engine) IsAvailable() bool {
	return commandExists(e.binary)
}

// Version reports the engine's version string.
func (e *Engine) Version(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, e.binary, "--version").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s --version failed: %v", e.binary, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Run executes a script file in the given work directory. The engine
// output is returned for logging; a non-zero exit wraps the output.
func (e *Engine) Run(ctx context.Context, workDir, scriptPath string) (string, error) {
	cmd := exec.CommandContext(ctx, e.binary, "-s", scriptPath)
	cmd.Dir = workDir

	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("siril failed: %v\nOutput: %s", err, output)
	}
	return string(output), nil
}

func commandExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
