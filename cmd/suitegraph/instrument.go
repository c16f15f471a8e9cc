package main

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const instrumentTimeout = time.Minute

// commandInstrumenter pipes a source file through an external coverage
// tool.
type commandInstrumenter struct {
	argv []string
}

func (c commandInstrumenter) Instrument(source, path string) (string, error) {
	if len(c.argv) == 0 {
		return "", errors.New("no instrument command")
	}
	ctx, cancel := context.WithTimeout(context.Background(), instrumentTimeout)
	defer cancel()

	args := append(append([]string{}, c.argv[1:]...), path)
	cmd := exec.CommandContext(ctx, c.argv[0], args...)
	cmd.Stdin = strings.NewReader(source)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", errors.Wrapf(err, "instrument %s: %s", path, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
