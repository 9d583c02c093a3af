package command

import (
	"context"
	"os/exec"

	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"
)

// Shell runs an executable. Arguments:
//
//	command  executable name or path (required)
//	args     shell-quoted argument string
type Shell struct{}

func (Shell) Name() string { return "shell" }

func (Shell) Standalone() {}

func (Shell) Run(ctx context.Context, args map[string]string) error {
	name := args["command"]
	if name == "" {
		return errors.New("command is required")
	}
	argv, err := shellquote.Split(args["args"])
	if err != nil {
		return errors.Wrap(err, "parse args")
	}
	cmd := exec.CommandContext(ctx, name, argv...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Newf("shell error: %v; out=%s", err, string(out))
	}
	return nil
}
