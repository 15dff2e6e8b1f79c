package main

import (
	"fmt"
	"os"

	"github.com/rnxpyke/wasm/internal/wasm/script"
	"github.com/spf13/cobra"
)

// runScript drives internal/wasm/script.Runner over a .wast-shaped file,
// printing one line per command and returning a non-nil error (for a
// non-zero exit code) if any assertion failed. A script parse error (as
// opposed to an assertion failure) aborts immediately, matching
// script.Run's own contract.
func runScript(cmd *cobra.Command, path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		log.WithError(err).WithField("path", path).Error("reading script")
		return fmt.Errorf("reading %s: %w", path, err)
	}

	r := script.NewRunner()
	outcomes, err := r.Run(src)
	if err != nil {
		log.WithError(err).WithField("path", path).Error("parsing script")
		return fmt.Errorf("%s: %w", path, err)
	}

	failed := 0
	for _, o := range outcomes {
		if o.OK {
			fmt.Fprintf(cmd.OutOrStdout(), "ok   %s (offset %#x)\n", o.Form, o.Pos)
			continue
		}
		failed++
		log.WithError(o.Err).WithField("form", o.Form).WithField("offset", o.Pos).Debug("assertion failed")
		fmt.Fprintf(cmd.ErrOrStderr(), "FAIL %s (offset %#x): %v\n", o.Form, o.Pos, o.Err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d/%d commands passed\n", len(outcomes)-failed, len(outcomes))
	if failed > 0 {
		err := fmt.Errorf("%d command(s) failed", failed)
		log.WithField("path", path).WithField("failed", failed).Debug(err)
		return err
	}
	return nil
}
