// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
)

// Exit ends main with the error run() returned. Nil and a --help
// request exit 0; anything else is written to stderr as "error: err"
// and exits 1.
func Exit(err error) {
	os.Exit(report(os.Stderr, err))
}

// report writes err to output and returns the exit code for it.
func report(output io.Writer, err error) int {
	if err == nil || errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	fmt.Fprintf(output, "error: %v\n", err)
	return 1
}
