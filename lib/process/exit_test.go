// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/spf13/pflag"
)

func TestReport(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   int
		output string
	}{
		{name: "success", err: nil, code: 0},
		{name: "help", err: fmt.Errorf("parsing flags: %w", pflag.ErrHelp), code: 0},
		{name: "failure", err: errors.New("collector unreachable"), code: 1, output: "error: collector unreachable\n"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var output bytes.Buffer
			if code := report(&output, test.err); code != test.code {
				t.Errorf("report() = %d, want %d", code, test.code)
			}
			if output.String() != test.output {
				t.Errorf("output = %q, want %q", output.String(), test.output)
			}
		})
	}
}
