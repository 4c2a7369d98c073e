package main

import (
	"fmt"
	"testing"

	aerrors "github.com/aegisops/aegis-controller/internal/errors"
)

func TestExitCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil error is a clean shutdown", nil, 0},
		{"config error", aerrors.Wrapf(aerrors.ErrConfigInvalid, "read config %s: boom", "x.yaml"), 2},
		{"wrapped config error", fmt.Errorf("load config: %w", aerrors.ErrConfigInvalid), 2},
		{"state corruption", aerrors.Wrap(aerrors.ErrStateCorrupted, "open knowledge base"), 3},
		{"wrapped state corruption", fmt.Errorf("run controller: %w", aerrors.ErrStateCorrupted), 3},
		{"anything else", fmt.Errorf("unexpected failure"), 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := exitCode(tc.err); got != tc.want {
				t.Errorf("exitCode(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}
