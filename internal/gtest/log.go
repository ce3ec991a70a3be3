package gtest

import (
	"log/slog"
	"testing"

	"github.com/neilotoole/slogt"
)

// NewLogger returns a *slog.Logger whose output goes through t.Log,
// so log lines are attributed to the test that produced them.
func NewLogger(t testing.TB) *slog.Logger {
	// slogt already deals with testing.T.Log's buffering quirks;
	// routing every test through this helper keeps the import
	// out of the individual test files.
	return slogt.New(t, slogt.Text())
}
