// ABOUTME: Tests for CLI helpers and the log handlers
// ABOUTME: Checks level filtering, attribute grouping and address handling

package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"

	"github.com/2389/pilot-gateway/internal/config"
)

func TestBaseURL(t *testing.T) {
	assert.Equal(t, "http://localhost:8082", baseURL(":8082"))
	assert.Equal(t, "http://127.0.0.1:9000", baseURL("127.0.0.1:9000"))
}

func TestColorHandler(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	logger := slog.New(newHandler(config.LoggingConfig{Level: "info"}, &buf))

	logger.Debug("hidden")
	logger.With("component", "link").WithGroup("req").Info("connected", "attempt", 2)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INF connected component=link req.attempt=2")
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestJSONHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(config.LoggingConfig{Level: "debug", Format: "json"}, &buf))
	logger.Debug("visible", "k", "v")
	assert.Contains(t, buf.String(), `"msg":"visible"`)
	assert.Contains(t, buf.String(), `"k":"v"`)
}
