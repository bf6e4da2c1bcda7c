package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/TheMichaelB/sectionrepeat/internal/config"
	"github.com/TheMichaelB/sectionrepeat/internal/models"
)

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.0 KiB", formatBytes(1024))
	assert.Equal(t, "5.0 MiB", formatBytes(5*1024*1024))
}

func TestRenderStatus(t *testing.T) {
	cfg = config.DefaultConfig()
	msg := "quota probe failed"
	kind := models.SetupErrorUnknown

	out := renderStatus(statusReport{
		Storage: models.StorageInfo{
			Used:              4_000_000,
			Max:               5_242_880,
			Percent:           76,
			SetupFailed:       true,
			SetupErrorMessage: &msg,
			SetupErrorType:    &kind,
		},
		Videos:  1234,
		Pending: 2,
	}, 80)

	assert.Contains(t, out, "76%")
	assert.Contains(t, out, "1,234")
	assert.Contains(t, out, "setup failed")
	assert.Contains(t, out, msg)
}
