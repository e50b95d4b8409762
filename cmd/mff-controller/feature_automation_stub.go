//go:build no_automation

package main

import (
	"log/slog"

	"mff-controller/internal/controller"
	"mff-controller/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *controller.Controller, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
