package mcp

import (
	"github.com/felixgeelhaar/premiumsync/adapter/cli"
	"github.com/felixgeelhaar/premiumsync/internal/app"
)

// NewCLIApp creates a CLI application instance backed by the provided container.
func NewCLIApp(container *app.Container) *cli.App {
	if container == nil || container.Premium == nil {
		return cli.NewApp(nil)
	}
	return cli.NewApp(container.Premium)
}
