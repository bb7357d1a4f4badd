package base

import "steward/pkg/extension"

func init() {
	extension.Register(extension.Info{
		Name:        "base",
		Description: "Built-in commands: publishing, listings and server status",
		Priority:    extension.PriorityDefault,
		Order:       10, // Before every bundled extension
		Factory:     New,
	})
}
