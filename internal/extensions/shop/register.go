package shop

import "steward/pkg/extension"

func init() {
	extension.Register(extension.Info{
		Name:        "shop",
		Description: "Sample cheese shop",
		Priority:    extension.PriorityDefault,
		Order:       60,
		Factory:     New,
	})
}
