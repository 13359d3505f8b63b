package tools

import (
	"github.com/sablebot/sable/pkg/providers"
)

// Re-export provider types so tool implementations do not need a second
// import. All canonical type definitions live in pkg/providers/types.go.
type ToolDefinition = providers.ToolDefinition
type ToolFunctionDefinition = providers.ToolFunctionDefinition
