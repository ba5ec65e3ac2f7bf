package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWeftServer(t *testing.T) {
	s := NewWeftServer(WeftServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.sessions)
}

func TestToolRegistration(t *testing.T) {
	s := NewWeftServer(WeftServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 6)

	expectedTools := []string{
		"workflow.define",
		"workflow.run",
		"workflow.status",
		"workflow.cancel",
		"workflow.list",
		"action.list",
	}
	for _, name := range expectedTools {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	s := NewWeftServer(WeftServerDeps{})

	tool := s.mcpServer.GetTool("workflow.run")
	require.NotNil(t, tool)
	assert.Contains(t, tool.Tool.Description, "Execute a registered workflow")

	tool = s.mcpServer.GetTool("workflow.define")
	require.NotNil(t, tool)
	assert.Contains(t, tool.Tool.Description, "Register a workflow definition")
}
