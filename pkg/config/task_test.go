package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadTask(t *testing.T) {
	path := filepath.Join(t.TempDir(), "login.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
goal: "  Log in as alice  "
url: https://example.com/login
context: |
  username is alice
approve: [click]
`), 0600))

	task, err := LoadTask(path)
	require.NoError(t, err)
	assert.Equal(t, "Log in as alice", task.Goal)
	assert.Equal(t, "https://example.com/login", task.URL)
	assert.Equal(t, "username is alice\n", task.Context)
	assert.True(t, task.AutoApproves("click"))
	assert.False(t, task.AutoApproves("download"))
}

func TestParseTask_Errors(t *testing.T) {
	tests := map[string]string{
		"missing goal":  "url: https://example.com\n",
		"missing url":   "goal: do it\n",
		"unknown field": "goal: x\nurl: y\nsteps: 3\n",
		"not yaml":      "goal: [unclosed\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseTask([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestTask_ApproveAll(t *testing.T) {
	task, err := ParseTask([]byte("goal: x\nurl: y\napprove: ['*']\n"))
	require.NoError(t, err)
	assert.True(t, task.AutoApproves("download"))
}
