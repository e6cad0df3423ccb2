package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRootCommandTree(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"launch", "resume", "contexts", "status", "version"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestLaunchRequiresTeamFlag(t *testing.T) {
	cmd := launchCmd()
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	cmd.SetArgs([]string{})
	err := cmd.Execute()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "team")
}
