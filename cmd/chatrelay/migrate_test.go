// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatRelay Contributors

package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/chatrelay/pkg/errutil"
)

func executeMigrate(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"migrate"}, args...))

	err := cmd.Execute()
	return out.String(), err
}

func TestMigrateCmd_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := executeMigrate(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database-url")
	errutil.AssertErrorCode(t, err, "CONFIG_INVALID")
}

func TestMigrateCmd_RejectsUnknownDirection(t *testing.T) {
	_, err := executeMigrate(t, "sideways", "--database-url", "postgres://localhost/chatrelay")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid argument")
}

func TestMigrateCmd_UnsupportedScheme(t *testing.T) {
	_, err := executeMigrate(t, "--database-url", "bogus://nowhere")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "MIGRATION_INIT_FAILED")
}
