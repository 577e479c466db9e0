package cmd

import (
	"strings"
	"testing"
)

func TestMigrateArgs(t *testing.T) {
	for _, args := range [][]string{nil, {"up"}, {"version"}} {
		if err := migrateCmd.ValidateArgs(args); err != nil {
			t.Errorf("migrate %v: %v", args, err)
		}
	}
	for _, args := range [][]string{{"down"}, {"up", "version"}} {
		if err := migrateCmd.ValidateArgs(args); err == nil {
			t.Errorf("migrate %v accepted", args)
		}
	}
}

func TestDatabaseCommandsValidateConfig(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	if err := runMigrate(migrateCmd, []string{"version"}); err == nil || !strings.Contains(err.Error(), "JWT_SECRET") {
		t.Fatalf("migrate without JWT_SECRET: %v", err)
	}
	if err := sweepCmd.RunE(sweepCmd, nil); err == nil || !strings.Contains(err.Error(), "JWT_SECRET") {
		t.Fatalf("sweep without JWT_SECRET: %v", err)
	}
}
