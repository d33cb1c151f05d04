// Package preflight runs the startup gate of the processor role: schema
// migrations must succeed before a single task is consumed.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/guido-cesarano/chainq/pkg/logger"
)

// MigrationError reports a failed gate. Status is the exit status the
// process terminates with.
type MigrationError struct {
	Status int
	Err    error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration failed with status %d: %v", e.Status, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// Migrator brings the schema up to date.
type Migrator interface {
	Migrate(ctx context.Context) error
}

// CommandMigrator runs an external migration command through the shell.
type CommandMigrator struct {
	Command string
}

func (m CommandMigrator) Migrate(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", m.Command)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// EmbeddedMigrator applies golang-migrate sources from an embedded tree.
type EmbeddedMigrator struct {
	FS          fs.FS
	Dir         string
	DatabaseURL string
}

func (m EmbeddedMigrator) Migrate(ctx context.Context) error {
	src, err := iofs.New(m.FS, m.Dir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	mig, err := migrate.NewWithSourceInstance("iofs", src, m.DatabaseURL)
	if err != nil {
		return fmt.Errorf("init migrate: %w", err)
	}
	defer mig.Close()

	done := make(chan error, 1)
	go func() { done <- mig.Up() }()
	select {
	case <-ctx.Done():
		mig.GracefulStop <- true
		<-done
		return ctx.Err()
	case err := <-done:
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
		return nil
	}
}

// Gate runs m and converts a failure into a *MigrationError. Command
// failures keep the command's exit status; every other failure is status 1.
func Gate(ctx context.Context, m Migrator) error {
	log := logger.For("preflight")
	log.Info().Msg("Running migrations")
	err := m.Migrate(ctx)
	if err == nil {
		log.Info().Msg("Migrations applied")
		return nil
	}

	status := 1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
		status = exitErr.ExitCode()
	}
	log.Error().Err(err).Int("status", status).Msg("Migrations failed")
	return &MigrationError{Status: status, Err: err}
}
