package db

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Migrator applies a set of migrations to a DB. It shares the DB's single
// connection and so is never closed itself.
type Migrator struct {
	m      *migrate.Migrate
	latest uint
}

// Migrator builds a Migrator over migrations, which must hold
// NNNNNN_name.up.sql / .down.sql pairs at its root.
func (db *DB) Migrator(migrations fs.FS) (*Migrator, error) {
	latest, err := LatestMigrationVersion(migrations)
	if err != nil {
		return nil, err
	}
	src, err := iofs.New(migrations, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to open migrations: %w", err)
	}
	drv, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return &Migrator{m: m, latest: latest}, nil
}

// Latest is the highest version available.
func (mg *Migrator) Latest() uint { return mg.latest }

// Up applies every pending migration.
func (mg *Migrator) Up() error {
	if err := mg.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Down reverts the most recent migration.
func (mg *Migrator) Down() error {
	if err := mg.m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down failed: %w", err)
	}
	return nil
}

// To migrates up or down to version.
func (mg *Migrator) To(version uint) error {
	if version > mg.latest {
		return fmt.Errorf("version %d is beyond the latest migration %d", version, mg.latest)
	}
	if err := mg.m.Migrate(version); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate to %d failed: %w", version, err)
	}
	return nil
}

// Force records version as applied and clears the dirty flag without running
// anything. It is the way out of a half-applied migration.
func (mg *Migrator) Force(version int) error {
	if err := mg.m.Force(version); err != nil {
		return fmt.Errorf("force migration to version %d failed: %w", version, err)
	}
	return nil
}

// Version returns the applied version, zero when nothing has been applied.
func (mg *Migrator) Version() (version uint, dirty bool, err error) {
	version, dirty, err = mg.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// MigrateUp brings the schema to the latest of migrations.
func (db *DB) MigrateUp(migrations fs.FS) error {
	mg, err := db.Migrator(migrations)
	if err != nil {
		return err
	}
	return mg.Up()
}

// LatestMigrationVersion returns the highest version among the *.up.sql
// files in migrations.
func LatestMigrationVersion(migrations fs.FS) (uint, error) {
	names, err := fs.Glob(migrations, "*.up.sql")
	if err != nil {
		return 0, fmt.Errorf("failed to read migrations: %w", err)
	}
	var latest uint
	for _, name := range names {
		var v uint
		if _, err := fmt.Sscanf(name, "%d_", &v); err == nil && v > latest {
			latest = v
		}
	}
	if latest == 0 {
		return 0, fmt.Errorf("no migration files found")
	}
	return latest, nil
}

// MigrateUsage describes the arguments RunMigrate accepts.
const MigrateUsage = `usage: depthview migrate <command>

  status        show the applied and latest versions
  up            apply every pending migration
  down          revert the most recent migration
  to <version>  migrate up or down to version
  force <ver>   mark version as applied and clear the dirty flag`

// RunMigrate runs one migrate subcommand against db and reports to out.
func RunMigrate(db *DB, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New(MigrateUsage)
	}
	mg, err := db.Migrator(MigrationsFS())
	if err != nil {
		return err
	}

	versionArg := func() (int, error) {
		if len(args) != 2 {
			return 0, fmt.Errorf("%s needs a version\n%s", args[0], MigrateUsage)
		}
		v, err := strconv.Atoi(args[1])
		if err != nil || v < 0 {
			return 0, fmt.Errorf("invalid version %q", args[1])
		}
		return v, nil
	}

	switch args[0] {
	case "status":
	case "up":
		err = mg.Up()
	case "down":
		err = mg.Down()
	case "to":
		var v int
		if v, err = versionArg(); err == nil {
			err = mg.To(uint(v))
		}
	case "force":
		var v int
		if v, err = versionArg(); err == nil {
			err = mg.Force(v)
		}
	default:
		return fmt.Errorf("unknown migrate command %q\n%s", args[0], MigrateUsage)
	}
	if err != nil {
		return err
	}

	version, dirty, err := mg.Version()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: version %d of %d", db.Path(), version, mg.Latest())
	if dirty {
		fmt.Fprint(out, " (dirty)")
	}
	fmt.Fprintln(out)
	return nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...any) { log.Printf("[migrate] "+format, v...) }
func (migrateLogger) Verbose() bool                  { return false }
