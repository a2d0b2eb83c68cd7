package store

import (
	"context"
	"fmt"
	"strings"
)

// Options selects and configures a store backend.
type Options struct {
	// Driver is memory, file, postgres, mysql or libsql.
	Driver string
	// DSN is the connection string for SQL drivers, or the data
	// directory for the file driver.
	DSN string
	// AutoMigrate applies pending migrations on open.
	AutoMigrate bool
}

// Open builds the store named by opts.Driver.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(opts.Driver) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(opts.DSN)
	}

	d, err := DialectFor(opts.Driver)
	if err != nil {
		return nil, err
	}
	if opts.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required for the %s driver", d.Name)
	}
	s, err := OpenSQL(d, opts.DSN)
	if err != nil {
		return nil, err
	}
	if opts.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("migrate %s: %w", d.Name, err)
		}
	}
	return s, nil
}
