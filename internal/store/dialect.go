package store

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

// Dialect captures the differences between the supported SQL engines.
type Dialect struct {
	// Name is the config name: postgres, mysql or libsql.
	Name string
	// Driver is the database/sql driver name.
	Driver string

	numbered   bool
	textTimes  bool
	uniqueViol func(error) bool
}

var (
	Postgres = Dialect{
		Name:     "postgres",
		Driver:   "postgres",
		numbered: true,
		uniqueViol: func(err error) bool {
			var pqErr *pq.Error
			return errors.As(err, &pqErr) && pqErr.Code == "23505"
		},
	}
	MySQL = Dialect{
		Name:   "mysql",
		Driver: "mysql",
		uniqueViol: func(err error) bool {
			var myErr *mysql.MySQLError
			return errors.As(err, &myErr) && myErr.Number == 1062
		},
	}
	LibSQL = Dialect{
		Name:      "libsql",
		Driver:    "libsql",
		textTimes: true,
		uniqueViol: func(err error) bool {
			return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
		},
	}
)

// DialectFor looks a dialect up by config name.
func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "postgres", "postgresql", "pg":
		return Postgres, nil
	case "mysql", "mariadb":
		return MySQL, nil
	case "libsql", "sqlite", "turso":
		return LibSQL, nil
	}
	return Dialect{}, fmt.Errorf("unsupported SQL dialect %q", name)
}

// Rebind rewrites ? placeholders into the dialect's form.
func (d Dialect) Rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// IsUniqueViolation reports whether err came from a unique constraint.
func (d Dialect) IsUniqueViolation(err error) bool {
	return d.uniqueViol != nil && d.uniqueViol(err)
}

// timeLayout is fixed width so text-encoded timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// timeValue converts t for binding. Precision is microseconds everywhere.
func (d Dialect) timeValue(t time.Time) any {
	t = t.UTC().Truncate(time.Microsecond)
	if d.textTimes {
		return t.Format(timeLayout)
	}
	return t
}

func (d Dialect) nullTimeValue(t *time.Time) any {
	if t == nil {
		return nil
	}
	return d.timeValue(*t)
}

// NormalizeMySQLDSN forces parseTime and UTC so DATETIME columns scan into
// time.Time without shifting.
func NormalizeMySQLDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

// sqlTime scans timestamps from any driver: native time.Time, or text in
// one of the layouts below.
type sqlTime struct {
	Time  time.Time
	Valid bool
}

var textTimeLayouts = []string{
	timeLayout,
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func (s *sqlTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		s.Time, s.Valid = time.Time{}, false
		return nil
	case time.Time:
		s.Time, s.Valid = v.UTC(), true
		return nil
	case string:
		return s.parse(v)
	case []byte:
		return s.parse(string(v))
	}
	return fmt.Errorf("cannot scan %T into timestamp", src)
}

func (s *sqlTime) parse(v string) error {
	for _, layout := range textTimeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			s.Time, s.Valid = t.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("unrecognised timestamp %q", v)
}

func (s sqlTime) ptr() *time.Time {
	if !s.Valid {
		return nil
	}
	t := s.Time
	return &t
}
