package collector

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/pgexporter/pg_exporter/exporter/internal/exposition"
)

const serverInfoQuery = `SELECT version() AS version,
	current_setting('server_version_num')::bigint AS version_num,
	current_setting('max_connections')::bigint AS max_connections,
	extract(epoch FROM pg_postmaster_start_time())::float8 AS start_time`

var versionRe = regexp.MustCompile(`^\w+ ((\d+)(\.\d+)?(\.\d+)?)`)

type serverInfoRow struct {
	Version        string  `db:"version"`
	VersionNum     int64   `db:"version_num"`
	MaxConnections int64   `db:"max_connections"`
	StartTime      float64 `db:"start_time"`
}

// Default reports server-wide facts: version, key settings and uptime.
type Default struct {
	base
	versionInfo    *exposition.Family
	versionNum     *exposition.Family
	maxConnections *exposition.Family
	startTime      *exposition.Family
}

// NewDefault returns the default collector.
func NewDefault() *Default {
	c := &Default{
		versionInfo:    exposition.Gauge("pg_version_info", "PostgreSQL version information.", "version", "short_version"),
		versionNum:     exposition.Gauge("pg_settings_server_version_num", "PostgreSQL server_version_num setting."),
		maxConnections: exposition.Gauge("pg_settings_max_connections", "PostgreSQL max_connections setting."),
		startTime:      exposition.Gauge("pg_postmaster_start_time_seconds", "Time at which the postmaster started, in seconds since the epoch."),
	}
	c.base = newBase("default", true, c.versionInfo, c.versionNum, c.maxConnections, c.startTime)
	return c
}

func (c *Default) Scrape(ctx context.Context, q Querier) error {
	var row serverInfoRow
	if err := q.GetContext(ctx, &row, serverInfoQuery); err != nil {
		return fmt.Errorf("server info: %w", err)
	}

	b := exposition.NewBatch()
	b.Add(c.versionInfo, 1, row.Version, shortVersion(row.Version))
	b.Add(c.versionNum, float64(row.VersionNum))
	b.Add(c.maxConnections, float64(row.MaxConnections))
	if row.StartTime > 0 {
		b.Add(c.startTime, row.StartTime)
	}
	return c.publish(ctx, b)
}

// shortVersion extracts "major.minor.patch" from a version() string,
// padding missing components with zeros.
func shortVersion(full string) string {
	m := versionRe.FindStringSubmatch(full)
	if m == nil {
		return "unknown"
	}
	switch parts := strings.Split(m[1], "."); len(parts) {
	case 1:
		return parts[0] + ".0.0"
	case 2:
		return parts[0] + "." + parts[1] + ".0"
	default:
		return m[1]
	}
}
