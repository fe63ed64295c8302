package collector

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pgexporter/pg_exporter/exporter/internal/exposition"
)

const sslSettingsQuery = `SELECT current_setting('ssl') = 'on' AS enabled,
	current_setting('ssl_cert_file') AS cert_file,
	current_setting('data_directory') AS data_directory`

const sslConnectionsQuery = `SELECT COALESCE(version, 'unknown') AS version, count(*) AS count
FROM pg_stat_ssl
WHERE ssl
GROUP BY 1`

type sslSettingsRow struct {
	Enabled       bool   `db:"enabled"`
	CertFile      string `db:"cert_file"`
	DataDirectory string `db:"data_directory"`
}

type sslConnRow struct {
	Version string `db:"version"`
	Count   int64  `db:"count"`
}

// TLS reports whether the server accepts TLS, how many connections use it,
// and the validity window of the server certificate.
//
// The certificate is read from ssl_cert_file on the local filesystem. When
// the exporter runs on another host the file is not reachable and the
// certificate families stay empty.
type TLS struct {
	base
	readFile func(string) ([]byte, error)
	now      func() time.Time

	enabled   *exposition.Family
	conns     *exposition.Family
	expiry    *exposition.Family
	valid     *exposition.Family
	notBefore *exposition.Family
	notAfter  *exposition.Family
}

// NewTLS returns the tls collector. It is disabled by default.
func NewTLS() *TLS {
	c := &TLS{
		readFile:  os.ReadFile,
		now:       time.Now,
		enabled:   exposition.Gauge("pg_ssl_enabled", "Whether the server accepts TLS connections."),
		conns:     exposition.Gauge("pg_ssl_connections", "Connections using TLS, by protocol version.", "version"),
		expiry:    exposition.Gauge("pg_ssl_certificate_expiry_seconds", "Seconds until the server certificate expires, negative once expired."),
		valid:     exposition.Gauge("pg_ssl_certificate_valid", "Whether the server certificate is inside its validity window."),
		notBefore: exposition.Gauge("pg_ssl_certificate_not_before_timestamp", "Start of the server certificate validity window."),
		notAfter:  exposition.Gauge("pg_ssl_certificate_not_after_timestamp", "End of the server certificate validity window."),
	}
	c.base = newBase("tls", false, c.enabled, c.conns, c.expiry, c.valid, c.notBefore, c.notAfter)
	return c
}

func (c *TLS) Scrape(ctx context.Context, q Querier) error {
	var settings sslSettingsRow
	if err := q.GetContext(ctx, &settings, sslSettingsQuery); err != nil {
		return fmt.Errorf("ssl settings: %w", err)
	}

	b := exposition.NewBatch()
	b.Add(c.enabled, boolValue(settings.Enabled))
	if !settings.Enabled {
		return c.publish(ctx, b)
	}

	var conns []sslConnRow
	if err := q.SelectContext(ctx, &conns, sslConnectionsQuery); err != nil {
		return fmt.Errorf("pg_stat_ssl: %w", err)
	}
	for _, r := range conns {
		b.Add(c.conns, float64(r.Count), r.Version)
	}

	path := settings.CertFile
	if path != "" && !filepath.IsAbs(path) {
		path = filepath.Join(settings.DataDirectory, path)
	}
	if cert, err := c.loadCertificate(path); err != nil {
		slog.Debug("collector: server certificate unavailable", "collector", c.name, "path", path, "err", err)
	} else {
		now := c.now()
		b.Add(c.expiry, cert.NotAfter.Sub(now).Seconds())
		b.Add(c.valid, boolValue(!now.Before(cert.NotBefore) && now.Before(cert.NotAfter)))
		b.Add(c.notBefore, float64(cert.NotBefore.Unix()))
		b.Add(c.notAfter, float64(cert.NotAfter.Unix()))
	}
	return c.publish(ctx, b)
}

var errNoCertificate = errors.New("no certificate in PEM data")

// loadCertificate parses the first certificate of the PEM file at path.
func (c *TLS) loadCertificate(path string) (*x509.Certificate, error) {
	if path == "" {
		return nil, fs.ErrNotExist
	}
	data, err := c.readFile(path)
	if err != nil {
		return nil, err
	}
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, errNoCertificate
		}
		if block.Type == "CERTIFICATE" {
			return x509.ParseCertificate(block.Bytes)
		}
	}
}
