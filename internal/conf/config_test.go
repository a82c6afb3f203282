package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
database:
  host: localhost
  port: 5432
  user: postgres
  password: postgres
  dbname: reconcile
  sslmode: disable

backends:
  - name: primary
    kind: s3
    endpoint: minio.local:9000
    access_key: key
    secret_key: secret
    bucket: assets
    root: ""
  - name: scratch
    kind: local
    root: /var/reconcile/scratch

quarantine:
  backend: scratch
  root: quarantine

engine:
  batch_size: 50
  expected_missing_files: 20
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Len(t, cfg.Backends, 2)
	assert.Equal(t, "primary", cfg.Backends[0].Name)
	assert.Equal(t, "scratch", cfg.Quarantine.Backend)
	assert.Equal(t, 50, cfg.Engine.BatchSize)
	assert.Equal(t, 20, cfg.Engine.ExpectedMissingFiles)

	// defaults fill in what the file omits
	assert.Equal(t, 5, cfg.Engine.CheckpointInterval)
	assert.Equal(t, 1, cfg.Engine.Workers)
	assert.Equal(t, 30*time.Second, cfg.Lock.RefreshInterval)
	assert.Equal(t, "originals", cfg.Matcher.OriginalsFolder)
	assert.Equal(t, "postgres", cfg.Audit.Backend)
}

func TestLoadFileAuditBackend(t *testing.T) {
	body := sampleConfig + `
audit:
  backend: file
  path: /var/reconcile/audit.jsonl
`
	cfg, err := Load(writeConfig(t, body))
	require.NoError(t, err)
	assert.Equal(t, "file", cfg.Audit.Backend)
	assert.Equal(t, "/var/reconcile/audit.jsonl", cfg.Audit.Path)
}

func TestValidate(t *testing.T) {
	t.Run("no backends", func(t *testing.T) {
		_, err := Load(writeConfig(t, "engine:\n  batch_size: 10\n"))
		assert.ErrorContains(t, err, "at least one storage backend")
	})

	t.Run("duplicate backend names", func(t *testing.T) {
		body := `
backends:
  - {name: a, kind: local, root: /tmp/a}
  - {name: a, kind: local, root: /tmp/b}
`
		_, err := Load(writeConfig(t, body))
		assert.ErrorContains(t, err, "duplicate backend name")
	})

	t.Run("s3 backend needs endpoint and bucket", func(t *testing.T) {
		body := `
backends:
  - {name: a, kind: s3}
`
		_, err := Load(writeConfig(t, body))
		assert.ErrorContains(t, err, "endpoint and bucket")
	})

	t.Run("unknown quarantine backend", func(t *testing.T) {
		body := `
backends:
  - {name: a, kind: local, root: /tmp/a}
quarantine:
  backend: missing
`
		_, err := Load(writeConfig(t, body))
		assert.ErrorContains(t, err, "quarantine backend")
	})

	t.Run("file audit backend needs a path", func(t *testing.T) {
		body := `
backends:
  - {name: a, kind: local, root: /tmp/a}
audit:
  backend: file
`
		_, err := Load(writeConfig(t, body))
		assert.ErrorContains(t, err, "needs a path")
	})

	t.Run("unknown audit backend", func(t *testing.T) {
		body := `
backends:
  - {name: a, kind: local, root: /tmp/a}
audit:
  backend: syslog
`
		_, err := Load(writeConfig(t, body))
		assert.ErrorContains(t, err, "unknown audit backend")
	})

	t.Run("refresh must be shorter than ttl", func(t *testing.T) {
		body := `
backends:
  - {name: a, kind: local, root: /tmp/a}
lock:
  enabled: true
  ttl: 10s
  refresh_interval: 20s
`
		_, err := Load(writeConfig(t, body))
		assert.ErrorContains(t, err, "refresh_interval must be shorter")
	})
}
