package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ECRF_TIMEOUT_SECONDS", "")
	t.Setenv("TRACK_SHIPMENTS_INTERVAL", "")

	cfg := Load()
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, 15*time.Second, cfg.ECRF.Timeout)
	assert.Equal(t, 5*time.Minute, cfg.Tracking.ShipmentsInterval)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("DB_ENABLED", "false")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("ECRF_TIMEOUT_SECONDS", "3")
	t.Setenv("IMPORT_INTERVAL", "-1")
	t.Setenv("REDIS_DB", "not-a-number")

	cfg := Load()
	assert.False(t, cfg.DBEnabled)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, 3*time.Second, cfg.ECRF.Timeout)
	assert.Equal(t, time.Hour, cfg.Import.Interval)
	assert.Equal(t, 0, cfg.Redis.DB)
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadLocations(t *testing.T) {
	path := writeFile(t, "locations.yaml", `
locations:
  - id: 1
    code: IBSAL
    name: Instituto de Investigación Biomédica
    is_lab: true
  - id: 2
    code: HUSAL
    name: Hospital Universitario
    is_lab: true
    is_clinical_site: true
`)
	locs, err := LoadLocations(path)
	require.NoError(t, err)
	require.Len(t, locs, 2)
	assert.Equal(t, "HUSAL", locs[1].Code)
	assert.True(t, locs[1].IsClinicalSite)
}

func TestLoadLocations_Duplicate(t *testing.T) {
	path := writeFile(t, "locations.yaml", `
locations:
  - {id: 1, code: A, name: A}
  - {id: 1, code: B, name: B}
`)
	_, err := LoadLocations(path)
	assert.ErrorContains(t, err, "duplicate")
}

func TestLoadLabLayouts(t *testing.T) {
	layouts, err := LoadLabLayouts("")
	require.NoError(t, err)
	assert.Len(t, layouts, 2)

	path := writeFile(t, "labs.yaml", `
labs:
  - code: HUSAL
    location_code: HUSAL
    dir: husal-v2
    owner_column: NHC
    owner_kind: PATIENT_REF
    type_column: Tipo
    aliquot_column: Alícuota
  - code: CNIO
    location_code: CNIO
    dir: cnio
    sheet: Muestras
    owner_column: Sample
    owner_kind: LAB_SAMPLE_ID
    type_column: Type
    aliquot_column: Aliquot
`)
	layouts, err = LoadLabLayouts(path)
	require.NoError(t, err)
	require.Len(t, layouts, 3)
	assert.Equal(t, "husal-v2", layouts[1].Dir)
	assert.Equal(t, "CNIO", layouts[2].Code)
}

func TestLoadLabLayouts_Invalid(t *testing.T) {
	path := writeFile(t, "labs.yaml", `
labs:
  - code: BAD
    location_code: BAD
    dir: bad
    owner_column: x
    owner_kind: SOMETHING
    type_column: y
    aliquot_column: z
`)
	_, err := LoadLabLayouts(path)
	assert.ErrorContains(t, err, "unknown owner kind")
}
