package catalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medkiosk/kiosk-scheduling/internal/slotgrid"
)

func writeCatalogFile(t *testing.T, dir, code, content string) string {
	t.Helper()
	path := filepath.Join(dir, code+".json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoaderHospital(t *testing.T) {
	dir := t.TempDir()
	writeCatalogFile(t, dir, "BV1", `{
		"hospital_code": "BV1",
		"hospital_name": "General Hospital 1",
		"departments": {
			"KHOA2": {"name": "Cardiology", "doctors": ["Dr.C", "Dr.B", "Dr.C"]},
			"KHOA1": {"name": "Internal Medicine", "doctors": [{"name": "Dr.A"}, " "]}
		},
		"slots": {"start": "08:00", "end": "11:00", "slot_minutes": 30}
	}`)

	l := NewLoader(dir, DefaultCacheTTL)

	h, err := l.Hospital("BV1")
	require.NoError(t, err)
	assert.Equal(t, "BV1", h.Code)
	assert.Equal(t, "General Hospital 1", h.Name)
	assert.Equal(t, slotgrid.Config{Start: "08:00", End: "11:00", StepMinutes: 30}, h.Grid)

	// Departments sorted by code, doctors deduplicated and sorted, blank
	// entries dropped, object-form doctors accepted.
	require.Len(t, h.Departments, 2)
	assert.Equal(t, "KHOA1", h.Departments[0].Code)
	assert.Equal(t, []string{"Dr.A"}, h.Departments[0].Doctors)
	assert.Equal(t, []string{"Dr.B", "Dr.C"}, h.Departments[1].Doctors)

	dept, ok := h.Department("KHOA2")
	require.True(t, ok)
	assert.True(t, dept.HasDoctor("Dr.B"))
	assert.False(t, dept.HasDoctor("Dr.Z"))

	_, ok = h.Department("KHOA9")
	assert.False(t, ok)
}

func TestLoaderDefaultsAndMissing(t *testing.T) {
	dir := t.TempDir()
	writeCatalogFile(t, dir, "BV2", `{
		"departments": {"KHOA1": {"doctors": ["Dr.A"]}}
	}`)

	l := NewLoader(dir, DefaultCacheTTL)

	h, err := l.Hospital("BV2")
	require.NoError(t, err)
	assert.Equal(t, "BV2", h.Name)
	assert.Equal(t, slotgrid.DefaultConfig, h.Grid)
	assert.Equal(t, "KHOA1", h.Departments[0].Name)

	_, err = l.Hospital("BV404")
	require.ErrorIs(t, err, ErrHospitalNotFound)
}

func TestLoaderCacheRevalidation(t *testing.T) {
	dir := t.TempDir()
	path := writeCatalogFile(t, dir, "BV1", `{"departments": {"KHOA1": {"doctors": ["Dr.A"]}}}`)

	// TTL <= 0 revalidates the signature on every call.
	l := NewLoader(dir, 0)

	h, err := l.Hospital("BV1")
	require.NoError(t, err)
	require.Len(t, h.Departments, 1)

	require.NoError(t, os.WriteFile(path, []byte(`{"departments": {
		"KHOA1": {"doctors": ["Dr.A"]},
		"KHOA2": {"doctors": ["Dr.B"]}
	}}`), 0o644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	h, err = l.Hospital("BV1")
	require.NoError(t, err)
	assert.Len(t, h.Departments, 2)

	// Removing the file invalidates the entry.
	require.NoError(t, os.Remove(path))
	_, err = l.Hospital("BV1")
	require.ErrorIs(t, err, ErrHospitalNotFound)
}

func TestLoaderHospitals(t *testing.T) {
	dir := t.TempDir()
	writeCatalogFile(t, dir, "BV1", `{"departments": {"KHOA2": {"doctors": []}, "KHOA1": {"doctors": []}}}`)
	writeCatalogFile(t, dir, "BV2", `{"departments": {"KHOA1": {"doctors": []}}}`)
	writeCatalogFile(t, dir, "broken", `{not json`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	l := NewLoader(dir, DefaultCacheTTL)

	got, err := l.Hospitals()
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		"BV1": {"KHOA1", "KHOA2"},
		"BV2": {"KHOA1"},
	}, got)
}
