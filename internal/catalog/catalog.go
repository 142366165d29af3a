// Package catalog supplies the hospital → department → doctor roster and the
// per-hospital slot grid configuration. The engine treats the catalog as
// read-only; this implementation loads one JSON file per hospital from a data
// directory and caches the parsed result against a file signature.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/medkiosk/kiosk-scheduling/internal/slotgrid"
)

var ErrHospitalNotFound = errors.New("hospital not found")

type Department struct {
	Code    string
	Name    string
	Doctors []string
}

// HasDoctor reports whether name belongs to the department's roster.
func (d *Department) HasDoctor(name string) bool {
	for _, doc := range d.Doctors {
		if doc == name {
			return true
		}
	}
	return false
}

type Hospital struct {
	Code        string
	Name        string
	Departments []Department // sorted by code
	Grid        slotgrid.Config
}

// Department returns the department with the given code, if present.
func (h *Hospital) Department(code string) (*Department, bool) {
	for i := range h.Departments {
		if h.Departments[i].Code == code {
			return &h.Departments[i], true
		}
	}
	return nil, false
}

func (h *Hospital) DepartmentCodes() []string {
	codes := make([]string, 0, len(h.Departments))
	for _, d := range h.Departments {
		codes = append(codes, d.Code)
	}
	return codes
}

// Loader reads <CODE>.json files from dir. Parsed hospitals are cached; the
// cache entry is revalidated against the file's mtime+size signature once its
// TTL has passed. A TTL <= 0 revalidates on every call.
type Loader struct {
	dir string
	ttl time.Duration

	mu    sync.Mutex
	cache map[string]*cacheEntry
}

type cacheEntry struct {
	hospital *Hospital
	sig      string
	cachedAt time.Time
}

const DefaultCacheTTL = 30 * time.Second

func NewLoader(dir string, cacheTTL time.Duration) *Loader {
	return &Loader{
		dir:   dir,
		ttl:   cacheTTL,
		cache: make(map[string]*cacheEntry),
	}
}

// Hospital returns the parsed hospital for code, or ErrHospitalNotFound when
// no catalog file exists for it.
func (l *Loader) Hospital(code string) (*Hospital, error) {
	path := filepath.Join(l.dir, code+".json")

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := l.cache[code]
	if entry != nil && time.Since(entry.cachedAt) < l.ttl {
		return entry.hospital, nil
	}

	sig, err := fileSignature(path)
	if err != nil {
		if os.IsNotExist(err) {
			delete(l.cache, code)
			return nil, fmt.Errorf("%w: %s", ErrHospitalNotFound, code)
		}
		return nil, fmt.Errorf("stat catalog file for %s: %w", code, err)
	}

	if entry != nil && entry.sig == sig {
		entry.cachedAt = time.Now()
		return entry.hospital, nil
	}

	h, err := parseHospitalFile(path, code)
	if err != nil {
		return nil, err
	}

	l.cache[code] = &cacheEntry{hospital: h, sig: sig, cachedAt: time.Now()}
	return h, nil
}

// Hospitals scans the data directory and returns hospital code → sorted
// department codes.
func (l *Loader) Hospitals() (map[string][]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read catalog dir: %w", err)
	}

	out := make(map[string][]string)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		code := strings.TrimSuffix(e.Name(), ".json")
		h, err := l.Hospital(code)
		if err != nil {
			// Skip unreadable files rather than failing the whole listing.
			continue
		}
		out[code] = h.DepartmentCodes()
	}
	return out, nil
}

func fileSignature(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d:%d", info.ModTime().UnixNano(), info.Size()), nil
}

// doctorName accepts both the plain-string form and the object form
// {"name": "..."} that older catalog exports used.
type doctorName string

func (d *doctorName) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*d = doctorName(s)
		return nil
	}
	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*d = doctorName(obj.Name)
	return nil
}

type hospitalFile struct {
	HospitalCode string                    `json:"hospital_code"`
	HospitalName string                    `json:"hospital_name"`
	Departments  map[string]departmentFile `json:"departments"`
	Slots        *slotsFile                `json:"slots"`
}

type departmentFile struct {
	Name    string       `json:"name"`
	Doctors []doctorName `json:"doctors"`
}

type slotsFile struct {
	Start       string `json:"start"`
	End         string `json:"end"`
	SlotMinutes int    `json:"slot_minutes"`
}

func parseHospitalFile(path, code string) (*Hospital, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file for %s: %w", code, err)
	}

	var f hospitalFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog file for %s: %w", code, err)
	}

	h := &Hospital{
		Code: code,
		Name: f.HospitalName,
		Grid: slotgrid.DefaultConfig,
	}
	if h.Name == "" {
		h.Name = code
	}
	if f.Slots != nil {
		if f.Slots.Start != "" {
			h.Grid.Start = f.Slots.Start
		}
		if f.Slots.End != "" {
			h.Grid.End = f.Slots.End
		}
		if f.Slots.SlotMinutes > 0 {
			h.Grid.StepMinutes = f.Slots.SlotMinutes
		}
	}

	for deptCode, df := range f.Departments {
		dept := Department{
			Code: deptCode,
			Name: df.Name,
		}
		if dept.Name == "" {
			dept.Name = deptCode
		}

		seen := make(map[string]struct{}, len(df.Doctors))
		for _, d := range df.Doctors {
			name := strings.TrimSpace(string(d))
			if name == "" {
				continue
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			dept.Doctors = append(dept.Doctors, name)
		}
		sort.Strings(dept.Doctors)

		h.Departments = append(h.Departments, dept)
	}

	sort.Slice(h.Departments, func(i, j int) bool {
		return h.Departments[i].Code < h.Departments[j].Code
	})

	return h, nil
}
