// Simulate drives concurrent kiosk traffic against a running api-server:
// holds, bookings, cancels, and dashboard polls in a configurable mix. It
// reports per-operation success/conflict counts and latency percentiles.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/medkiosk/kiosk-scheduling/internal/api"
	"github.com/medkiosk/kiosk-scheduling/internal/slotgrid"
)

type SimConfig struct {
	APIBaseURL  string
	Date        string
	Duration    time.Duration
	Workers     int
	HoldRatio   float64
	BookRatio   float64
	CancelRatio float64
	ReadRatio   float64
	TTLSeconds  int
}

type simDepartment struct {
	Code    string
	Doctors []string
}

type simHospital struct {
	Code        string
	Departments []simDepartment
	Slots       []string
}

type heldSlot struct {
	Slot   api.SlotRequest
	Holder string
}

// SlotPool is the shared working set: the static roster loaded from the
// catalog endpoints plus the holds and bookings this run has created.
type SlotPool struct {
	Hospitals []simHospital

	mu     sync.Mutex
	holds  []heldSlot
	booked []api.SlotRequest
	since  map[string]uint64
}

func (p *SlotPool) AddHold(s api.SlotRequest, holder string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.holds = append(p.holds, heldSlot{Slot: s, Holder: holder})
}

// TakeHold removes and returns a random live-hold entry.
func (p *SlotPool) TakeHold(rng *rand.Rand) (heldSlot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.holds) == 0 {
		return heldSlot{}, false
	}
	i := rng.Intn(len(p.holds))
	h := p.holds[i]
	p.holds[i] = p.holds[len(p.holds)-1]
	p.holds = p.holds[:len(p.holds)-1]
	return h, true
}

func (p *SlotPool) AddBooked(s api.SlotRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.booked = append(p.booked, s)
}

func (p *SlotPool) TakeBooked(rng *rand.Rand) (api.SlotRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.booked) == 0 {
		return api.SlotRequest{}, false
	}
	i := rng.Intn(len(p.booked))
	s := p.booked[i]
	p.booked[i] = p.booked[len(p.booked)-1]
	p.booked = p.booked[:len(p.booked)-1]
	return s, true
}

// Since returns the last version seen for a hospital's feed, and whether one
// was seen at all.
func (p *SlotPool) Since(hospital string) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.since[hospital]
	return v, ok
}

func (p *SlotPool) SetSince(hospital string, v uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.since[hospital] = v
}

func (p *SlotPool) RandomSlot(rng *rand.Rand, date string) api.SlotRequest {
	h := p.Hospitals[rng.Intn(len(p.Hospitals))]
	d := h.Departments[rng.Intn(len(h.Departments))]
	return api.SlotRequest{
		HospitalCode:   h.Code,
		DepartmentCode: d.Code,
		DoctorName:     d.Doctors[rng.Intn(len(d.Doctors))],
		Date:           date,
		SlotTime:       h.Slots[rng.Intn(len(h.Slots))],
	}
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	mu        sync.Mutex
	Latencies []time.Duration
}

func (om *OperationMetrics) Record(latency time.Duration, success, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case success:
		atomic.AddInt64(&om.Success, 1)
	case conflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]

	p50Idx := len(latencies) * 50 / 100
	if p50Idx >= len(latencies) {
		p50Idx = len(latencies) - 1
	}
	p50 = latencies[p50Idx]

	p95Idx := len(latencies) * 95 / 100
	if p95Idx >= len(latencies) {
		p95Idx = len(latencies) - 1
	}
	p95 = latencies[p95Idx]

	return avg, min, max, p50, p95
}

type Metrics struct {
	Hold     OperationMetrics
	Book     OperationMetrics
	Cancel   OperationMetrics
	Feed     OperationMetrics
	Overview OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *SlotPool
	client  *http.Client
	metrics Metrics
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	_ = godotenv.Load()

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log.Printf("config: base_url=%s date=%s duration=%s workers=%d hold=%.2f book=%.2f cancel=%.2f read=%.2f",
		cfg.APIBaseURL, cfg.Date, cfg.Duration, cfg.Workers,
		cfg.HoldRatio, cfg.BookRatio, cfg.CancelRatio, cfg.ReadRatio)

	client := &http.Client{Timeout: 10 * time.Second}

	pool, err := loadPool(client, cfg.APIBaseURL)
	if err != nil {
		log.Fatalf("load slot pool: %v", err)
	}

	doctors, slots := 0, 0
	for _, h := range pool.Hospitals {
		for _, d := range h.Departments {
			doctors += len(d.Doctors)
		}
		slots += len(h.Slots)
	}
	log.Printf("loaded: %d hospitals, %d doctors, %d slots/day", len(pool.Hospitals), doctors, slots)

	sim := &Simulator{config: cfg, pool: pool, client: client}
	sim.Run()
	sim.PrintReport()
}

func loadConfig() SimConfig {
	cfg := SimConfig{
		APIBaseURL:  getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Date:        getEnv("SIM_DATE", time.Now().Format(time.DateOnly)),
		Duration:    getDuration("SIM_DURATION", 30*time.Second),
		Workers:     getInt("SIM_WORKERS", 10),
		HoldRatio:   getFloat("SIM_HOLD_RATIO", 0.35),
		BookRatio:   getFloat("SIM_BOOK_RATIO", 0.25),
		CancelRatio: getFloat("SIM_CANCEL_RATIO", 0.1),
		ReadRatio:   getFloat("SIM_READ_RATIO", 0.3),
		TTLSeconds:  getInt("SIM_HOLD_TTL_SECONDS", 0),
	}

	// Normalize ratios
	total := cfg.HoldRatio + cfg.BookRatio + cfg.CancelRatio + cfg.ReadRatio
	if total > 0 {
		cfg.HoldRatio /= total
		cfg.BookRatio /= total
		cfg.CancelRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	return nil
}

// loadPool builds the working set from the running server's catalog
// endpoints, so the simulator only ever requests slots the engine accepts.
func loadPool(client *http.Client, baseURL string) (*SlotPool, error) {
	var hospitals api.HospitalsResponse
	if err := getJSON(client, baseURL+"/api/hospitals", &hospitals); err != nil {
		return nil, fmt.Errorf("list hospitals: %w", err)
	}
	if len(hospitals.Hospitals) == 0 {
		return nil, fmt.Errorf("no hospitals in catalog, run the seed first")
	}

	pool := &SlotPool{since: make(map[string]uint64)}

	codes := make([]string, 0, len(hospitals.Hospitals))
	for code := range hospitals.Hospitals {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	for _, code := range codes {
		var cat api.CatalogResponse
		if err := getJSON(client, baseURL+"/api/catalog?hospital_code="+code, &cat); err != nil {
			return nil, fmt.Errorf("catalog for %s: %w", code, err)
		}

		slots, err := slotgrid.Generate(cat.Grid.Start, cat.Grid.End, cat.Grid.SlotMinutes)
		if err != nil {
			return nil, fmt.Errorf("grid for %s: %w", code, err)
		}

		h := simHospital{Code: code, Slots: slots}
		deptCodes := make([]string, 0, len(cat.Departments))
		for dc := range cat.Departments {
			deptCodes = append(deptCodes, dc)
		}
		sort.Strings(deptCodes)
		for _, dc := range deptCodes {
			dept := cat.Departments[dc]
			if len(dept.Doctors) == 0 {
				continue
			}
			h.Departments = append(h.Departments, simDepartment{Code: dc, Doctors: dept.Doctors})
		}
		if len(h.Departments) == 0 {
			continue
		}
		pool.Hospitals = append(pool.Hospitals, h)
	}

	if len(pool.Hospitals) == 0 {
		return nil, fmt.Errorf("no usable hospitals in catalog")
	}
	return pool, nil
}

func getJSON(client *http.Client, url string, dst any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	log.Printf("starting simulation for %s with %d workers", s.config.Duration, s.config.Workers)

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	log.Println("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			switch {
			case r < s.config.HoldRatio:
				s.doHold(ctx, rng)
			case r < s.config.HoldRatio+s.config.BookRatio:
				s.doBook(ctx, rng)
			case r < s.config.HoldRatio+s.config.BookRatio+s.config.CancelRatio:
				s.doCancel(ctx, rng)
			default:
				if rng.Intn(2) == 0 {
					s.doFeed(ctx, rng)
				} else {
					s.doOverview(ctx, rng)
				}
			}
		}
	}
}

// post sends a JSON body and buckets the reply: 2xx success, 409 conflict,
// anything else an error.
func (s *Simulator) post(ctx context.Context, path string, body any) (int, []byte, time.Duration, error) {
	data, _ := json.Marshal(body)

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, nil, time.Since(start), err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return 0, nil, latency, err
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out, latency, nil
}

func (s *Simulator) doHold(ctx context.Context, rng *rand.Rand) {
	slot := s.pool.RandomSlot(rng, s.config.Date)
	holder := uuid.New().String()

	status, _, latency, err := s.post(ctx, "/api/hold", api.HoldRequest{
		SlotRequest: slot,
		HolderRef:   holder,
		TTLSeconds:  s.config.TTLSeconds,
	})

	success := err == nil && status == http.StatusOK
	conflict := err == nil && status == http.StatusConflict
	if success {
		s.pool.AddHold(slot, holder)
	}
	s.metrics.Hold.Record(latency, success, conflict)
}

func (s *Simulator) doBook(ctx context.Context, rng *rand.Rand) {
	req := api.BookRequest{}
	if held, ok := s.pool.TakeHold(rng); ok {
		req.SlotRequest = held.Slot
		req.HolderRef = held.Holder
	} else {
		req.SlotRequest = s.pool.RandomSlot(rng, s.config.Date)
	}

	// Roughly half the bookings carry patient data to exercise the visit
	// records path.
	if rng.Intn(2) == 0 {
		req.Patient = &api.PatientPayload{
			Name:  fmt.Sprintf("Sim Patient %03d", rng.Intn(1000)),
			Phone: fmt.Sprintf("09%08d", rng.Intn(100000000)),
		}
		req.Summary = "load test visit"
	}

	status, _, latency, err := s.post(ctx, "/api/book", req)

	success := err == nil && status == http.StatusOK
	conflict := err == nil && status == http.StatusConflict
	if success {
		s.pool.AddBooked(req.SlotRequest)
	}
	s.metrics.Book.Record(latency, success, conflict)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	slot, ok := s.pool.TakeBooked(rng)
	if !ok {
		return
	}

	status, _, latency, err := s.post(ctx, "/api/cancel", api.CancelRequest{SlotRequest: slot})

	success := err == nil && status == http.StatusOK
	conflict := err == nil && (status == http.StatusConflict || status == http.StatusNotFound)
	s.metrics.Cancel.Record(latency, success, conflict)
}

func (s *Simulator) doFeed(ctx context.Context, rng *rand.Rand) {
	h := s.pool.Hospitals[rng.Intn(len(s.pool.Hospitals))]

	url := fmt.Sprintf("%s/api/bookings?hospital_code=%s&date=%s", s.config.APIBaseURL, h.Code, s.config.Date)
	if v, ok := s.pool.Since(h.Code); ok {
		url += fmt.Sprintf("&since=%d", v)
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		s.metrics.Feed.Record(time.Since(start), false, false)
		return
	}

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			success = true
			var probe struct {
				Version uint64 `json:"version"`
			}
			if decodeErr := json.NewDecoder(resp.Body).Decode(&probe); decodeErr == nil {
				s.pool.SetSince(h.Code, probe.Version)
			}
		}
	}
	s.metrics.Feed.Record(latency, success, false)
}

func (s *Simulator) doOverview(ctx context.Context, rng *rand.Rand) {
	h := s.pool.Hospitals[rng.Intn(len(s.pool.Hospitals))]
	dept := h.Departments[rng.Intn(len(h.Departments))]

	url := fmt.Sprintf("%s/api/overview?hospital_code=%s&date=%s&department_codes=%s",
		s.config.APIBaseURL, h.Code, s.config.Date, dept.Code)

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		s.metrics.Overview.Record(time.Since(start), false, false)
		return
	}

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
	}
	s.metrics.Overview.Record(latency, success, false)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Hold", &s.metrics.Hold)
	printOperationReport("Book", &s.metrics.Book)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Feed", &s.metrics.Feed)
	printOperationReport("Overview", &s.metrics.Overview)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	errCount := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if errCount > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", errCount, float64(errCount)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
