package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
)

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type methodReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Codes     map[string]int64 `json:"codes"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

type report struct {
	StartedAt         time.Time               `json:"started_at"`
	DurationSeconds   float64                 `json:"duration_seconds"`
	TotalScenarios    int64                   `json:"total_scenarios"`
	SuccessScenarios  int64                   `json:"success_scenarios"`
	FailedScenarios   int64                   `json:"failed_scenarios"`
	ErrorRate         float64                 `json:"error_rate"`
	RPS               float64                 `json:"rps"`
	ScenarioLatencyMs latencySummary          `json:"scenario_latency_ms"`
	Methods           map[string]methodReport `json:"methods"`
	// Номер, выданный дважды, означает сломанную последовательность.
	IssuedNumbers    int64                  `json:"issued_numbers"`
	DuplicateNumbers []domain.InvoiceNumber `json:"duplicate_numbers,omitempty"`
}

// series копит результаты одного метода.
type series struct {
	ok, failed int64
	codes      map[string]int64
	ms         []float64
}

func (s *series) report() methodReport {
	calls := s.ok + s.failed
	return methodReport{
		Calls:     calls,
		Success:   s.ok,
		Failed:    s.failed,
		ErrorRate: ratio(s.failed, calls),
		Codes:     maps.Clone(s.codes),
		LatencyMs: buildLatencySummary(s.ms),
	}
}

// collector безопасен для вызова из воркеров.
type collector struct {
	mu      sync.Mutex
	methods map[string]*series
	numbers map[domain.InvoiceNumber]int
}

func newCollector() *collector {
	return &collector{methods: map[string]*series{}, numbers: map[domain.InvoiceNumber]int{}}
}

func (c *collector) record(method string, latency time.Duration, code string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.methods[method]
	if s == nil {
		s = &series{codes: map[string]int64{}}
		c.methods[method] = s
	}
	if ok {
		s.ok++
	} else {
		s.failed++
	}
	s.codes[code]++
	s.ms = append(s.ms, float64(latency)/float64(time.Millisecond))
}

func (c *collector) issued(n domain.InvoiceNumber) {
	c.mu.Lock()
	c.numbers[n]++
	c.mu.Unlock()
}

func (c *collector) buildReport(startedAt time.Time, elapsed time.Duration) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: elapsed.Seconds(),
		Methods:         make(map[string]methodReport, len(c.methods)),
	}
	for name, s := range c.methods {
		r.Methods[name] = s.report()
	}

	if sc, ok := r.Methods[methodScenario]; ok {
		r.TotalScenarios = sc.Calls
		r.SuccessScenarios = sc.Success
		r.FailedScenarios = sc.Failed
		r.ErrorRate = sc.ErrorRate
		r.ScenarioLatencyMs = sc.LatencyMs
	}
	if elapsed > 0 {
		r.RPS = float64(r.TotalScenarios) / elapsed.Seconds()
	}

	for n, times := range c.numbers {
		r.IssuedNumbers += int64(times)
		if times > 1 {
			r.DuplicateNumbers = append(r.DuplicateNumbers, n)
		}
	}
	slices.Sort(r.DuplicateNumbers)
	return r
}

func buildLatencySummary(values []float64) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}
	sorted := slices.Sorted(slices.Values(values))

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: sum / float64(len(sorted)),
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
}

// percentile интерполирует между соседними значениями отсортированной выборки.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo, frac := math.Modf(rank)
	i := int(lo)
	if frac == 0 || i+1 >= len(sorted) {
		return sorted[i]
	}
	return sorted[i] + (sorted[i+1]-sorted[i])*frac
}

func ratio(part, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(part) / float64(total)
}

// writeJSONReport пишет отчёт только внутри текущего каталога.
func writeJSONReport(path string, r report) error {
	clean := filepath.Clean(path)
	switch {
	case clean == "." || clean == string(filepath.Separator):
		return errors.New("output path must point to a file")
	case clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)):
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	raw, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(clean, append(raw, '\n'), 0o644)
}

func printReport(out io.Writer, r report, cfg config) {
	lat := r.ScenarioLatencyMs
	fmt.Fprintln(out, "Load test summary")
	fmt.Fprintf(out, "mode=%s run=%s total=%d success=%d failed=%d error_rate=%.4f\n",
		cfg.mode, runTarget(cfg), r.TotalScenarios, r.SuccessScenarios, r.FailedScenarios, r.ErrorRate)
	fmt.Fprintf(out, "duration=%.2fs rps=%.2f\n", r.DurationSeconds, r.RPS)
	fmt.Fprintf(out, "scenario latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		lat.Min, lat.Avg, lat.P50, lat.P95, lat.P99, lat.Max)
	fmt.Fprintf(out, "invoice numbers: issued=%d duplicates=%d\n", r.IssuedNumbers, len(r.DuplicateNumbers))

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "METHOD\tCALLS\tOK\tFAILED\tERROR RATE\tP95 MS")
	for _, name := range slices.Sorted(maps.Keys(r.Methods)) {
		if name == methodScenario {
			continue
		}
		m := r.Methods[name]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.4f\t%.2f\n", name, m.Calls, m.Success, m.Failed, m.ErrorRate, m.LatencyMs.P95)
	}
	_ = tw.Flush()
}

func runTarget(cfg config) string {
	switch {
	case cfg.duration <= 0:
		return fmt.Sprintf("count:%d", cfg.total)
	case cfg.totalSet:
		return fmt.Sprintf("duration:%s,max-total:%d", cfg.duration, cfg.total)
	default:
		return fmt.Sprintf("duration:%s", cfg.duration)
	}
}
