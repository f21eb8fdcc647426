package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"
)

const notAvailable = "n/a"

// Report turns a WorkloadResult into per record and per second figures.
type Report struct {
	RunID  string
	Result WorkloadResult
}

func NewReport(result WorkloadResult) Report {
	return Report{Result: result}
}

// PerRecord returns the mean time spent per record. ok is false for an empty run.
func (r Report) PerRecord() (d time.Duration, ok bool) {
	if r.Result.Count <= 0 {
		return 0, false
	}
	return r.Result.Elapsed / time.Duration(r.Result.Count), true
}

// RecordsPerSecond returns the throughput. ok is false when either the record
// count or the elapsed time is zero.
func (r Report) RecordsPerSecond() (rate float64, ok bool) {
	if r.Result.Count <= 0 || r.Result.Elapsed <= 0 {
		return 0, false
	}
	return float64(r.Result.Count) / r.Result.Elapsed.Seconds(), true
}

func (r Report) perRecordString() string {
	if d, ok := r.PerRecord(); ok {
		return d.String()
	}
	return notAvailable
}

func (r Report) rateString() string {
	if rate, ok := r.RecordsPerSecond(); ok {
		return fmt.Sprintf("%.2f", rate)
	}
	return notAvailable
}

// Render writes the human readable timing lines of the report.
func (r Report) Render(w io.Writer) error {
	verb := r.Result.Kind.verb()
	lines := []string{
		fmt.Sprintf("[%s]", r.Result.Kind),
		fmt.Sprintf("Time taken to %s %d records: %s", verb, r.Result.Count, r.Result.Elapsed),
		fmt.Sprintf("Time taken to %s 1 record: %s", verb, r.perRecordString()),
		fmt.Sprintf("Records per second: %s", r.rateString()),
	}
	if r.Result.Count > 0 {
		l := r.Result.Latency
		lines = append(lines, fmt.Sprintf("Latency p50: %s, p95: %s, p99: %s, max: %s", l.P50, l.P95, l.P99, l.Max))
	}

	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

var csvHeader = []string{"run", "phase", "count", "elapsed_ns", "per_record_ns", "records_per_second", "p50_ns", "p95_ns", "p99_ns"}

func (r Report) csvRecord() []string {
	perRecord := notAvailable
	if d, ok := r.PerRecord(); ok {
		perRecord = strconv.FormatInt(d.Nanoseconds(), 10)
	}
	rate := notAvailable
	if v, ok := r.RecordsPerSecond(); ok {
		rate = fmt.Sprintf("%.6f", v)
	}
	l := r.Result.Latency
	return []string{
		r.RunID,
		r.Result.Kind.String(),
		strconv.Itoa(r.Result.Count),
		strconv.FormatInt(r.Result.Elapsed.Nanoseconds(), 10),
		perRecord,
		rate,
		strconv.FormatInt(l.P50.Nanoseconds(), 10),
		strconv.FormatInt(l.P95.Nanoseconds(), 10),
		strconv.FormatInt(l.P99.Nanoseconds(), 10),
	}
}

// WriteReportsCSV writes one header line and one record per report.
func WriteReportsCSV(w io.Writer, reports []Report) error {
	records := [][]string{csvHeader}
	for _, r := range reports {
		records = append(records, r.csvRecord())
	}

	writer := csv.NewWriter(w)
	if err := writer.WriteAll(records); err != nil {
		return fmt.Errorf("write records to CSV: %w", err)
	}
	return nil
}

// WriteCSV saves reports to filename.
func WriteCSV(filename string, reports []Report) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("create CSV file: %w", err)
	}
	defer file.Close()

	if err := WriteReportsCSV(file, reports); err != nil {
		return err
	}
	return file.Close()
}
