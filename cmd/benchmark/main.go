// Benchmark replays a labelled incident sheet against Pugmark.
//
// Usage:
//
//	go run ./cmd/benchmark -csv labelled.csv -url http://localhost:8080
//
// Rows with Target 1 are recorded conflicts; Target 0 rows are
// pseudo-absence points (see cmd/gensim). Each HIGH assessment counts as a
// predicted conflict, and the tool reports the confusion matrix with
// precision, recall and F1 at the HIGH threshold.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/opensource-wildlife/pugmark/internal/domain"
	"github.com/opensource-wildlife/pugmark/internal/ingest"
)

func main() {
	csvPath := flag.String("csv", "", "Path to a labelled incident CSV (Target column)")
	baseURL := flag.String("url", "http://localhost:8080", "Pugmark base URL")
	tenantID := flag.String("tenant", "benchmark", "Tenant ID for requests")
	encoding := flag.String("encoding", ingest.EncodingAuto, "CSV encoding: auto, utf-8, iso-8859-1, windows-1252")
	limit := flag.Int("limit", 0, "Maximum rows to replay (0 = all)")
	batchSize := flag.Int("batch", 200, "Incidents per /assess/batch request")
	workers := flag.Int("workers", 4, "Concurrent batch requests")
	verbose := flag.Bool("verbose", false, "Print each incident result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv labelled.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("+---------------------------------------------------------------+")
	fmt.Println("|        PUGMARK BENCHMARK - Labelled Conflict Incidents        |")
	fmt.Println("+---------------------------------------------------------------+")
	fmt.Printf("\nCSV File:     %s\n", *csvPath)
	fmt.Printf("Pugmark URL:  %s\n", *baseURL)
	fmt.Printf("Tenant ID:    %s\n", *tenantID)
	fmt.Printf("Batch Size:   %d\n", *batchSize)
	fmt.Printf("Workers:      %d\n", *workers)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Pugmark not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Pugmark is running:")
		fmt.Println("  go run ./cmd/pugmark")
		os.Exit(1)
	}
	fmt.Println("OK Pugmark is healthy")

	records, skipped, err := readLabelled(*csvPath, *encoding, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	positives := 0
	for _, r := range records {
		if r.Target == 1 {
			positives++
		}
	}
	fmt.Printf("OK Loaded %d labelled rows (%d skipped)\n", len(records), skipped)
	fmt.Printf("  - Conflicts:       %d\n", positives)
	fmt.Printf("  - Pseudo-absences: %d\n", len(records)-positives)

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	start := time.Now()
	m := run(records, *baseURL, *tenantID, *batchSize, *workers, *verbose)
	printResults(m, time.Since(start))
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// readLabelled returns the labelled rows of a sheet and the number of rows
// skipped for missing labels, districts or parse errors.
func readLabelled(path, encoding string, limit int) ([]ingest.Record, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	res, err := ingest.Read(f, ingest.Options{Encoding: encoding})
	if err != nil {
		return nil, 0, err
	}

	skipped := res.Dropped + len(res.Errors)
	var out []ingest.Record
	for _, r := range res.Records {
		if !r.Labeled {
			skipped++
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, skipped, nil
}

func run(records []ingest.Record, baseURL, tenantID string, batchSize, numWorkers int, verbose bool) *Confusion {
	if batchSize <= 0 {
		batchSize = 1
	}
	m := &Confusion{}
	var mu sync.Mutex

	work := make(chan []ingest.Record, numWorkers)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 60 * time.Second}

			for batch := range work {
				start := time.Now()
				resp, err := assessBatch(client, baseURL, tenantID, batch)
				elapsed := time.Since(start)

				mu.Lock()
				m.Requests++
				m.RequestTime += elapsed
				if err != nil {
					m.Errors += len(batch)
					mu.Unlock()
					fmt.Printf("ERROR: batch of %d -> %v\n", len(batch), err)
					continue
				}
				for i, a := range resp.Assessments {
					m.Add(batch[i].Target == 1, a.Status)
					if verbose {
						fmt.Printf("%-12s | %-10s | %-18s | target %d | %-11s %.2f\n",
							a.IncidentID, a.Species, a.District, batch[i].Target, a.Status, a.Probability)
					}
				}
				mu.Unlock()
			}
		}()
	}

	for start := 0; start < len(records); start += batchSize {
		end := min(start+batchSize, len(records))
		work <- records[start:end]
	}
	close(work)
	wg.Wait()

	return m
}

func assessBatch(client *http.Client, baseURL, tenantID string, batch []ingest.Record) (*domain.BatchResponse, error) {
	req := domain.BatchRequest{Incidents: make([]domain.IncidentRequest, len(batch))}
	for i, r := range batch {
		req.Incidents[i] = r.Incident.ToRequest()
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/assess/batch", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var out domain.BatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if len(out.Assessments) != len(batch) {
		return nil, fmt.Errorf("expected %d assessments, got %d", len(batch), len(out.Assessments))
	}
	return &out, nil
}

func printResults(m *Confusion, duration time.Duration) {
	fmt.Println("\n+---------------------------------------------------------------+")
	fmt.Println("|                       BENCHMARK RESULTS                       |")
	fmt.Println("+---------------------------------------------------------------+")

	fmt.Printf("\nDATASET\n")
	fmt.Printf("   Scored:       %d\n", m.Scored())
	fmt.Printf("   Invalid:      %d\n", m.Invalid)
	fmt.Printf("   Unsupported:  %d\n", m.Unsupported)
	fmt.Printf("   Errors:       %d\n", m.Errors)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                    HIGH        LOW")
	fmt.Println("              +----------+----------+")
	fmt.Printf("   Actual  1  | %8d | %8d |  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              +----------+----------+")
	fmt.Printf("           0  | %8d | %8d |  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              +----------+----------+")

	fmt.Printf("\nDETECTION METRICS (probability > %.1f)\n", domain.HighRiskThreshold)
	fmt.Printf("   Precision:  %.4f  (of HIGH, how many were real conflicts)\n", m.Precision())
	fmt.Printf("   Recall:     %.4f  (of real conflicts, how many were HIGH)\n", m.Recall())
	fmt.Printf("   F1-Score:   %.4f\n", m.F1())
	fmt.Printf("   Accuracy:   %.4f\n", m.Accuracy())

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.Requests > 0 {
		fmt.Printf("   Avg Batch Time:   %v\n", (m.RequestTime / time.Duration(m.Requests)).Round(time.Millisecond))
	}
	if s := duration.Seconds(); s > 0 {
		fmt.Printf("   Throughput:       %.2f incidents/sec\n", float64(m.Scored()+m.Invalid+m.Unsupported)/s)
	}
	fmt.Println()
}
