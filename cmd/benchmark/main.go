// Benchmark tool for testing Kestrel against labeled access data.
//
// Usage:
//   go run cmd/benchmark/main.go -csv /path/to/access_log.csv -url http://localhost:8080
//
// This tool:
//   1. Reads labeled access attempts (with risky/benign labels)
//   2. Sends each attempt to Kestrel for trust evaluation
//   3. Compares Kestrel's verdict (low trust = flagged) with actual labels
//   4. Calculates precision, recall, F1-score, and confusion matrix
//
// Expected CSV columns: principal_id, device_id, device_os, country, amount,
// identity_verified, is_risky
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// AccessAttempt represents a labeled row from the access log.
type AccessAttempt struct {
	PrincipalID      string
	DeviceID         string
	DeviceOS         string
	Country          string
	Amount           float64
	IdentityVerified bool
	IsRisky          bool
}

// EvaluateRequest is the Kestrel API request format
type EvaluateRequest struct {
	PrincipalID string         `json:"principalId"`
	Device      *Device        `json:"device,omitempty"`
	Location    *Location      `json:"location,omitempty"`
	Transaction *Transaction   `json:"transaction,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type Device struct {
	DeviceID string `json:"deviceId"`
	OS       string `json:"os,omitempty"`
}

type Location struct {
	Country string `json:"country"`
}

type Transaction struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// EvaluateResponse is the Kestrel API response format
type EvaluateResponse struct {
	Result struct {
		ID         string  `json:"id"`
		Score      float64 `json:"score"`
		Level      string  `json:"level"`
		Confidence float64 `json:"confidence"`
	} `json:"result"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // Risky flagged as low trust
	FalsePositives int64 // Benign flagged as low trust
	TrueNegatives  int64 // Benign scored as trusted
	FalseNegatives int64 // Risky scored as trusted (missed!)

	TotalProcessed int64
	TotalRisky     int64
	TotalBenign    int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

func main() {
	// Parse flags
	csvPath := flag.String("csv", "", "Path to labeled access log CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	threshold := flag.Float64("threshold", 40, "Trust score below which an attempt counts as flagged")
	limit := flag.Int("limit", 10000, "Maximum attempts to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	riskyOnly := flag.Bool("risky-only", false, "Only test risky attempts")
	verbose := flag.Bool("verbose", false, "Print each attempt result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/access_log.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║          KESTREL BENCHMARK - Trust Score Accuracy             ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Threshold:   %.1f\n", *threshold)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Risky Only:  %v\n", *riskyOnly)
	fmt.Println()

	// Check Kestrel is running
	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  cd kestrel && go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	// Read access data
	fmt.Printf("\nReading access data from %s...\n", *csvPath)
	attempts, err := readAccessCSV(*csvPath, *limit, *riskyOnly)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d attempts\n", len(attempts))

	// Count risky vs benign
	riskyCount := 0
	for _, a := range attempts {
		if a.IsRisky {
			riskyCount++
		}
	}
	fmt.Printf("  - Risky:  %d (%.2f%%)\n", riskyCount, 100*float64(riskyCount)/float64(len(attempts)))
	fmt.Printf("  - Benign: %d (%.2f%%)\n", len(attempts)-riskyCount, 100*float64(len(attempts)-riskyCount)/float64(len(attempts)))

	// Run benchmark
	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(attempts, *baseURL, *tenantID, *threshold, *workers, *verbose)
	duration := time.Since(startTime)

	// Print results
	printResults(metrics, duration)
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

func readAccessCSV(path string, limit int, riskyOnly bool) ([]AccessAttempt, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	// Read header
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	// Map column indices
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}

	var attempts []AccessAttempt

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		isRisky := record[colIndex["is_risky"]] == "1"

		if riskyOnly && !isRisky {
			continue
		}

		amount, _ := strconv.ParseFloat(record[colIndex["amount"]], 64)

		attempts = append(attempts, AccessAttempt{
			PrincipalID:      record[colIndex["principal_id"]],
			DeviceID:         record[colIndex["device_id"]],
			DeviceOS:         record[colIndex["device_os"]],
			Country:          record[colIndex["country"]],
			Amount:           amount,
			IdentityVerified: record[colIndex["identity_verified"]] == "1",
			IsRisky:          isRisky,
		})

		if limit > 0 && len(attempts) >= limit {
			break
		}
	}

	return attempts, nil
}

func runBenchmark(attempts []AccessAttempt, baseURL, tenantID string, threshold float64, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	// Create work channel
	work := make(chan AccessAttempt, 100)
	var wg sync.WaitGroup

	// Start workers
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for attempt := range work {
				start := time.Now()
				result, err := evaluateAttempt(client, baseURL, tenantID, attempt)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", attempt.PrincipalID, err)
					}
					continue
				}

				// Track actual labels
				if attempt.IsRisky {
					atomic.AddInt64(&metrics.TotalRisky, 1)
				} else {
					atomic.AddInt64(&metrics.TotalBenign, 1)
				}

				// Calculate confusion matrix
				predicted := result.Result.Score < threshold
				actual := attempt.IsRisky

				if predicted && actual {
					atomic.AddInt64(&metrics.TruePositives, 1)
				} else if predicted && !actual {
					atomic.AddInt64(&metrics.FalsePositives, 1)
				} else if !predicted && !actual {
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				} else { // !predicted && actual
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if verbose {
					status := "✓"
					if (predicted && !actual) || (!predicted && actual) {
						status = "✗"
					}
					name := attempt.PrincipalID
					if len(name) > 10 {
						name = name[:10]
					}
					fmt.Printf("%s %-10s | Country: %-4s | Amount: $%10.2f | Risky: %-5v | Score: %6.2f (%s, conf %.2f)\n",
						status,
						name,
						attempt.Country,
						attempt.Amount,
						attempt.IsRisky,
						result.Result.Score,
						result.Result.Level,
						result.Result.Confidence,
					)
				}
			}
		}()
	}

	// Send work
	for _, attempt := range attempts {
		work <- attempt
	}
	close(work)

	// Wait for completion
	wg.Wait()

	return metrics
}

func evaluateAttempt(client *http.Client, baseURL, tenantID string, attempt AccessAttempt) (*EvaluateResponse, error) {
	// Build request matching Kestrel's expected format
	req := EvaluateRequest{
		PrincipalID: attempt.PrincipalID,
		Metadata: map[string]any{
			"identity_verified": attempt.IdentityVerified,
		},
	}
	if attempt.DeviceID != "" {
		req.Device = &Device{DeviceID: attempt.DeviceID, OS: attempt.DeviceOS}
	}
	if attempt.Country != "" {
		req.Location = &Location{Country: attempt.Country}
	}
	if attempt.Amount > 0 {
		req.Transaction = &Transaction{Amount: attempt.Amount, Currency: "USD"}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/evaluate", bytes.NewReader(body))
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

	var result EvaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Risky:      %d\n", m.TotalRisky)
	fmt.Printf("   Total Benign:     %d\n", m.TotalBenign)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\n📈 CONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                  FLAGGED     TRUSTED")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  R  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("           B  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

	// Calculate metrics
	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}

	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}

	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	accuracy := float64(0)
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}

	fmt.Printf("\n🎯 DETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of flagged attempts, how many were actually risky)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of risky attempts, how many did we flag)\n", recall)
	fmt.Printf("   F1-Score:   %.4f  (harmonic mean of precision & recall)\n", f1)
	fmt.Printf("   Accuracy:   %.4f  (overall correct predictions)\n", accuracy)

	// Detection rate analysis
	fmt.Printf("\n🔍 DETECTION ANALYSIS\n")
	if m.TotalRisky > 0 {
		detectionRate := float64(m.TruePositives) / float64(m.TotalRisky) * 100
		missRate := float64(m.FalseNegatives) / float64(m.TotalRisky) * 100
		fmt.Printf("   Risky Flagged:     %d / %d (%.2f%%)\n", m.TruePositives, m.TotalRisky, detectionRate)
		fmt.Printf("   Risky Missed:      %d / %d (%.2f%%) ⚠️\n", m.FalseNegatives, m.TotalRisky, missRate)
	}
	if m.TotalBenign > 0 {
		falseAlarmRate := float64(m.FalsePositives) / float64(m.TotalBenign) * 100
		fmt.Printf("   False Alarms:      %d / %d (%.2f%%)\n", m.FalsePositives, m.TotalBenign, falseAlarmRate)
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f req/sec\n", tps)
	}

	// Interpretation
	fmt.Printf("\n💡 INTERPRETATION\n")
	if recall >= 0.9 {
		fmt.Println("   ✅ Excellent recall - flagging most risky access")
	} else if recall >= 0.7 {
		fmt.Println("   ⚠️  Good recall - but missing some risky access")
	} else if recall >= 0.5 {
		fmt.Println("   ⚠️  Moderate recall - significant risk being missed")
	} else {
		fmt.Println("   ❌ Poor recall - most risky access is being missed!")
	}

	if precision >= 0.5 {
		fmt.Println("   ✅ Good precision - flags are meaningful")
	} else if precision >= 0.2 {
		fmt.Println("   ⚠️  Low precision - many false alarms")
	} else {
		fmt.Println("   ❌ Very low precision - mostly false alarms")
	}

	fmt.Println()
}
