package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/punchamoorthee/paynsnap/internal/payload"
)

var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	username    string
	payTo       string
	payAmount   string
)

var (
	totalRequests uint64
	success2xx    uint64
	fail409       uint64 // dropped by the processing guard
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration for the status workload")
	flag.StringVar(&workload, "workload", "status", "Workload type: status | burst")
	flag.StringVar(&username, "user", "", "account to log in as for the burst workload")
	flag.StringVar(&payTo, "to", "", "payee for the burst workload")
	flag.StringVar(&payAmount, "amount", "0.001 HBD", "amount for the burst workload")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d", workload, concurrency)

	client := &http.Client{Timeout: 2 * time.Minute}
	start := time.Now()

	switch workload {
	case "status":
		runStatus(client, start)
	case "burst":
		if username == "" || payTo == "" {
			log.Fatal("burst needs -user and -to")
		}
		if err := prepareBurst(client); err != nil {
			log.Fatalf("prepare burst: %v", err)
		}
		runBurst(client)
	default:
		log.Fatalf("unknown workload %q", workload)
	}
	printResults(time.Since(start))
}

// runStatus polls GET /status from every worker until duration elapses.
func runStatus(client *http.Client, start time.Time) {
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()
			for time.Since(start) < duration {
				record(client.Get(targetURL + "/api/v1/status"))
			}
		}()
	}
	wg.Wait()
}

// prepareBurst logs in and submits one payment request so the daemon waits in the decoded phase.
func prepareBurst(client *http.Client) error {
	if err := post(client, "/api/v1/login", map[string]string{"username": username}); err != nil {
		return err
	}
	amount, err := payload.CanonicalAmount(payAmount)
	if err != nil {
		return err
	}
	uri, err := payload.EncodeURI(payTo, amount, "benchmark")
	if err != nil {
		return err
	}
	return post(client, "/api/v1/scan/payload", map[string]string{"data": uri})
}

// runBurst fires one confirm per worker at the same moment. Only one may reach the wallet.
func runBurst(client *http.Client) {
	var wg sync.WaitGroup
	gate := make(chan struct{})
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()
			<-gate
			req, _ := http.NewRequest(http.MethodPost, targetURL+"/api/v1/confirm", nil)
			record(client.Do(req))
		}()
	}
	close(gate)
	wg.Wait()
}

func post(client *http.Client, path string, body any) error {
	b, _ := json.Marshal(body)
	resp, err := client.Post(targetURL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s: HTTP %d: %s", path, resp.StatusCode, e.Error)
	}
	return nil
}

func record(resp *http.Response, err error) {
	if err != nil {
		atomic.AddUint64(&failOther, 1)
		return
	}
	defer resp.Body.Close()

	atomic.AddUint64(&totalRequests, 1)
	switch {
	case resp.StatusCode < 300:
		atomic.AddUint64(&success2xx, 1)
	case resp.StatusCode == http.StatusConflict:
		atomic.AddUint64(&fail409, 1)
	default:
		atomic.AddUint64(&failOther, 1)
	}
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	ok := atomic.LoadUint64(&success2xx)
	f409 := atomic.LoadUint64(&fail409)
	fErr := atomic.LoadUint64(&failOther)

	var dropRate float64
	if total > 0 {
		dropRate = float64(f409) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":       workload,
		"duration_sec":   d.Seconds(),
		"total_requests": total,
		"throughput_rps": float64(total) / d.Seconds(),
		"success":        ok,
		"dropped_busy":   f409,
		"drop_rate_pct":  dropRate,
		"errors":         fErr,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("write %s: %v", filename, err)
		return
	}
	defer file.Close()
	_ = json.NewEncoder(file).Encode(results)
}
