package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Load generator for the settlement API. The "replay" workload reuses a
// small pool of idempotency keys to measure dedup behavior under load.
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
)

var (
	totalRequests uint64
	success200    uint64 // Idempotent replays
	success201    uint64 // Settled or compensated
	accepted202   uint64 // Held for reconciliation
	fail409       uint64 // Key in progress
	fail422       uint64 // Rejections
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | replay")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 10 * time.Second}

	for time.Since(start) < duration {
		user := int64(rand.Intn(1000) + 1)

		var key string
		if workload == "replay" && rand.Float32() < 0.5 {
			// Half the traffic reuses a shared key pool; those requests
			// should replay or report in-progress, never double-settle.
			key = fmt.Sprintf("bench-shared-key-%04d", rand.Intn(100))
		} else {
			key = fmt.Sprintf("bench-%d-%d", user, time.Now().UnixNano())
		}

		payload := map[string]interface{}{
			"user_id":         user,
			"asset":           "USDT",
			"amount":          int64(100),
			"destination":     fmt.Sprintf("+2547%08d", user),
			"second_factor":   "123456",
			"transaction_pin": "0000",
			"idempotency_key": key,
		}
		body, _ := json.Marshal(payload)

		req, _ := http.NewRequest("POST", targetURL+"/api/v1/settlements", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case 201:
			atomic.AddUint64(&success201, 1)
		case 200:
			atomic.AddUint64(&success200, 1)
		case 202:
			atomic.AddUint64(&accepted202, 1)
		case 409:
			atomic.AddUint64(&fail409, 1)
		case 422:
			atomic.AddUint64(&fail422, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&success201)
	s200 := atomic.LoadUint64(&success200)
	a202 := atomic.LoadUint64(&accepted202)
	f409 := atomic.LoadUint64(&fail409)
	f422 := atomic.LoadUint64(&fail422)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()

	results := map[string]interface{}{
		"workload":         workload,
		"duration_sec":     d.Seconds(),
		"total_requests":   total,
		"throughput_tps":   tps,
		"success_resolved": s201,
		"success_replay":   s200,
		"accepted_pending": a202,
		"conflicts":        f409,
		"rejections":       f422,
		"errors":           fErr,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, _ := os.Create(filename)
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
