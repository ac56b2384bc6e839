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

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
)

// Metrics
var (
	totalRequests uint64
	success200    uint64 // Settled (or replayed)
	pending202    uint64 // Settlement still in flight
	fail400       uint64 // Rejected input / terminal failures
	failOther     uint64
)

var eventKinds = []string{
	"TASK_COMPLETE",
	"FIRST_LOGIN_BONUS",
	"REFERRAL_BONUS",
	"ARTICLE_READ",
	"QUIZ_COMPLETE",
}

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "unique", "Workload type: unique | replay")
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
	client := &http.Client{Timeout: 2 * time.Minute}

	for time.Since(start) < duration {
		wallet := randomWallet()
		kind := eventKinds[rand.Intn(len(eventKinds))]

		// The replay workload hammers a small set of occurrence keys so most
		// requests hit the dedup path; unique generates a fresh key per call.
		var occurrence string
		if workload == "replay" {
			occurrence = fmt.Sprintf("bench-occurrence-%d", rand.Intn(100))
		} else {
			occurrence = fmt.Sprintf("bench-%s-%d", kind, time.Now().UnixNano())
		}

		payload := map[string]interface{}{
			"userWalletAddress": wallet,
			"eventType":         kind,
			"occurrenceId":      occurrence,
		}
		body, _ := json.Marshal(payload)

		req, _ := http.NewRequest("POST", targetURL+"/api/reward-user", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case 200:
			atomic.AddUint64(&success200, 1)
		case 202:
			atomic.AddUint64(&pending202, 1)
		case 400:
			atomic.AddUint64(&fail400, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func randomWallet() string {
	const hexdigits = "0123456789abcdef"
	buf := make([]byte, 42)
	buf[0], buf[1] = '0', 'x'
	for i := 2; i < len(buf); i++ {
		buf[i] = hexdigits[rand.Intn(len(hexdigits))]
	}
	return string(buf)
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s200 := atomic.LoadUint64(&success200)
	p202 := atomic.LoadUint64(&pending202)
	f400 := atomic.LoadUint64(&fail400)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()

	results := map[string]interface{}{
		"workload":          workload,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_tps":    tps,
		"settled_or_replay": s200,
		"pending":           p202,
		"rejected":          f400,
		"errors":            fErr,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, _ := os.Create(filename)
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
