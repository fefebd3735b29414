package main

import (
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type analysisRequest struct {
	ProjectID    string         `json:"projectId"`
	TokenAddress string         `json:"tokenAddress"`
	ChainID      string         `json:"chainId"`
	Options      map[string]any `json:"options"`
}

// fault injects failures and latency into one mocked domain.
type fault struct {
	failRate float64
	delay    time.Duration
}

// faults parses "service=value" pairs, e.g. "sentiment=0.5,team=0.1".
type faults map[string]*fault

func (f faults) get(service string) *fault {
	if v, ok := f[service]; ok {
		return v
	}
	v := &fault{}
	f[service] = v
	return v
}

func main() {
	addr := flag.String("addr", ":9090", "listen address")
	failSpec := flag.String("fail", "", "per-service failure rate, e.g. sentiment=0.5")
	delaySpec := flag.String("delay", "", "per-service latency, e.g. team=2s")
	flag.Parse()

	logger := log.New(log.Writer(), "analysis-mock ", log.LstdFlags|log.Lmicroseconds)
	injected := faults{}
	for service, raw := range pairs(*failSpec) {
		rate, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			logger.Fatalf("bad failure rate for %s: %v", service, err)
		}
		injected.get(service).failRate = rate
	}
	for service, raw := range pairs(*delaySpec) {
		d, err := time.ParseDuration(raw)
		if err != nil {
			logger.Fatalf("bad delay for %s: %v", service, err)
		}
		injected.get(service).delay = d
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	handle := func(service string, payload func(analysisRequest) map[string]any) {
		mux.HandleFunc("/api/v1/analysis/"+service, func(w http.ResponseWriter, r *http.Request) {
			if !enforcePost(w, r) {
				return
			}
			var req analysisRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if f, ok := injected[service]; ok {
				if f.delay > 0 {
					select {
					case <-time.After(f.delay):
					case <-r.Context().Done():
						return
					}
				}
				if f.failRate > 0 && rand.Float64() < f.failRate {
					http.Error(w, "injected failure", http.StatusServiceUnavailable)
					return
				}
			}
			writeJSON(w, payload(req))
		})
	}

	handle("onchain", func(req analysisRequest) map[string]any {
		return map[string]any{
			"projectId":      req.ProjectID,
			"chainId":        req.ChainID,
			"holders":        18234,
			"top10Share":     0.41,
			"liquidityUsd":   2_450_000.0,
			"contractVerify": true,
		}
	})
	handle("sentiment", func(req analysisRequest) map[string]any {
		return map[string]any{
			"projectId": req.ProjectID,
			"score":     0.63,
			"mentions":  1290,
			"sources":   []string{"twitter", "reddit", "telegram"},
		}
	})
	handle("tokenomics", func(req analysisRequest) map[string]any {
		return map[string]any{
			"projectId":         req.ProjectID,
			"circulatingSupply": 420_000_000,
			"maxSupply":         1_000_000_000,
			"unlockSchedule":    []map[string]any{{"date": "2026-12-01", "share": 0.05}},
		}
	})
	handle("team", func(req analysisRequest) map[string]any {
		return map[string]any{
			"projectId":   req.ProjectID,
			"doxxed":      true,
			"memberCount": 14,
			"auditFirms":  []string{"certik"},
		}
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           logRequests(logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func pairs(raw string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return out
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
