package repo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/miradorstack/mirador-gateway/internal/correlation"
	"github.com/miradorstack/mirador-gateway/internal/models"
)

func TestAnalyzePostsRequestWithCorrelationID(t *testing.T) {
	client := stubAnalysisClient("https://analysis.example.com/api", map[models.ServiceName]string{
		models.ServiceOnchain: "/v1/onchain",
	}, func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/api/v1/onchain" {
			t.Fatalf("unexpected path: %s", req.URL.Path)
		}
		if got := req.Header.Get(correlation.Header); got != "orch_1_abc" {
			t.Fatalf("expected correlation header, got %q", got)
		}
		var body map[string]any
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["tokenAddress"] != "0xabc" || body["chainId"] != "1" {
			t.Fatalf("unexpected body: %+v", body)
		}
		return respond(http.StatusOK, `{"holders":1200,"score":0.8}`), nil
	})

	ctx := correlation.WithID(context.Background(), "orch_1_abc")
	data, err := client.Analyze(ctx, models.ServiceOnchain, models.OrchestrationRequest{
		ProjectID:    "proj-1",
		AnalysisType: models.AnalysisOnchain,
		TokenAddress: "0xabc",
		ChainID:      "1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	payload, ok := data.(map[string]any)
	if !ok || payload["holders"].(float64) != 1200 {
		t.Fatalf("unexpected payload: %#v", data)
	}
}

func TestAnalyzeSurfacesUpstreamStatus(t *testing.T) {
	client := stubAnalysisClient("https://analysis.example.com", map[models.ServiceName]string{
		models.ServiceTeam: "/team",
	}, func(*http.Request) (*http.Response, error) {
		return respond(http.StatusBadGateway, "upstream down"), nil
	})

	_, err := client.Analyze(context.Background(), models.ServiceTeam, models.OrchestrationRequest{ProjectID: "p"})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected upstream status in error, got %v", err)
	}
}

func TestAnalyzeRejectsEmptyPayload(t *testing.T) {
	client := stubAnalysisClient("https://analysis.example.com", map[models.ServiceName]string{
		models.ServiceSentiment: "/sentiment",
	}, func(*http.Request) (*http.Response, error) {
		return respond(http.StatusOK, ""), nil
	})

	if _, err := client.Analyze(context.Background(), models.ServiceSentiment, models.OrchestrationRequest{ProjectID: "p"}); err == nil {
		t.Fatalf("expected error for empty payload")
	}
}

func TestAnalyzeUnknownService(t *testing.T) {
	client := NewAnalysisClient("https://analysis.example.com", nil, time.Second)
	if _, err := client.Analyze(context.Background(), models.ServiceSentiment, models.OrchestrationRequest{}); err == nil {
		t.Fatalf("expected error for unconfigured service")
	}
}

func TestAnalyzeContextDeadlineOutlivesClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(150 * time.Millisecond)
		_, _ = w.Write([]byte(`{"score":0.4}`))
	}))
	defer srv.Close()

	client := NewAnalysisClient(srv.URL, map[models.ServiceName]string{
		models.ServiceSentiment: "/sentiment",
	}, 30*time.Millisecond)
	req := models.OrchestrationRequest{ProjectID: "p"}

	if _, err := client.Analyze(context.Background(), models.ServiceSentiment, req); err == nil {
		t.Fatalf("expected client timeout without a context deadline")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.Analyze(ctx, models.ServiceSentiment, req); err != nil {
		t.Fatalf("expected context deadline to govern the call, got %v", err)
	}
}
