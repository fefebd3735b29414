package repo

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/miradorstack/mirador-gateway/internal/models"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// stubAnalysisClient returns a client whose transport is rt.
func stubAnalysisClient(baseURL string, paths map[models.ServiceName]string, rt roundTripFunc) *AnalysisClient {
	client := NewAnalysisClient(baseURL, paths, time.Second)
	client.httpClient = &http.Client{Transport: rt}
	return client
}

func respond(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}
