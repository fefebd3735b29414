package models

import (
	"fmt"
	"strings"
)

// AnalysisType selects which downstream domains a request fans out to.
type AnalysisType string

const (
	AnalysisFull       AnalysisType = "full"
	AnalysisOnchain    AnalysisType = "onchain"
	AnalysisSentiment  AnalysisType = "sentiment"
	AnalysisTokenomics AnalysisType = "tokenomics"
	AnalysisTeam       AnalysisType = "team"
)

// ServiceName identifies one downstream analysis service.
type ServiceName string

const (
	ServiceOnchain    ServiceName = "onchain"
	ServiceSentiment  ServiceName = "sentiment"
	ServiceTokenomics ServiceName = "tokenomics"
	ServiceTeam       ServiceName = "team"
)

// AllServices lists the downstream domains in canonical dispatch order.
var AllServices = []ServiceName{ServiceOnchain, ServiceSentiment, ServiceTokenomics, ServiceTeam}

// ParseServiceName validates a service name.
func ParseServiceName(raw string) (ServiceName, error) {
	name := ServiceName(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range AllServices {
		if name == known {
			return name, nil
		}
	}
	return "", fmt.Errorf("unknown service %q", raw)
}

// Services resolves the domains an analysis type covers.
func (a AnalysisType) Services() ([]ServiceName, error) {
	switch a {
	case AnalysisFull:
		return append([]ServiceName(nil), AllServices...), nil
	case AnalysisOnchain, AnalysisSentiment, AnalysisTokenomics, AnalysisTeam:
		return []ServiceName{ServiceName(a)}, nil
	default:
		return nil, fmt.Errorf("unknown analysis type %q", string(a))
	}
}

// OrchestrationRequest is the immutable input of one orchestration.
type OrchestrationRequest struct {
	ProjectID    string         `json:"projectId"`
	AnalysisType AnalysisType   `json:"analysisType"`
	TokenAddress string         `json:"tokenAddress,omitempty"`
	ChainID      string         `json:"chainId,omitempty"`
	Options      map[string]any `json:"options,omitempty"`
}

// Target returns the identifier downstream services analyse.
func (r OrchestrationRequest) Target() string {
	if r.TokenAddress != "" {
		return r.TokenAddress
	}
	return r.ProjectID
}

// Caller is the identity the gateway auth layer resolved for a request.
type Caller struct {
	ID   string
	IP   string
	Tier Tier
}

// Key returns the rate-limit and usage key for the caller.
func (c Caller) Key() string {
	if c.ID != "" {
		return "user:" + c.ID
	}
	if c.IP != "" {
		return "ip:" + c.IP
	}
	return "ip:unknown"
}
