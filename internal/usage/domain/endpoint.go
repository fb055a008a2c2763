package domain

import (
	"fmt"
	"math"
	"sort"
)

// Endpoint names an AI-backed operation that consumes quota.
type Endpoint string

const (
	EndpointCVExtract         Endpoint = "cv/extract"
	EndpointJDExtract         Endpoint = "jd/extract"
	EndpointJDSuggestions     Endpoint = "jd/suggestions"
	EndpointQuestionsGenerate Endpoint = "questions/generate"
	EndpointInterviewAnalyze  Endpoint = "interview/analyze"
	EndpointJobsCreate        Endpoint = "jobs/create"
	EndpointJobsMatch         Endpoint = "jobs/match"
)

// EndpointCost describes how many billable units one call consumes. Dynamic
// endpoints have weight 1 and the caller supplies the call count, e.g. one
// per candidate scored.
type EndpointCost struct {
	Weight  int64
	Dynamic bool
}

var endpointCosts = map[Endpoint]EndpointCost{
	EndpointCVExtract:         {Weight: 1},
	EndpointJDExtract:         {Weight: 1},
	EndpointJDSuggestions:     {Weight: 1},
	EndpointQuestionsGenerate: {Weight: 2},
	EndpointInterviewAnalyze:  {Weight: 3},
	EndpointJobsCreate:        {Weight: 1, Dynamic: true},
	EndpointJobsMatch:         {Weight: 1, Dynamic: true},
}

func LookupEndpoint(e Endpoint) (EndpointCost, bool) {
	cost, ok := endpointCosts[e]
	return cost, ok
}

// WeightedCount returns callCount * weight for the endpoint. A product that
// does not fit in an int64 is rejected as an invalid count.
func WeightedCount(e Endpoint, callCount int64) (int64, error) {
	cost, ok := endpointCosts[e]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownEndpoint, e)
	}
	if callCount <= 0 || callCount > math.MaxInt64/cost.Weight {
		return 0, ErrInvalidCount
	}
	return callCount * cost.Weight, nil
}

// Endpoints lists the metered endpoints in name order.
func Endpoints() []Endpoint {
	out := make([]Endpoint, 0, len(endpointCosts))
	for e := range endpointCosts {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
