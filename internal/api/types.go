package api

import "github.com/loqalabs/accessbridge/internal/analysis"

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type SpeakRequest struct {
	Text string `json:"text"`
}

// PlaybackRequest is a play/pause report from the media element.
type PlaybackRequest struct {
	State    string  `json:"state"`
	Position float64 `json:"position"`
}

type AnalysisResponse struct {
	Kind   analysis.Kind   `json:"kind"`
	Status string          `json:"status"`
	Result analysis.Result `json:"result"`
}
