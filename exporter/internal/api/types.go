package api

// HealthResponse is the JSON shape of the health endpoint.
type HealthResponse struct {
	Name       string             `json:"name"`
	Version    string             `json:"version"`
	Commit     string             `json:"commit,omitempty"`
	Database   string             `json:"database"` // "ok" | "error"
	Error      string             `json:"error,omitempty"`
	Collectors []CollectorResponse `json:"collectors"`
}

// CollectorResponse is the last recorded outcome of one collector.
type CollectorResponse struct {
	Name            string  `json:"name"`
	Success         bool    `json:"success"`
	Skipped         bool    `json:"skipped,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
	LastScrape      string  `json:"last_scrape"`
	Error           string  `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}
