package defs

type ErrorBody struct {
	Error string `json:"error"`
}

type WorkerListItem struct {
	WorkerId       string `json:"workerId"`
	Name           string `json:"name"`
	Status         string `json:"status"`
	ActiveRequests int    `json:"activeRequests"`
	MaxConcurrent  int    `json:"maxConcurrentRequests"`
}

type FleetStats struct {
	Workers          int            `json:"workers"`
	AvailableWorkers int            `json:"availableWorkers"`
	ByStatus         map[string]int `json:"byStatus"`
	ActiveRequests   int            `json:"activeRequests"`
	Completed        int            `json:"completedRequests"`
}

type SendResult struct {
	WorkerId  string `json:"workerId"`
	Delivered bool   `json:"delivered"`
}
