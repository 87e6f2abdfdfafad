package client

// StartResult is the response from starting or restarting an instance.
type StartResult struct {
	ID    string `json:"id"`
	State string `json:"state"`
	PID   int    `json:"pid"`
}

// DaemonStatus is the response from the status endpoint.
type DaemonStatus struct {
	Status string `json:"status"`
}

// APIError is returned when the API returns an error response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return e.Message
}
