package api

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// PostResult reports the outcome of a batch upload.
type PostResult struct {
	Modified float64             `json:"modified"`
	Success  []string            `json:"success"`
	Failed   map[string][]string `json:"failed"`
}

// DeleteResult reports the timestamp of a collection delete.
type DeleteResult struct {
	Modified float64 `json:"modified"`
}
