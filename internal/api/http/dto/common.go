package dto

type HealthResponse struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type ReapRequest struct {
	ThresholdSeconds int `json:"threshold_seconds" binding:"min=0"`
}

type CountResponse struct {
	Count int `json:"count"`
}
