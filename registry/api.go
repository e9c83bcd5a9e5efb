package registry

// Wire types of the HTTP API. Byte fields are base64 in JSON.

type RegisterRequest struct {
	Ticket []byte `json:"ticket"`
}

type RegisterResponse struct {
	Code             string `json:"code"`
	Words            string `json:"words"`
	ExpiresInSeconds int64  `json:"expires_in_seconds"`
	OwnerToken       string `json:"owner_token"`
}

type ResolveResponse struct {
	Ticket []byte `json:"ticket"`
}

type AnswerRequest struct {
	Answer []byte `json:"answer"`
}

type AnswerResponse struct {
	Answer []byte `json:"answer"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Entries int    `json:"entries"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
