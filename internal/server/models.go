package server

import "github.com/mohammad-safakhou/shelfgate/internal/upstream"

// HTTPError is a generic error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// PartialFailureResponse reports an entity whose attachment step failed.
type PartialFailureResponse struct {
	Error       string `json:"error"`
	EntityID    int64  `json:"entity_id"`
	Compensated bool   `json:"compensated"`
}

// IDResponse carries the upstream id of a created or updated entity.
type IDResponse struct {
	ID int64 `json:"id"`
}

// SuccessResponse is the body of the browser's fetch-based deletes.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// PageData is handed to every template.
type PageData struct {
	Title  string
	Query  string
	Error  string
	Status int
	Item   upstream.Entity
	Items  []upstream.Entity
}
