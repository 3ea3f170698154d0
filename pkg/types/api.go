package types

import "encoding/json"

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	// Published model artifacts.
	Models []Model `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: model not found
	Error string `json:"error" example:"model not found"`
	// HTTP status code.
	// example: 404
	Code int `json:"code" example:"404"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Whether the publisher has opened its channel.
	// example: true
	Open bool `json:"open" example:"true"`
	// Name of the model announced to every viewer on connect.
	// example: mpg-regression
	Model string `json:"model,omitempty" example:"mpg-regression"`
	// URL of the announced model.json.
	// example: /models/mpg-regression/model.json
	ModelURL string `json:"model_url,omitempty" example:"/models/mpg-regression/model.json"`
	// Last time the announced model was (re)published, unix seconds.
	// example: 1700000000
	ModelUpdatedUnix int64 `json:"model_updated_unix,omitempty" example:"1700000000"`
	// Number of connected viewers.
	// example: 2
	Viewers int `json:"viewers" example:"2"`
	// Number of emissions held for replay.
	// example: 120
	ReplayLen int `json:"replay_len" example:"120"`
	// Maximum replay entries kept; 0 means unbounded.
	// example: 0
	ReplayLimit int `json:"replay_limit" example:"0"`
	// Total emissions since the channel opened.
	// example: 345
	EmittedTotal uint64 `json:"emitted_total" example:"345"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}

// EmitRequest is the body of POST /events.
type EmitRequest struct {
	// Event name, one of model, scatterplot, showFitCallbacks, trainFinished.
	// example: scatterplot
	Name string `json:"name" example:"scatterplot"`
	// Event payload, validated against the schema of Name.
	Payload json.RawMessage `json:"payload" swaggertype:"object"`
	// Overwrite earlier emissions for the same panel instead of appending.
	// example: false
	Replace bool `json:"replace,omitempty" example:"false"`
}

// EmitResponse acknowledges an accepted event.
type EmitResponse struct {
	// example: scatterplot
	Name string `json:"name" example:"scatterplot"`
	// Number of emissions held for replay after this one.
	// example: 12
	ReplayLen int `json:"replay_len" example:"12"`
}
