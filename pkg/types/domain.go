package types

// Model describes a model artifact published under <publish>/models/<name>/.
type Model struct {
	// Directory name of the artifact.
	// example: mpg-regression
	Name string `json:"name" example:"mpg-regression"`
	// URL of the model.json file, relative to the publisher.
	// example: /models/mpg-regression/model.json
	URL string `json:"url" example:"/models/mpg-regression/model.json"`
	// Files in the artifact directory.
	// example: ["model.json","weights.bin"]
	Files []string `json:"files" example:"[\"model.json\",\"weights.bin\"]"`
	// Total size of the artifact in bytes.
	// example: 2048
	SizeBytes int64 `json:"size_bytes" example:"2048"`
	// Last modification of model.json (unix seconds).
	// example: 1700000000
	UpdatedUnix int64 `json:"updated_unix" example:"1700000000"`
}
