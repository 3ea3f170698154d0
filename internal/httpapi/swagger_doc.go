//go:build swagger

package httpapi

// openAPIDoc mirrors the annotations in cmd/tfview/docs.go.
const openAPIDoc = `{
  "swagger": "2.0",
  "info": {
    "title": "tfview API",
    "description": "Live training visualizations: viewer socket, published models and event ingest.",
    "version": "1.0"
  },
  "basePath": "/",
  "schemes": ["http"],
  "paths": {
    "/models": {
      "get": {
        "summary": "List published model artifacts",
        "produces": ["application/json"],
        "responses": {
          "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.ModelsResponse"}},
          "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
        }
      }
    },
    "/events": {
      "post": {
        "summary": "Emit an event to every viewer and record it for replay",
        "consumes": ["application/json"],
        "produces": ["application/json"],
        "parameters": [{"in": "body", "name": "body", "required": true, "schema": {"$ref": "#/definitions/types.EmitRequest"}}],
        "responses": {
          "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/types.EmitResponse"}},
          "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
          "415": {"description": "Unsupported Media Type", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
          "503": {"description": "Publisher not open", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
        }
      }
    },
    "/status": {
      "get": {
        "summary": "Publisher status",
        "produces": ["application/json"],
        "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/types.StatusResponse"}}}
      }
    },
    "/healthz": {"get": {"summary": "Liveness probe", "responses": {"200": {"description": "ok"}}}},
    "/readyz": {
      "get": {
        "summary": "Readiness probe",
        "responses": {"200": {"description": "ready"}, "503": {"description": "not open"}}
      }
    },
    "/socket": {"get": {"summary": "Viewer websocket", "responses": {"101": {"description": "Switching Protocols"}}}}
  },
  "definitions": {
    "types.Model": {
      "type": "object",
      "properties": {
        "name": {"type": "string"},
        "url": {"type": "string"},
        "files": {"type": "array", "items": {"type": "string"}},
        "size_bytes": {"type": "integer"},
        "updated_unix": {"type": "integer"}
      }
    },
    "types.ModelsResponse": {
      "type": "object",
      "properties": {"models": {"type": "array", "items": {"$ref": "#/definitions/types.Model"}}}
    },
    "types.ErrorResponse": {
      "type": "object",
      "properties": {"error": {"type": "string"}, "code": {"type": "integer"}}
    },
    "types.EmitRequest": {
      "type": "object",
      "properties": {"name": {"type": "string"}, "payload": {"type": "object"}, "replace": {"type": "boolean"}}
    },
    "types.EmitResponse": {
      "type": "object",
      "properties": {"name": {"type": "string"}, "replay_len": {"type": "integer"}}
    },
    "types.StatusResponse": {
      "type": "object",
      "properties": {
        "open": {"type": "boolean"},
        "model": {"type": "string"},
        "model_url": {"type": "string"},
        "model_updated_unix": {"type": "integer"},
        "viewers": {"type": "integer"},
        "replay_len": {"type": "integer"},
        "replay_limit": {"type": "integer"},
        "emitted_total": {"type": "integer"},
        "uptime_seconds": {"type": "integer"},
        "server_time_unix": {"type": "integer"}
      }
    }
  }
}`
