package main

// General API documentation for swaggo. The served document is internal/httpapi/swagger_doc.go; build with -tags=swagger to mount /swagger/
//
// @title           TfView API
// @version         1.0
// @description     Live training visualization publisher: dashboard, artifacts and event ingest.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
