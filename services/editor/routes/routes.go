// Copyright (C) 2025 Redline Labs (engineering@redline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routes maps the editor HTTP surface onto its handlers.
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/redline-ai/redline/services/editor/handlers"
)

// SetupRoutes registers every endpoint on the router.
//
//	GET    /health                   liveness and live stream count
//	GET    /metrics                  prometheus scrape endpoint
//	POST   /v1/documents             ingest a content source
//	GET    /v1/documents             list stored documents
//	GET    /v1/documents/:id         fetch one document
//	DELETE /v1/documents?source=...  delete documents by source
//	POST   /v1/streams               start an edit stream (SSE)
//	POST   /v1/streams/:id/cancel    cancel a live stream
//	GET    /v1/streams/ws            websocket edit protocol
func SetupRoutes(router *gin.Engine, api *handlers.API) {
	router.GET("/health", api.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		v1.POST("/documents", api.CreateDocument)
		v1.GET("/documents", api.ListDocuments)
		v1.GET("/documents/:id", api.GetDocument)
		v1.DELETE("/documents", api.DeleteBySource)

		v1.POST("/streams", api.StartEditStream)
		v1.POST("/streams/:id/cancel", api.CancelStream)
		v1.GET("/streams/ws", api.EditSocket)
	}
}
