package api

import (
	"fmt"
)

var bearerSecurity = []any{map[string]any{"BearerAuth": []string{}}}

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the API, with one submit
// operation per configured worker.
func buildOpenAPIDoc(title string, workers []string) map[string]any {
	if title == "" {
		title = "overseer"
	}

	paths := map[string]any{
		"/healthz": map[string]any{
			"get": map[string]any{
				"operationId": "healthz",
				"summary":     "Liveness and load",
				"responses": map[string]any{
					"200": map[string]any{"description": "Healthy"},
					"503": map[string]any{"description": "Shutting down"},
				},
			},
		},
		"/submissions": map[string]any{
			"get": operation("listSubmissions", "List recorded submissions", "submissions",
				map[string]any{"200": map[string]any{"description": "Submissions, newest first"}}),
		},
		"/submissions/{id}": map[string]any{
			"get": operation("getSubmission", "Get one submission", "submissions",
				map[string]any{
					"200": map[string]any{"description": "Submission"},
					"404": map[string]any{"description": "Not found"},
				}),
		},
		"/status": map[string]any{
			"get": operation("status", "Supervisor load and history counts", "ops",
				map[string]any{"200": map[string]any{"description": "Status report"}}),
		},
		"/events": map[string]any{
			"get": operation("events", "Server-sent lifecycle events", "ops",
				map[string]any{"200": map[string]any{"description": "text/event-stream"}}),
		},
	}

	for _, name := range workers {
		op := operation(fmt.Sprintf("submit__%s", name), fmt.Sprintf("Submit to %s", name), name,
			map[string]any{
				"200": map[string]any{"description": "Finished (with ?wait=true)"},
				"202": map[string]any{"description": "Accepted"},
				"400": map[string]any{"description": "Bad request"},
				"403": map[string]any{"description": "Insufficient scope"},
			})
		op["parameters"] = []any{map[string]any{
			"name":     "wait",
			"in":       "query",
			"required": false,
			"schema":   map[string]any{"type": "boolean"},
		}}
		op["requestBody"] = map[string]any{
			"required": false,
			"content": map[string]any{
				"application/json": map[string]any{
					"schema": map[string]any{
						"type":       "object",
						"properties": map[string]any{"input": map[string]any{}},
					},
				},
			},
		}
		paths["/submissions/"+name] = map[string]any{"post": op}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   title,
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

func operation(id, summary, tag string, responses map[string]any) map[string]any {
	return map[string]any{
		"operationId": id,
		"summary":     summary,
		"tags":        []string{tag},
		"responses":   responses,
		"security":    bearerSecurity,
	}
}
