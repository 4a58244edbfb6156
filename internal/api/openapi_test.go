package api

import (
	"encoding/json"
	"testing"
)

func TestBuildOpenAPIDoc(t *testing.T) {
	doc := buildOpenAPIDoc("", nil)

	if doc["openapi"] != "3.1.0" {
		t.Errorf("expected openapi 3.1.0, got %v", doc["openapi"])
	}
	if title := doc["info"].(map[string]any)["title"]; title != "overseer" {
		t.Errorf("expected default title, got %v", title)
	}
	paths := doc["paths"].(map[string]any)
	if len(paths) != 5 {
		t.Errorf("expected 5 fixed paths, got %d", len(paths))
	}

	doc = buildOpenAPIDoc("prod", []string{"echo", "resize"})
	paths = doc["paths"].(map[string]any)
	if len(paths) != 7 {
		t.Fatalf("expected 7 paths, got %d", len(paths))
	}

	echo, ok := paths["/submissions/echo"].(map[string]any)
	if !ok {
		t.Fatal("expected /submissions/echo path")
	}
	post := echo["post"].(map[string]any)
	if post["operationId"] != "submit__echo" {
		t.Errorf("expected operationId submit__echo, got %v", post["operationId"])
	}
	if _, ok := post["requestBody"]; !ok {
		t.Error("expected request body on submit operation")
	}

	// The document must serialize.
	if _, err := json.Marshal(doc); err != nil {
		t.Fatalf("marshal: %v", err)
	}
}
