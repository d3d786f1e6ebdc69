package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func postJSONReq(t *testing.T, api *API, path string, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	b, _ := json.Marshal(body)
	rr := httptest.NewRecorder()
	api.mux().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b)))
	return rr
}

func TestApplyEndToEnd(t *testing.T) {
	api, root := newTestAPI(t, nil)
	if err := os.WriteFile(filepath.Join(root, "src.ts"), []byte("export function greet() { return \"hi\"; }\nexport const X = 1;\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	text := "<changes><file_update><file>src.ts</file><operations>" +
		"<block><path><![CDATA[greet]]></path><content><![CDATA[export function greet() { return \"hello\"; }]]></content></block>" +
		"</operations></file_update></changes>"

	rr := postJSONReq(t, api, "/apply", map[string]any{"text": text})
	if rr.Code != http.StatusOK {
		t.Fatalf("code=%d body=%s", rr.Code, rr.Body.String())
	}
	var res struct {
		Results []struct {
			Path    string `json:"path"`
			Applied bool   `json:"applied"`
		} `json:"results"`
		Snapshot string `json:"snapshot"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if len(res.Results) != 1 || !res.Results[0].Applied {
		t.Fatalf("results=%+v", res.Results)
	}
	if !strings.HasSuffix(res.Snapshot, "_ai_change") {
		t.Fatalf("snapshot=%q", res.Snapshot)
	}
	b, _ := os.ReadFile(filepath.Join(root, "src.ts"))
	if !strings.Contains(string(b), "hello") {
		t.Fatalf("file=%q", b)
	}
}

func TestApplyParseErrorTouchesNothing(t *testing.T) {
	api, root := newTestAPI(t, nil)
	before, _ := os.ReadFile(filepath.Join(root, "app.ts"))

	rr := postJSONReq(t, api, "/apply", map[string]any{
		"text": "<changes><change><file>app.ts</file><content>unterminated...",
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("code=%d", rr.Code)
	}
	after, _ := os.ReadFile(filepath.Join(root, "app.ts"))
	if !bytes.Equal(before, after) {
		t.Fatal("no file may be touched on a parse error")
	}
	// no snapshot either
	labels, err := api.snaps.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(labels) != 0 {
		t.Fatalf("snapshots=%v", labels)
	}
}

func TestPreviewProducesDiffWithoutWriting(t *testing.T) {
	api, root := newTestAPI(t, nil)
	text := "<changes><change type=\"update\"><file>app.ts</file><content><![CDATA[const a = 2;\n]]></content></change></changes>"
	rr := postJSONReq(t, api, "/edits/preview", map[string]any{"text": text})
	if rr.Code != http.StatusOK {
		t.Fatalf("code=%d body=%s", rr.Code, rr.Body.String())
	}
	out := rr.Body.String()
	if !strings.Contains(out, "-const a = 1;") || !strings.Contains(out, "+const a = 2;") {
		t.Fatalf("diff missing: %q", out)
	}
	b, _ := os.ReadFile(filepath.Join(root, "app.ts"))
	if string(b) != "const a = 1;\n" {
		t.Fatal("preview must not write")
	}
}
