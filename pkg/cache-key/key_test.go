package cachekey

import (
	"net/http"
	"testing"
)

func TestRequestFromKey(t *testing.T) {
	r, _ := http.NewRequest("GET", "/page?x=1", nil)
	key, err := FromRequest(r)
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := Parse(key.String())
	if err != nil {
		t.Fatalf("%s: %s", key, err)
	}
	req, err := parsed.Request()
	if err != nil {
		t.Fatalf("%s: %s", key, err)
	}
	if url := req.URL.String(); url != "/page?x=1" {
		t.Fatalf("Created request url for key %s is %s", key, url)
	}
}

func TestMutationsHaveNoKey(t *testing.T) {
	for _, method := range []string{"POST", "PUT", "PATCH", "DELETE", "HEAD"} {
		r, _ := http.NewRequest(method, "/page", nil)
		if _, err := FromRequest(r); err != ErrorMethodNotSupported {
			t.Fatalf("%s: expected method not supported, got %v", method, err)
		}
	}
	if _, err := Parse("POST /page"); err != ErrorMethodNotSupported {
		t.Fatalf("Expected method not supported, got %v", err)
	}
}

func TestResolve(t *testing.T) {
	cases := map[string]string{
		"./":                 "GET /",
		"index.html":         "GET /index.html",
		"/styles.css":        "GET /styles.css",
		"icons/icon-72.png":  "GET /icons/icon-72.png",
		"https://cdn.test/a": "GET https://cdn.test/a",
	}
	for ref, expected := range cases {
		key, err := Resolve("GET", ref)
		if err != nil {
			t.Fatalf("%s: %v", ref, err)
		}
		if key.String() != expected {
			t.Fatalf("%s resolved to %s, expected %s", ref, key, expected)
		}
	}
}

func TestAbsoluteRequestKeepsOrigin(t *testing.T) {
	r, _ := http.NewRequest("GET", "https://fonts.test/font.woff2", nil)
	key, _ := FromRequest(r)
	if key.URL != "https://fonts.test/font.woff2" {
		t.Fatalf("Key url is %s", key.URL)
	}
}

func TestPathOnly(t *testing.T) {
	key := Key{Method: "GET", URL: "/app.js?v=3"}
	if p, ok := key.PathOnly(); !ok || p.URL != "/app.js" {
		t.Fatalf("Path only key is %s", p)
	}
	if _, ok := (Key{Method: "GET", URL: "/app.js"}).PathOnly(); ok {
		t.Fatal("Key without query reported a path-only variant")
	}
}
