package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/inbucket/smtp2tg/pkg/config"
	"github.com/inbucket/smtp2tg/pkg/extension"
	"github.com/inbucket/smtp2tg/pkg/msghub"
	"github.com/inbucket/smtp2tg/pkg/server/web"
)

var routesOnce sync.Once

func testRestGet(url string) (*httptest.ResponseRecorder, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Accept", "application/json")
	return testServe(req), nil
}

func testServe(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	web.Router.ServeHTTP(w, req)
	return w
}

func testConfig() *config.Root {
	return &config.Root{
		SMTP: config.SMTP{Bind: "127.0.0.1", Port: 2525},
		Telegram: config.Telegram{
			ChatID:      "-1001",
			ChunkSize:   4096,
			MaxAttempts: 3,
		},
		Web: config.Web{Addr: "127.0.0.1:9025", MonitorHistory: 5},
	}
}

// setupWebServer points the shared router at a fresh, running msghub.
func setupWebServer(t *testing.T) (*msghub.Hub, *extension.Host) {
	t.Helper()
	routesOnce.Do(func() {
		SetupRoutes(web.Router.PathPrefix("/api/").Subrouter())
	})
	host := extension.NewHost()
	hub := msghub.New(testConfig().Web.MonitorHistory, host)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Start(ctx)
	t.Cleanup(cancel)
	web.NewServer(testConfig(), hub)
	return hub, host
}

func decodedNumberEquals(t *testing.T, json any, path string, want float64) {
	t.Helper()
	els := strings.Split(path, "/")
	val, msg := getDecodedPath(json, els...)
	if msg != "" {
		t.Errorf("JSON result%s", msg)
		return
	}
	got, ok := val.(float64)
	if ok {
		if got == want {
			return
		}
	}
	t.Errorf("JSON result/%s == %v (%T) %v (int64),\nwant: %v / %v",
		path, val, val, int64(got), want, int64(want))
}

func decodedStringEquals(t *testing.T, json any, path string, want string) {
	t.Helper()
	els := strings.Split(path, "/")
	val, msg := getDecodedPath(json, els...)
	if msg != "" {
		t.Errorf("JSON result%s", msg)
		return
	}
	if got, ok := val.(string); ok {
		if got == want {
			return
		}
	}
	t.Errorf("JSON result/%s == %v (%T), want: %v", path, val, val, want)
}

// getDecodedPath recursively navigates the specified path, returing the requested element.  If
// something goes wrong, the returned string will contain an explanation.
//
// Named path elements require the parent element to be a map[string]any, numbers in square
// brackets require the parent element to be a []any.
//
//	getDecodedPath(o, "users", "[1]", "name")
//
// is equivalent to the JavaScript:
//
//	o.users[1].name
func getDecodedPath(o any, path ...string) (any, string) {
	if len(path) == 0 {
		return o, ""
	}
	if o == nil {
		return nil, " is nil"
	}
	key := path[0]
	present := false
	var val any
	if key[0] == '[' {
		// Expecting slice.
		index, err := strconv.Atoi(strings.Trim(key, "[]"))
		if err != nil {
			return nil, "/" + key + " is not a slice index"
		}
		oslice, ok := o.([]any)
		if !ok {
			return nil, " is not a slice"
		}
		if index >= len(oslice) {
			return nil, "/" + key + " is out of bounds"
		}
		val, present = oslice[index], true
	} else {
		// Expecting map.
		omap, ok := o.(map[string]any)
		if !ok {
			return nil, " is not a map"
		}
		val, present = omap[key]
	}
	if !present {
		return nil, "/" + key + " is missing"
	}
	result, msg := getDecodedPath(val, path[1:]...)
	if msg != "" {
		return nil, "/" + key + msg
	}
	return result, ""
}
