// internal/driver/httpmeta.go
package driver

import (
	"fmt"
	"sort"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
)

// metaRecorder keeps the request and response of the last main frame
// document load, the record exposed to driver scripts as page.httpMeta.
type metaRecorder struct {
	mu      sync.Mutex
	frameID cdp.FrameID

	requestID network.RequestID
	request   map[string]any
	// response is nil until headers arrive and again after a failed load.
	response map[string]any
}

func newMetaRecorder(frameID cdp.FrameID) *metaRecorder {
	return &metaRecorder{frameID: frameID, request: map[string]any{}}
}

// setFrame points the recorder at a new main frame and drops the record.
func (m *metaRecorder) setFrame(frameID cdp.FrameID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frameID = frameID
	m.requestID = ""
	m.request = map[string]any{}
	m.response = nil
}

// reset drops the current record.
func (m *metaRecorder) reset() {
	m.setFrame(m.currentFrame())
}

func (m *metaRecorder) currentFrame() cdp.FrameID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frameID
}

// handle consumes CDP target events.
func (m *metaRecorder) handle(ev any) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		m.onRequest(e)
	case *network.EventResponseReceived:
		m.onResponse(e)
	case *network.EventLoadingFailed:
		m.onFailure(e)
	}
}

func (m *metaRecorder) onRequest(e *network.EventRequestWillBeSent) {
	if e.Request == nil || e.Type != network.ResourceTypeDocument {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.FrameID != m.frameID {
		return
	}
	// Redirect hops keep the request of the original navigation.
	if e.RedirectResponse != nil && e.RequestID == m.requestID {
		return
	}
	if e.Request.URL == BlankURL {
		return
	}
	m.requestID = e.RequestID
	m.request = map[string]any{
		"url":     e.Request.URL,
		"method":  e.Request.Method,
		"headers": headerPairs(e.Request.Headers),
	}
	m.response = nil
}

func (m *metaRecorder) onResponse(e *network.EventResponseReceived) {
	if e.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.RequestID != m.requestID {
		return
	}
	m.response = map[string]any{
		"url":         e.Response.URL,
		"status_code": e.Response.Status,
		"headers":     headerPairs(e.Response.Headers),
	}
}

func (m *metaRecorder) onFailure(e *network.EventLoadingFailed) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.RequestID != m.requestID || e.Canceled {
		return
	}
	m.response = nil
}

// snapshot returns the record in the page.httpMeta shape.
func (m *metaRecorder) snapshot() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	req := make(map[string]any, len(m.request))
	for k, v := range m.request {
		req[k] = v
	}
	meta := map[string]any{"request": req, "response": nil}
	if m.response != nil {
		resp := make(map[string]any, len(m.response))
		for k, v := range m.response {
			resp[k] = v
		}
		meta["response"] = resp
	}
	return meta
}

// headerPairs flattens CDP headers into name-sorted pairs.
func headerPairs(h network.Headers) []any {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	pairs := make([]any, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, map[string]any{"name": name, "value": headerValue(h[name])})
	}
	return pairs
}

func headerValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
