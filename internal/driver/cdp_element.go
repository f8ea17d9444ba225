// internal/driver/cdp_element.go
package driver

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	json "github.com/json-iterator/go"
)

const (
	xpathSnapshotFn = `function(xpath) {
		var result = document.evaluate(xpath, this, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
		var nodes = [];
		for (var i = 0; i < result.snapshotLength; i++) {
			nodes.push(result.snapshotItem(i));
		}
		return nodes;
	}`

	tagNameFn = `function() { return (this.tagName || '').toLowerCase(); }`

	attributeFn = `function(name) {
		if (!this.hasAttribute || !this.hasAttribute(name)) {
			return {present: false, value: ''};
		}
		return {present: true, value: this.getAttribute(name)};
	}`

	displayedFn = `function() {
		if (!this.isConnected) {
			return false;
		}
		for (var n = this; n && n.nodeType === 1; n = n.parentElement) {
			if (window.getComputedStyle(n).display === 'none') {
				return false;
			}
		}
		var style = window.getComputedStyle(this);
		if (style.visibility === 'hidden' || style.visibility === 'collapse' || style.opacity === '0') {
			return false;
		}
		return this.getClientRects().length > 0;
	}`

	enabledFn = `function() { return !(('disabled' in this) && this.disabled); }`

	rectFn = `function() {
		var r = this.getBoundingClientRect();
		return {x: r.left + window.pageXOffset, y: r.top + window.pageYOffset, width: r.width, height: r.height};
	}`
)

// cdpElement is a node handle identified by its backend node id, which
// stays valid for the node's lifetime and is never reused by a new document.
type cdpElement struct {
	ch *cdpChannel
	id cdp.BackendNodeID
}

var _ Element = (*cdpElement)(nil)

func (e *cdpElement) ID() string {
	return strconv.FormatInt(int64(e.id), 10)
}

func (e *cdpElement) TagName(ctx context.Context) (string, error) {
	var tag string
	if err := e.callInto(ctx, "tag_name", tagNameFn, &tag); err != nil {
		return "", err
	}
	return tag, nil
}

func (e *cdpElement) Attribute(ctx context.Context, name string) (string, bool, error) {
	var attr struct {
		Present bool   `json:"present"`
		Value   string `json:"value"`
	}
	if err := e.callInto(ctx, "get_attribute", attributeFn, &attr, name); err != nil {
		return "", false, err
	}
	return attr.Value, attr.Present, nil
}

func (e *cdpElement) Displayed(ctx context.Context) (bool, error) {
	var shown bool
	err := e.callInto(ctx, "is_displayed", displayedFn, &shown)
	return shown, err
}

func (e *cdpElement) Enabled(ctx context.Context) (bool, error) {
	var enabled bool
	err := e.callInto(ctx, "is_enabled", enabledFn, &enabled)
	return enabled, err
}

func (e *cdpElement) Rect(ctx context.Context) (Rect, error) {
	var r Rect
	err := e.callInto(ctx, "get_rect", rectFn, &r)
	return r, err
}

func (e *cdpElement) FindElements(ctx context.Context, xpath string) ([]Element, error) {
	var els []Element
	err := e.ch.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		obj, err := dom.ResolveNode().WithBackendNodeID(e.id).Do(ctx)
		if err != nil {
			return fmt.Errorf("node %d is gone: %w", e.id, err)
		}
		defer runtime.ReleaseObject(obj.ObjectID).Do(ctx)

		res, exc, err := runtime.CallFunctionOn(applySource(xpathSnapshotFn, xpath)).
			WithObjectID(obj.ObjectID).
			Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return exc
		}
		els, err = e.ch.collectNodes(ctx, res)
		return err
	}))
	if err != nil {
		return nil, NewExecutionError("find_child_elements", err)
	}
	return els, nil
}

// callInto calls fn with the element as `this` and decodes the result.
func (e *cdpElement) callInto(ctx context.Context, op, fn string, out any, args ...any) error {
	var raw json.RawMessage
	err := e.ch.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		obj, err := dom.ResolveNode().WithBackendNodeID(e.id).Do(ctx)
		if err != nil {
			return fmt.Errorf("node %d is gone: %w", e.id, err)
		}
		defer runtime.ReleaseObject(obj.ObjectID).Do(ctx)

		res, exc, err := runtime.CallFunctionOn(applySource(fn, args...)).
			WithObjectID(obj.ObjectID).
			WithReturnByValue(true).
			WithAwaitPromise(true).
			Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return exc
		}
		raw = remoteValue(res)
		return nil
	}))
	if err != nil {
		return NewExecutionError(op, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return NewExecutionError(op, fmt.Errorf("unexpected result %s: %w", raw, err))
	}
	return nil
}

// applySource wraps fn so it is applied to JSON encoded args.
func applySource(fn string, args ...any) string {
	if args == nil {
		args = []any{}
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		encoded = []byte("[]")
	}
	return "function() { return (" + fn + ").apply(this, " + string(encoded) + "); }"
}

// remoteValue returns the JSON value of a by-value remote object.
func remoteValue(obj *runtime.RemoteObject) json.RawMessage {
	if obj == nil || obj.Type == runtime.TypeUndefined || len(obj.Value) == 0 {
		return json.RawMessage("null")
	}
	return json.RawMessage(obj.Value)
}

// collectNodes turns a remote array of DOM nodes into element handles, in
// array order.
func (c *cdpChannel) collectNodes(ctx context.Context, array *runtime.RemoteObject) ([]Element, error) {
	if array == nil || array.ObjectID == "" {
		return nil, nil
	}
	defer runtime.ReleaseObject(array.ObjectID).Do(ctx)

	props, _, _, exc, err := runtime.GetProperties(array.ObjectID).WithOwnProperties(true).Do(ctx)
	if err != nil {
		return nil, err
	}
	if exc != nil {
		return nil, exc
	}

	type indexed struct {
		idx int
		id  cdp.BackendNodeID
	}
	var found []indexed
	for _, p := range props {
		idx, err := strconv.Atoi(p.Name)
		if err != nil || p.Value == nil || p.Value.ObjectID == "" {
			continue
		}
		node, err := dom.DescribeNode().WithObjectID(p.Value.ObjectID).Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to describe node %d: %w", idx, err)
		}
		found = append(found, indexed{idx: idx, id: node.BackendNodeID})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].idx < found[j].idx })

	els := make([]Element, 0, len(found))
	for _, f := range found {
		els = append(els, &cdpElement{ch: c, id: f.id})
	}
	return els, nil
}
