package handlerregistry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/modelcontext/mcpcore/mcperr"
	"github.com/modelcontext/mcpcore/sessionstore"
)

func testCtx() Context {
	return Context{Context: context.Background(), SessionID: "sess"}
}

func TestPing_AlwaysAvailable(t *testing.T) {
	r := New(nil)
	out, err := r.Dispatch(testCtx(), "ping", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "{}" {
		t.Errorf("ping result = %s, want {}", out)
	}
}

func TestDispatch_UnregisteredMethodIsMethodNotFound(t *testing.T) {
	r := New(nil)
	_, err := r.Dispatch(testCtx(), "nope/nope", nil, nil)
	assertMethodNotFound(t, err)
}

func TestDispatch_GatedMethodWithoutCapabilityIsMethodNotFound(t *testing.T) {
	r := New(nil)
	r.Register("tools/call", "tools", func(Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	_, err := r.Dispatch(testCtx(), "tools/call", nil, map[string]bool{})
	assertMethodNotFound(t, err)
}

func TestDispatch_GatedMethodWithCapabilitySucceeds(t *testing.T) {
	r := New(nil)
	r.Register("tools/call", "tools", func(Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})
	out, err := r.Dispatch(testCtx(), "tools/call", nil, map[string]bool{"tools": true})
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"ok":true}` {
		t.Errorf("got %s", out)
	}
}

func assertMethodNotFound(t *testing.T, err error) {
	t.Helper()
	rpcErr, ok := err.(*mcperr.Error)
	if !ok || rpcErr.Code != mcperr.CodeMethodNotFound {
		t.Fatalf("err = %v, want MethodNotFound", err)
	}
}

type echoIn struct {
	Name string `json:"name"`
}
type echoOut struct {
	Greeting string `json:"greeting"`
}

func TestRegisterTyped_ValidatesAgainstSchema(t *testing.T) {
	r := New(nil)
	schema, err := jsonschema.For[echoIn](nil)
	if err != nil {
		t.Fatal(err)
	}
	err = RegisterTyped(r, "greet", "", schema, func(ctx Context, in echoIn) (echoOut, error) {
		return echoOut{Greeting: "hello " + in.Name}, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	out, err := r.Dispatch(testCtx(), "greet", json.RawMessage(`{"name":"world"}`), nil)
	if err != nil {
		t.Fatal(err)
	}
	var decoded echoOut
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Greeting != "hello world" {
		t.Errorf("greeting = %q", decoded.Greeting)
	}
}

func TestRegisterTyped_UnknownFieldIsInvalidParams(t *testing.T) {
	r := New(nil)
	schema, err := jsonschema.For[echoIn](nil)
	if err != nil {
		t.Fatal(err)
	}
	RegisterTyped(r, "greet", "", schema, func(ctx Context, in echoIn) (echoOut, error) {
		return echoOut{}, nil
	})

	_, err = r.Dispatch(testCtx(), "greet", json.RawMessage(`{"name":"world","extra":1}`), nil)
	rpcErr, ok := err.(*mcperr.Error)
	if !ok || rpcErr.Code != mcperr.CodeInvalidParams {
		t.Fatalf("err = %v, want InvalidParams", err)
	}
}

type item struct {
	Name string
}

type staticLister struct{ items []item }

func (l staticLister) List() []item { return l.items }
func (l staticLister) Get(name string) (item, bool) {
	for _, it := range l.items {
		if it.Name == name {
			return it, true
		}
	}
	return item{}, false
}

func TestAutoDeriveGet_ReturnsMatchingItem(t *testing.T) {
	r := New(nil)
	AutoDeriveGet[item](r, "resources/read", "resources", staticLister{items: []item{{Name: "a"}, {Name: "b"}}}, "resource")

	out, err := r.Dispatch(testCtx(), "resources/read", json.RawMessage(`{"name":"b"}`), map[string]bool{"resources": true})
	if err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		Resource item `json:"resource"`
	}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Resource.Name != "b" {
		t.Errorf("got %+v, want name=b", decoded.Resource)
	}
}

func TestAutoDeriveGet_MissingNameIsResourceMissing(t *testing.T) {
	r := New(nil)
	AutoDeriveGet[item](r, "resources/read", "resources", staticLister{items: []item{{Name: "a"}}}, "resource")

	_, err := r.Dispatch(testCtx(), "resources/read", json.RawMessage(`{"name":"nope"}`), map[string]bool{"resources": true})
	rpcErr, ok := err.(*mcperr.Error)
	if !ok || rpcErr.Code != mcperr.CodeResourceMissing {
		t.Fatalf("err = %v, want ResourceMissing", err)
	}
}

func TestLoggingSetLevel_StoresOnSession(t *testing.T) {
	store := sessionstore.New(nil, nil, sessionstore.DefaultConfig())
	sess, err := store.Create(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	r := New(store.Get)

	_, err = r.Dispatch(Context{Context: context.Background(), SessionID: sess.ID}, "logging/setLevel", json.RawMessage(`{"level":"warning"}`), map[string]bool{"logging": true})
	if err != nil {
		t.Fatal(err)
	}
	if got := sess.LogLevel(); got != "warning" {
		t.Errorf("session log level = %q, want warning", got)
	}
}

func TestLoggingSetLevel_MissingLevelIsInvalidParams(t *testing.T) {
	r := New(nil)
	_, err := r.Dispatch(testCtx(), "logging/setLevel", json.RawMessage(`{}`), map[string]bool{"logging": true})
	rpcErr, ok := err.(*mcperr.Error)
	if !ok || rpcErr.Code != mcperr.CodeInvalidParams {
		t.Fatalf("err = %v, want InvalidParams", err)
	}
}

func TestResourcesSubscribeUnsubscribe_Noop(t *testing.T) {
	r := New(nil)
	for _, method := range []string{"resources/subscribe", "resources/unsubscribe"} {
		out, err := r.Dispatch(testCtx(), method, json.RawMessage(`{"uri":"file:///a"}`), map[string]bool{"resourcesSubscribe": true})
		if err != nil {
			t.Fatalf("%s: %v", method, err)
		}
		if string(out) != "{}" {
			t.Errorf("%s result = %s, want {}", method, out)
		}
	}
}

func TestAutoDeriveList_ReturnsEveryItem(t *testing.T) {
	r := New(nil)
	AutoDeriveList[item](r, "tools/list", "tools", staticLister{items: []item{{Name: "a"}, {Name: "b"}}}, "tools")

	out, err := r.Dispatch(testCtx(), "tools/list", nil, map[string]bool{"tools": true})
	if err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		Tools []item `json:"tools"`
	}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatal(err)
	}
	if len(decoded.Tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(decoded.Tools))
	}
}
