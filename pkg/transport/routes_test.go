package transport

import "testing"

func TestRoutes_LastRegistrationWins(t *testing.T) {
	r := NewRoutes()
	var got string
	r.Handle("worker/hello", func(int16, string) { got = "first" })
	r.Handle("worker/hello", func(int16, string) { got = "second" })

	if !r.Dispatch(Frame{Header: Header{Route: "worker/hello"}}) {
		t.Fatal("expected a handler")
	}
	if got != "second" {
		t.Errorf("dispatched to %q, want second", got)
	}
}

func TestRoutes_PlainAndLargeAreSeparate(t *testing.T) {
	r := NewRoutes()
	var plain, large int
	var gotLarge []byte
	r.Handle("worker/run", func(status int16, payload string) { plain++ })
	r.HandleLarge("worker/run", func(status int16, payload string, l []byte) {
		large++
		gotLarge = l
	})

	r.Dispatch(Frame{Header: Header{Route: "worker/run"}})
	r.Dispatch(Frame{Header: Header{Route: "worker/run"}, Large: []byte("data")})

	if plain != 1 || large != 1 {
		t.Errorf("plain=%d large=%d, want 1 and 1", plain, large)
	}
	if string(gotLarge) != "data" {
		t.Errorf("large payload = %q", gotLarge)
	}
}

func TestRoutes_MissingHandlerDrops(t *testing.T) {
	r := NewRoutes()
	r.Handle("worker/init", func(int16, string) {})

	// A large frame needs a large handler even when a plain one exists.
	if r.Dispatch(Frame{Header: Header{Route: "worker/init"}, Large: []byte("x")}) {
		t.Error("large frame should not reach a plain handler")
	}
	if r.Dispatch(Frame{Header: Header{Route: "unknown"}}) {
		t.Error("unknown route should not dispatch")
	}
}

func TestRoutes_PassesStatusAndPayload(t *testing.T) {
	r := NewRoutes()
	var status int16
	var payload string
	r.Handle("worker/hello", func(s int16, p string) { status, payload = s, p })

	r.Dispatch(Frame{Header: Header{Route: "worker/hello", Status: 7, Payload: "ok"}})
	if status != 7 || payload != "ok" {
		t.Errorf("got (%d, %q), want (7, ok)", status, payload)
	}
}
