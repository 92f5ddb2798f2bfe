package directory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"gamedo/pkg/domain"
)

func TestClientMapsStatusesToSentinels(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		call   func(c *Client) error
		want   error
	}{
		{
			name:   "conflict on create",
			status: http.StatusConflict,
			body:   `{"error":"already exists"}`,
			call:   func(c *Client) error { return c.CreateCredential(context.Background(), "a@gamedo.com", "pw") },
			want:   domain.ErrAlreadyExists,
		},
		{
			name:   "unauthorized on verify",
			status: http.StatusUnauthorized,
			call: func(c *Client) error {
				_, err := c.VerifyCredential(context.Background(), "a@gamedo.com", "pw")
				return err
			},
			want: domain.ErrInvalidCredential,
		},
		{
			name:   "unauthorized on secret update",
			status: http.StatusUnauthorized,
			call: func(c *Client) error {
				return c.UpdateSecret(context.Background(), Session{Token: "t"}, "pw2")
			},
			want: domain.ErrUnauthenticated,
		},
		{
			name:   "not found on update",
			status: http.StatusNotFound,
			call: func(c *Client) error {
				return c.UpdateDocument(context.Background(), CollectionRooms, "X", Patch{Set("a", 1)})
			},
			want: domain.ErrNotFound,
		},
		{
			name:   "server error is transport",
			status: http.StatusInternalServerError,
			call: func(c *Client) error {
				return c.CreateDocument(context.Background(), CollectionRooms, "X", map[string]any{})
			},
			want: domain.ErrTransport,
		},
		{
			name:   "throttled is transport",
			status: http.StatusTooManyRequests,
			call: func(c *Client) error {
				_, err := c.VerifyCredential(context.Background(), "a@gamedo.com", "pw")
				return err
			},
			want: domain.ErrTransport,
		},
		{
			name:   "malformed body is transport",
			status: http.StatusOK,
			body:   `{not json`,
			call: func(c *Client) error {
				_, err := c.VerifyCredential(context.Background(), "a@gamedo.com", "pw")
				return err
			},
			want: domain.ErrTransport,
		},
		{
			name:   "missing token is transport",
			status: http.StatusOK,
			body:   `{"identity":"a@gamedo.com"}`,
			call: func(c *Client) error {
				_, err := c.VerifyCredential(context.Background(), "a@gamedo.com", "pw")
				return err
			},
			want: domain.ErrTransport,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			err := tt.call(NewClient(srv.URL, time.Second))
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestClientUnreachableIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(url, 500*time.Millisecond)
	if err := c.CreateCredential(context.Background(), "a@gamedo.com", "pw"); !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if _, err := c.Subscribe(context.Background(), CollectionRooms, nil, func([]Document) {}); !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("expected transport error on subscribe, got %v", err)
	}
}

func TestClientSendsBearerAndPatchBody(t *testing.T) {
	var gotAuth string
	var gotPatch patchRequest
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/credentials/secret", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/v1/documents/rooms/SUN-MOON-101", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&gotPatch)
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	if err := c.UpdateSecret(context.Background(), Session{Token: "tok"}, "pw2"); err != nil {
		t.Fatalf("update secret: %v", err)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if err := c.UpdateDocument(context.Background(), CollectionRooms, "SUN-MOON-101", Patch{ArrayUnion("tasks", "x")}); err != nil {
		t.Fatalf("update document: %v", err)
	}
	if len(gotPatch.Ops) != 1 || gotPatch.Ops[0].Op != OpArrayUnion || gotPatch.Ops[0].Path != "tasks" {
		t.Fatalf("unexpected patch body: %+v", gotPatch)
	}
}

func TestClientSubscribeStreamsSnapshots(t *testing.T) {
	gotFilter := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotFilter <- r.URL.Query().Get("createdBy")
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		for _, ids := range [][]string{{"A"}, {"A", "B"}} {
			frame := snapshotFrame{}
			for _, id := range ids {
				frame.Documents = append(frame.Documents, Document{ID: id, Data: map[string]any{"createdBy": "t1"}})
			}
			data, _ := json.Marshal(frame)
			if err := conn.Write(r.Context(), websocket.MessageText, data); err != nil {
				return
			}
		}
		_, _, _ = conn.Read(r.Context())
	}))
	defer srv.Close()

	rec := &snapshotRecorder{}
	c := NewClient(srv.URL, time.Second)
	unsubscribe, err := c.Subscribe(context.Background(), CollectionRooms, Eq("createdBy", "t1"), rec.onChange)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsubscribe()

	if f := <-gotFilter; f != "t1" {
		t.Fatalf("filter not sent, got %q", f)
	}
	waitFor(t, "second snapshot", func() bool {
		docs, n := rec.last()
		return n == 2 && len(docs) == 2
	})
}
