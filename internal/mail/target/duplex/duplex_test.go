package duplex

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fenilsonani/mailmap/internal/config"
	serverpkg "github.com/fenilsonani/mailmap/internal/duplex"
	"github.com/fenilsonani/mailmap/internal/logging"
	"github.com/fenilsonani/mailmap/internal/mail"
)

func startTestServer(t *testing.T, port int) *serverpkg.Server {
	t.Helper()
	cfg := config.DuplexConfig{Host: "127.0.0.1", Port: port}
	s := serverpkg.New(cfg, nil, "", logging.Default())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go s.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, _, err := websocket.DefaultDialer.Dial(wsURL(port), nil); err == nil {
			conn.Close()
			return s
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("duplex server never became ready")
	return nil
}

func wsURL(port int) string {
	return "ws://127.0.0.1:" + strconv.Itoa(port) + "/"
}

// fakeExtension dials the server and replies to every request it
// receives with respond, simulating the Thunderbird extension side.
func fakeExtension(t *testing.T, port int, respond func(req serverpkg.Request) serverpkg.Response) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(port), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	conn.ReadMessage() // drain the connected event

	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req serverpkg.Request
			if err := json.Unmarshal(raw, &req); err != nil {
				continue
			}
			resp := respond(req)
			data, _ := json.Marshal(resp)
			conn.WriteMessage(websocket.TextMessage, data)
		}
	}()
	return conn
}

func TestConnectResolvesLocalAccountID(t *testing.T) {
	port := 19761
	s := startTestServer(t, port)
	fakeExtension(t, port, func(req serverpkg.Request) serverpkg.Response {
		if req.Action != serverpkg.ActionListAccounts {
			return serverpkg.FailureResponse(req.ID, "unexpected action")
		}
		return serverpkg.SuccessResponse(req.ID, map[string]any{
			"accounts": []any{
				map[string]any{"id": "account1", "type": "imap"},
				map[string]any{"id": "account2", "type": "none"},
			},
		})
	})

	target := New(s, "local")
	if err := target.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if target.accountID != "account2" {
		t.Errorf("accountID = %q, want account2", target.accountID)
	}
}

func TestMoveRelaysMessageIDToExtension(t *testing.T) {
	port := 19762
	s := startTestServer(t, port)
	fakeExtension(t, port, func(req serverpkg.Request) serverpkg.Response {
		switch req.Action {
		case serverpkg.ActionListAccounts:
			return serverpkg.SuccessResponse(req.ID, map[string]any{
				"accounts": []any{map[string]any{"id": "acct", "type": "none"}},
			})
		case serverpkg.ActionMoveMessages:
			ids, _ := req.Params["messageIds"].([]any)
			if len(ids) != 1 || ids[0] != "<msg@example.com>" {
				return serverpkg.FailureResponse(req.ID, "wrong message id")
			}
			return serverpkg.SuccessResponse(req.ID, map[string]any{"moved": true})
		default:
			return serverpkg.FailureResponse(req.ID, "unexpected action")
		}
	})

	target := New(s, "local")
	if err := target.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	env := mail.Envelope{MessageID: "<msg@example.com>"}
	if err := target.Move(context.Background(), env, "Work"); err != nil {
		t.Fatalf("Move: %v", err)
	}
}
