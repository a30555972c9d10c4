package stream

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/adstudio/internal/coordinator"
	"github.com/ashureev/adstudio/internal/domain"
	"github.com/ashureev/adstudio/internal/generation"
	"github.com/ashureev/adstudio/internal/identity"
	"github.com/ashureev/adstudio/internal/store"
)

type fakeConn struct {
	mu     sync.Mutex
	closed []websocket.StatusCode
}

func (c *fakeConn) Close(code websocket.StatusCode, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = append(c.closed, code)
	return nil
}

func (c *fakeConn) closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.closed)
}

func TestRegistryRegister(t *testing.T) {
	reg := NewRegistry()
	conn := &fakeConn{}

	reg.Register("s1", "c1", conn)

	if reg.Active("s1", "c1") != conn {
		t.Fatal("expected registered connection")
	}
	if reg.Count("s1") != 1 {
		t.Errorf("Count = %d, want 1", reg.Count("s1"))
	}
}

func TestRegistryReplaceClosesPrevious(t *testing.T) {
	reg := NewRegistry()
	first, second := &fakeConn{}, &fakeConn{}

	reg.Register("s1", "c1", first)
	reg.Register("s1", "c1", second)

	if first.closes() != 1 {
		t.Errorf("replaced connection closed %d times, want 1", first.closes())
	}
	if reg.Active("s1", "c1") != second {
		t.Error("expected the newer connection to be active")
	}

	// The stale handler unregistering must not drop the live connection.
	reg.Unregister("s1", "c1", first)
	if reg.Active("s1", "c1") != second {
		t.Error("stale unregister removed the live connection")
	}

	reg.Unregister("s1", "c1", second)
	if reg.Active("s1", "c1") != nil || reg.Count("s1") != 0 {
		t.Error("expected no connections after unregister")
	}
}

func TestRegistryCloseSessionAndAll(t *testing.T) {
	reg := NewRegistry()
	a, b, c := &fakeConn{}, &fakeConn{}, &fakeConn{}
	reg.Register("s1", "c1", a)
	reg.Register("s1", "c2", b)
	reg.Register("s2", "c1", c)

	reg.CloseSession("s1", "session completed")
	if a.closes() != 1 || b.closes() != 1 || c.closes() != 0 {
		t.Errorf("unexpected closes: %d %d %d", a.closes(), b.closes(), c.closes())
	}
	if reg.Count("s1") != 0 || reg.Count("s2") != 1 {
		t.Error("CloseSession touched the wrong session")
	}

	reg.CloseAll()
	if c.closes() != 1 || reg.Count("s2") != 0 {
		t.Error("CloseAll left connections behind")
	}
}

func TestRegistryConcurrent(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := &fakeConn{}
			client := "c" + strconv.Itoa(i)
			reg.Register("s1", client, conn)
			reg.Active("s1", client)
			reg.Unregister("s1", client, conn)
		}(i)
	}
	wg.Wait()
	if reg.Count("s1") != 0 {
		t.Errorf("Count = %d, want 0", reg.Count("s1"))
	}
}

func newStreamServer(t *testing.T) (*httptest.Server, *coordinator.Coordinator, *Registry) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "stream.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coord, err := coordinator.New(coordinator.Deps{
		Repo:    repo,
		Backend: generation.NewSimulated(),
		Pricing: generation.Pricing{InputPer1K: 0.003, OutputPer1K: 0.015},
		Logger:  logger,
	}, coordinator.DefaultConfig())
	require.NoError(t, err)

	reg := NewRegistry()
	r := chi.NewRouter()
	r.Use(identity.Middleware(true))
	NewHandler(coord, reg, nil, logger).RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, coord, reg
}

func wsURL(srv *httptest.Server, sessionID string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sessions/" + sessionID
}

func TestStreamTurns(t *testing.T) {
	srv, coord, reg := newStreamServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := coord.StartSession(ctx, coordinator.StartRequest{Description: "Durable insulated bottle"})
	require.NoError(t, err)
	_, err = coord.AnalyzeProduct(ctx, s.SessionID, "")
	require.NoError(t, err)

	conn, _, err := websocket.Dial(ctx, wsURL(srv, s.SessionID), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, wsjson.Write(ctx, conn, Inbound{Type: TypeTurn, Content: "Our customers are students"}))
	var out Outbound
	require.NoError(t, wsjson.Read(ctx, conn, &out))
	require.Equal(t, TypeTurnResult, out.Type)
	require.NotNil(t, out.Result)
	assert.Equal(t, domain.TopicTargetAudience, out.Result.Topic)
	assert.NotEmpty(t, out.Result.Reply)
	assert.Equal(t, 1, reg.Count(s.SessionID))

	require.NoError(t, wsjson.Write(ctx, conn, Inbound{Type: TypeTurn, Content: ""}))
	out = Outbound{}
	require.NoError(t, wsjson.Read(ctx, conn, &out))
	require.Equal(t, TypeError, out.Type)
	assert.Equal(t, "invalid_argument", out.Error.Code)

	require.NoError(t, wsjson.Write(ctx, conn, Inbound{Type: "resize"}))
	out = Outbound{}
	require.NoError(t, wsjson.Read(ctx, conn, &out))
	require.Equal(t, TypeError, out.Type)
	assert.Equal(t, "invalid_argument", out.Error.Code)

	require.NoError(t, wsjson.Write(ctx, conn, Inbound{Type: TypePing}))
	out = Outbound{}
	require.NoError(t, wsjson.Read(ctx, conn, &out))
	assert.Equal(t, TypePong, out.Type)

	require.NoError(t, wsjson.Write(ctx, conn, Inbound{Type: TypeStatus}))
	out = Outbound{}
	require.NoError(t, wsjson.Read(ctx, conn, &out))
	require.Equal(t, TypeStatusInfo, out.Type)
	require.NotNil(t, out.Status)
	assert.Equal(t, 1, out.Status.RateLimit.Count)
}

func TestStreamUnknownSession(t *testing.T) {
	srv, _, _ := newStreamServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, wsURL(srv, "missing"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamUnregistersOnClose(t *testing.T) {
	srv, coord, reg := newStreamServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := coord.StartSession(ctx, coordinator.StartRequest{})
	require.NoError(t, err)

	conn, _, err := websocket.Dial(ctx, wsURL(srv, s.SessionID), nil)
	require.NoError(t, err)
	require.NoError(t, wsjson.Write(ctx, conn, Inbound{Type: TypePing}))
	var out Outbound
	require.NoError(t, wsjson.Read(ctx, conn, &out))
	require.Equal(t, 1, reg.Count(s.SessionID))

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool { return reg.Count(s.SessionID) == 0 }, 2*time.Second, 10*time.Millisecond)
}
