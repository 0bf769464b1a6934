package natsrpc

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nlqhq/nlq/internal/datasource"
	"github.com/nlqhq/nlq/internal/engine"
	"github.com/nlqhq/nlq/internal/llm"
	"github.com/nlqhq/nlq/internal/semantic"
	"github.com/nlqhq/nlq/internal/tool"
	"github.com/nlqhq/nlq/pkg/types"
)

type staticBackend string

func (b staticBackend) Generate(ctx context.Context, prompt string) (llm.Result, error) {
	return llm.Result{Text: string(b)}, nil
}

type stubQuerier struct {
	err error
}

func (q stubQuerier) Query(ctx context.Context, query string) (*datasource.ResultSet, error) {
	if q.err != nil {
		return nil, q.err
	}
	return &datasource.ResultSet{Columns: []string{"n"}, Rows: [][]any{{int64(7)}}}, nil
}

type captureSink struct {
	recs []types.AttemptRecord
}

func (s *captureSink) Record(rec types.AttemptRecord) { s.recs = append(s.recs, rec) }

func newRuntime(answer string, q engine.Querier, sink engine.Sink) *tool.Runtime {
	sc := &semantic.Context{Tool: "data_query", Table: "health"}
	eng := engine.New(sc, staticBackend(answer), q, sink, engine.Options{Tool: "data_query"}, nil)
	return &tool.Runtime{Name: "data_query", Engine: eng}
}

func TestHandleSuccess(t *testing.T) {
	sink := &captureSink{}
	rt := newRuntime("SELECT COUNT(*) AS n FROM health", stubQuerier{}, sink)

	reply := handle(context.Background(), rt, []byte(`{"question":"how many rows?","client":"cli","request_id":"r1"}`))

	var out types.QueryOutcome
	require.NoError(t, json.Unmarshal(reply, &out))
	require.True(t, out.Success)
	require.Equal(t, "r1", out.RequestID)
	require.Equal(t, []string{"n"}, out.Columns)
	require.Equal(t, 1, out.RowCount)
	require.Len(t, sink.recs, 1)
	require.Equal(t, "cli", sink.recs[0].Client)
}

func TestHandleFailureIsOutcomeNotError(t *testing.T) {
	rt := newRuntime("SELECT nope FROM health", stubQuerier{err: errors.New("no such column: nope")}, nil)

	reply := handle(context.Background(), rt, []byte(`{"question":"q"}`))

	var out types.QueryOutcome
	require.NoError(t, json.Unmarshal(reply, &out))
	require.False(t, out.Success)
	require.Equal(t, []types.FailedQuery{{SQL: "SELECT nope FROM health", Error: "no such column: nope"}}, out.Diagnostics.Errors)
}

func TestHandleRejectsBadRequests(t *testing.T) {
	rt := newRuntime("SELECT 1", stubQuerier{}, nil)
	for input, want := range map[string]string{
		`{`:                  "invalid request",
		`{"question":"  "}`: "question required",
	} {
		var reply errorReply
		require.NoError(t, json.Unmarshal(handle(context.Background(), rt, []byte(input)), &reply))
		require.Contains(t, reply.Error, want, input)
	}
}

func TestHandleCancelled(t *testing.T) {
	rt := newRuntime("SELECT 1", stubQuerier{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var reply errorReply
	require.NoError(t, json.Unmarshal(handle(ctx, rt, []byte(`{"question":"q"}`)), &reply))
	require.Equal(t, context.Canceled.Error(), reply.Error)
}

func TestSubject(t *testing.T) {
	s := New(nil, tool.NewRegistry(), "nlq", "nlq", nil)
	require.Equal(t, "nlq.data_query", s.Subject("data_query"))
	require.Error(t, s.Start(context.Background()))
}

func TestTrackRefusedAfterClose(t *testing.T) {
	s := New(nil, tool.NewRegistry(), "nlq", "nlq", nil)
	require.True(t, s.track())
	s.inflight.Done()

	require.NoError(t, s.Close())
	require.False(t, s.track())

	// Close must not block on a request refused after shutdown.
	require.NoError(t, s.Close())
}

func TestCloseWaitsForTrackedRequests(t *testing.T) {
	s := New(nil, tool.NewRegistry(), "nlq", "nlq", nil)
	require.True(t, s.track())

	closed := make(chan struct{})
	go func() {
		_ = s.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned with a request still in flight")
	case <-time.After(50 * time.Millisecond):
	}
	s.inflight.Done()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close did not return after the request finished")
	}
	require.False(t, s.track())
}
