package cloudtaskmq_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	ctmq "github.com/UniQw/cloudtaskmq-go"
)

func postProcess(t *testing.T, srv *httptest.Server, payload ctmq.DeliveryPayload) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/process", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func TestHandler_ProcessSuccess(t *testing.T) {
	eng, _, _ := newTestEngine(t, oneQueueConfig("q"))
	require.NoError(t, eng.Register(ctmq.ProcessorRegistration{
		Queue: "q",
		Handler: func(context.Context, *ctmq.ProcessContext) (any, error) {
			return map[string]bool{"done": true}, nil
		},
	}))

	srv := httptest.NewServer(eng.Handler())
	defer srv.Close()

	res, err := eng.AddTask(context.Background(), "q", "hello")
	require.NoError(t, err)
	task, err := eng.GetTask(context.Background(), res.TaskID)
	require.NoError(t, err)

	resp := postProcess(t, srv, ctmq.PayloadFor(task))
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.True(t, body["done"])
}

func TestHandler_ProcessStatusCodes(t *testing.T) {
	eng, _, _ := newTestEngine(t, oneQueueConfig("q"))
	boom := errors.New("no luck")
	require.NoError(t, eng.Register(ctmq.ProcessorRegistration{
		Queue:   "q",
		Handler: func(context.Context, *ctmq.ProcessContext) (any, error) { return nil, boom },
	}))

	srv := httptest.NewServer(eng.Handler())
	defer srv.Close()

	t.Run("unknown task is 404", func(t *testing.T) {
		resp := postProcess(t, srv, ctmq.DeliveryPayload{TaskID: "ghost", QueueName: "q"})
		resp.Body.Close()
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("handler failure is 500", func(t *testing.T) {
		res, err := eng.AddTask(context.Background(), "q", "x", ctmq.MaxAttempts(2))
		require.NoError(t, err)
		task, err := eng.GetTask(context.Background(), res.TaskID)
		require.NoError(t, err)

		resp := postProcess(t, srv, ctmq.PayloadFor(task))
		resp.Body.Close()
		require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	})

	t.Run("settled task is 409", func(t *testing.T) {
		res, err := eng.AddTask(context.Background(), "q", "x", ctmq.MaxAttempts(1))
		require.NoError(t, err)
		task, err := eng.GetTask(context.Background(), res.TaskID)
		require.NoError(t, err)

		resp := postProcess(t, srv, ctmq.PayloadFor(task))
		resp.Body.Close()
		require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

		resp = postProcess(t, srv, ctmq.PayloadFor(task))
		resp.Body.Close()
		require.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("malformed body is 400", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/process", "application/json", bytes.NewReader([]byte("{broken")))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("missing taskId is 400", func(t *testing.T) {
		resp := postProcess(t, srv, ctmq.DeliveryPayload{QueueName: "q"})
		resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestHandler_AdminEndpoints(t *testing.T) {
	eng, _, _ := newTestEngine(t, oneQueueConfig("q"))
	require.NoError(t, eng.Register(ctmq.ProcessorRegistration{
		Queue:   "q",
		Handler: func(context.Context, *ctmq.ProcessContext) (any, error) { return "ok", nil },
	}))

	srv := httptest.NewServer(eng.Handler())
	defer srv.Close()

	chain, err := eng.AddChain(context.Background(), "q", []ctmq.ChainEntry{{Data: 1}, {Data: 2}})
	require.NoError(t, err)

	t.Run("task lookup", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/tasks/" + chain.Results[0].TaskID)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var task ctmq.Task
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&task))
		require.Equal(t, chain.Results[0].TaskID, task.ID)
		require.Equal(t, ctmq.StatusIdle, task.Status)
	})

	t.Run("missing task is 404", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/tasks/ghost")
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("chain inspection", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/chains/" + chain.ChainID)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body struct {
			ChainID string       `json:"chainId"`
			Active  bool         `json:"active"`
			Tasks   []*ctmq.Task `json:"tasks"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		require.Equal(t, chain.ChainID, body.ChainID)
		require.True(t, body.Active)
		require.Len(t, body.Tasks, 2)
	})
}
