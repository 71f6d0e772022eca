package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"

	"github.com/cuemby/runway/pkg/codec"
	"github.com/cuemby/runway/pkg/errdefs"
	"github.com/cuemby/runway/pkg/log"
	"github.com/cuemby/runway/pkg/metrics"
	"github.com/cuemby/runway/pkg/resource"
	"github.com/cuemby/runway/pkg/types"
	"github.com/cuemby/runway/pkg/worker"
	"github.com/labstack/echo/v4"
)

func (s *Server) handleCall(c echo.Context) error {
	name, method := c.Param("resource"), c.Param("method")

	res, err := s.table.Get(name)
	if err != nil {
		return err
	}

	req, err := bindCall(c)
	if err != nil {
		return err
	}
	payload, err := codec.DecodePayload(req.Serialization, req.Data)
	if err != nil {
		return &serializationError{err: err}
	}

	run, err := s.start(res, method, req, payload)
	if err != nil {
		return err
	}
	c.Response().Header().Set(HeaderRunKey, run.Key)

	switch {
	case req.StreamLogs:
		return s.stream(c, run)
	case req.RunAsync:
		return c.JSON(http.StatusAccepted, runStarted(run))
	default:
		return s.wait(c, run)
	}
}

// bindCall reads a CallRequest from a POST body, or from query parameters
// (args, kwargs as JSON) for GET
func bindCall(c echo.Context) (*types.CallRequest, error) {
	r := c.Request()
	req := &types.CallRequest{}

	if r.Method == http.MethodGet {
		var args []any
		var kwargs map[string]any
		if v := c.QueryParam("args"); v != "" {
			if err := codec.DecodeJSON([]byte(v), &args); err != nil {
				return nil, &serializationError{err: fmt.Errorf("args must be a JSON array: %w", err)}
			}
		}
		if v := c.QueryParam("kwargs"); v != "" {
			if err := codec.DecodeJSON([]byte(v), &kwargs); err != nil {
				return nil, &serializationError{err: fmt.Errorf("kwargs must be a JSON object: %w", err)}
			}
		}
		data, err := codec.EncodePayload(types.SerializationJSON, args, kwargs)
		if err != nil {
			return nil, &serializationError{err: err}
		}
		req.Data = data
		req.Serialization = types.SerializationJSON
		req.StreamLogs = queryBool(c, "stream_logs")
		req.RunAsync = queryBool(c, "run_async")
		req.RunName = c.QueryParam("run_name")
		return req, nil
	}

	if err := json.NewDecoder(r.Body).Decode(req); err != nil && !errors.Is(err, io.EOF) {
		return nil, &serializationError{err: fmt.Errorf("malformed call body: %w", err)}
	}
	req.Serialization = codec.Normalize(req.Serialization)
	if !codec.Valid(req.Serialization) {
		return nil, &serializationError{err: fmt.Errorf("unsupported serialization %q", req.Serialization)}
	}
	return req, nil
}

// start registers a run and queues it on the worker pool. The run's context
// derives from the server, not the request.
func (s *Server) start(res resource.Resource, method string, req *types.CallRequest, payload *types.Payload) (*Run, error) {
	ctx, cancel := context.WithCancel(s.ctx)

	run, err := s.runs.Create(req.RunName, res.Spec().Name, method, cancel)
	if err != nil {
		cancel()
		return nil, err
	}

	ser := req.Serialization
	err = s.pool.Submit(ctx, func(ctx context.Context) {
		s.execute(ctx, run, res, method, ser, payload)
	})
	if err != nil {
		run.finish(RunFailed, exception(TypeInternal, err.Error(), ""))
		return nil, err
	}
	return run, nil
}

func (s *Server) execute(ctx context.Context, run *Run, res resource.Resource, method string, ser types.Serialization, payload *types.Payload) {
	spec := res.Spec()
	logger := log.WithRun(run.Key)
	timer := metrics.NewTimer()
	s.touch()

	logger.Debug().Str("resource", spec.Name).Str("method", method).Msg("call started")

	out, err := s.invoke(ctx, run, res, method, payload)
	env, status := resultEnvelope(out, err, ser)

	timer.ObserveDurationVec(metrics.DispatchCallDuration, spec.Name)
	metrics.DispatchCallsTotal.WithLabelValues(spec.Name, method, string(status)).Inc()

	if env.Error != nil {
		logger.Warn().
			Str("resource", spec.Name).
			Str("method", method).
			Str("error_type", env.ErrorType).
			Str("error", *env.Error).
			Msg("call raised")
	} else {
		logger.Debug().Dur("duration", timer.Duration()).Msg("call finished")
	}

	run.finish(status, env)
	s.touch()
}

// invoke runs the method once, or once per rank for multiprocess resources.
// Panics in resource code come back as Panic exceptions with a traceback.
func (s *Server) invoke(ctx context.Context, run *Run, res resource.Resource, method string, payload *types.Payload) (any, error) {
	spec := res.Spec()

	call := func(ctx context.Context, rank, world int) (out any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &errdefs.RemoteError{
					Type:      errdefs.TypePanic,
					Message:   fmt.Sprint(r),
					Traceback: string(debug.Stack()),
				}
			}
		}()

		inv := &resource.Invocation{
			Method:    method,
			Args:      payload.Args,
			Kwargs:    payload.Kwargs,
			Rank:      rank,
			WorldSize: world,
			Log: func(stream, line string) {
				if world > 1 {
					line = fmt.Sprintf("[rank %d] %s", rank, line)
				}
				metrics.LogChunksTotal.Inc()
				run.appendLog(stream, line)
			},
		}
		return res.Invoke(ctx, inv)
	}

	if spec.DistributionMode == types.DistributionMultiprocess && spec.Replicas > 1 {
		return worker.FanOut(ctx, spec.Replicas, func(ctx context.Context, rank int) (any, error) {
			return call(ctx, rank, spec.Replicas)
		})
	}
	return call(ctx, 0, 1)
}

func resultEnvelope(out any, err error, ser types.Serialization) (*types.ResultEnvelope, RunStatus) {
	if err != nil {
		env := errorEnvelope(err)
		if env.ErrorType == errdefs.TypeCancelled {
			return env, RunCancelled
		}
		return env, RunFailed
	}

	data, err := codec.Encode(ser, out)
	if err != nil {
		return exception(errdefs.TypeSerialization, err.Error(), ""), RunFailed
	}

	// none passes a plain string through; everything else was serialized
	env := &types.ResultEnvelope{
		Data:          data,
		OutputType:    types.OutputResultSerialized,
		Serialization: ser,
	}
	if ser == types.SerializationNone {
		env.OutputType = types.OutputResult
	}
	return env, RunCompleted
}

// wait writes the terminal envelope. A client that goes away gets nothing;
// the run keeps going and its result stays under the run key.
func (s *Server) wait(c echo.Context, run *Run) error {
	select {
	case <-run.Done():
		return c.JSON(http.StatusOK, run.Result())
	case <-c.Request().Context().Done():
		logger := log.WithRun(run.Key)
		logger.Debug().Msg("client disconnected, run continues")
		return nil
	}
}

// stream writes log_chunk envelopes as NDJSON followed by the terminal
// envelope
func (s *Server) stream(c echo.Context, run *Run) error {
	w := c.Response()
	w.Header().Set(echo.HeaderContentType, MIMEApplicationNDJSON)
	w.WriteHeader(http.StatusOK)
	w.Flush()

	enc := json.NewEncoder(w)
	res, err := run.follow(c.Request().Context(), 0, func(chunk types.LogChunk) error {
		line, _ := json.Marshal(chunk.Line)
		env := &types.ResultEnvelope{
			Data:       line,
			OutputType: types.OutputLogChunk,
			Stream:     chunk.Stream,
			RunKey:     run.Key,
		}
		if err := enc.Encode(env); err != nil {
			return err
		}
		w.Flush()
		return nil
	})
	if err != nil {
		logger := log.WithRun(run.Key)
		logger.Debug().Err(err).Msg("log stream closed, run continues")
		return nil
	}

	if err := enc.Encode(res); err == nil {
		w.Flush()
	}
	return nil
}
