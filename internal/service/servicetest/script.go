// Package servicetest provides a scripted service.Caller for tests.
package servicetest

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/wondertwin-ai/phoneverify/internal/signing"
	"github.com/wondertwin-ai/phoneverify/internal/transport"
)

// Reply is one scripted answer.
type Reply struct {
	// Fields are encoded as the JSON body. timestamp is filled in unless set.
	Fields map[string]any
	// Raw replaces Fields as the body when non-nil.
	Raw []byte
	// Err is returned as a transport failure.
	Err error
	// BadSignature sends a signature that does not match the body.
	BadSignature bool
	// Started is closed when the call arrives; Wait blocks the reply until closed.
	Started chan struct{}
	Wait    <-chan struct{}
}

// Call records one request seen by the script.
type Call struct {
	Method string
	Params map[string]string
}

// Script answers calls from per-method queues of replies. A method with an
// empty queue answers with a transport error.
type Script struct {
	signer *signing.Signer

	mu      sync.Mutex
	queues  map[string][]Reply
	repeats map[string]Reply
	calls   []Call
}

// New creates an empty script whose responses are signed with signer.
func New(signer *signing.Signer) *Script {
	return &Script{
		signer:  signer,
		queues:  make(map[string][]Reply),
		repeats: make(map[string]Reply),
	}
}

// On queues replies for method, answered in order.
func (s *Script) On(method string, replies ...Reply) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[method] = append(s.queues[method], replies...)
	return s
}

// Always answers method with r once its queue is empty.
func (s *Script) Always(method string, r Reply) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repeats[method] = r
	return s
}

// Do implements service.Caller.
func (s *Script) Do(ctx context.Context, req transport.Request) (*transport.Response, error) {
	params := make(map[string]string, len(req.Params))
	for k, v := range req.Params {
		params[k] = v
	}

	s.mu.Lock()
	s.calls = append(s.calls, Call{Method: req.Method, Params: params})
	r, ok := s.next(req.Method)
	s.mu.Unlock()

	if !ok {
		return nil, &transport.Error{Method: req.Method, Err: errors.New("unscripted call")}
	}
	if r.Started != nil {
		close(r.Started)
	}
	if r.Wait != nil {
		select {
		case <-r.Wait:
		case <-ctx.Done():
			return nil, &transport.Error{Method: req.Method, Err: ctx.Err()}
		}
	}
	if r.Err != nil {
		return nil, &transport.Error{Method: req.Method, Err: r.Err}
	}

	body := r.Raw
	if body == nil {
		fields := map[string]any{"timestamp": strconv.FormatInt(time.Now().Unix(), 10)}
		for k, v := range r.Fields {
			fields[k] = v
		}
		var err error
		if body, err = json.Marshal(fields); err != nil {
			return nil, err
		}
	}
	sig := s.signer.SignResponse(body)
	if r.BadSignature {
		sig = "00000000000000000000000000000000"
	}
	return &transport.Response{Body: body, Signature: sig}, nil
}

func (s *Script) next(method string) (Reply, bool) {
	if q := s.queues[method]; len(q) > 0 {
		s.queues[method] = q[1:]
		return q[0], true
	}
	r, ok := s.repeats[method]
	return r, ok
}

// Calls returns the requests seen so far, optionally filtered by method.
func (s *Script) Calls(methods ...string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(methods) == 0 {
		out := make([]Call, len(s.calls))
		copy(out, s.calls)
		return out
	}
	var out []Call
	for _, c := range s.calls {
		for _, m := range methods {
			if c.Method == m {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// Count returns how many calls were made to method.
func (s *Script) Count(method string) int {
	return len(s.Calls(method))
}

// Token is an OK token reply.
func Token(tok string) Reply {
	return Reply{Fields: map[string]any{"result_code": 0, "token": tok}}
}

// Status is a reply with the given result code and user status.
func Status(code int, userStatus string) Reply {
	return Reply{Fields: map[string]any{"result_code": code, "user_status": userStatus}}
}

// Result is a reply carrying only a result code and message.
func Result(code int, message string) Reply {
	return Reply{Fields: map[string]any{"result_code": code, "result_message": message}}
}
