package verify

import (
	"go.uber.org/zap"

	"github.com/wondertwin-ai/phoneverify/internal/service"
)

// EventSink receives the outcome of every session operation. Each
// operation produces exactly one callback. Callbacks run on worker
// goroutines, or on the caller's goroutine for local rejections, and must
// not add or remove listeners.
type EventSink interface {
	// OnStatusChanged reports a lifecycle change of the active request.
	OnStatusChanged(status Status)
	// OnError reports a domain failure.
	OnError(code service.VerifyError, message string)
	// OnNetworkException reports a transport failure.
	OnNetworkException(err error)
	// OnCommandResult reports the outcome of a command.
	OnCommandResult(cmd service.Command, success bool, code service.VerifyError, message string)
	// OnUserStatus reports the result of a status query.
	OnUserStatus(countryCode, phoneNumber string, status service.UserStatus)
}

// SinkFuncs adapts plain functions to EventSink. Nil fields are skipped.
// Register it by pointer so RemoveListener can find it again.
type SinkFuncs struct {
	StatusChanged    func(Status)
	Error            func(service.VerifyError, string)
	NetworkException func(error)
	CommandResult    func(service.Command, bool, service.VerifyError, string)
	UserStatus       func(string, string, service.UserStatus)
}

func (f *SinkFuncs) OnStatusChanged(s Status) {
	if f.StatusChanged != nil {
		f.StatusChanged(s)
	}
}

func (f *SinkFuncs) OnError(code service.VerifyError, msg string) {
	if f.Error != nil {
		f.Error(code, msg)
	}
}

func (f *SinkFuncs) OnNetworkException(err error) {
	if f.NetworkException != nil {
		f.NetworkException(err)
	}
}

func (f *SinkFuncs) OnCommandResult(cmd service.Command, ok bool, code service.VerifyError, msg string) {
	if f.CommandResult != nil {
		f.CommandResult(cmd, ok, code, msg)
	}
}

func (f *SinkFuncs) OnUserStatus(cc, number string, st service.UserStatus) {
	if f.UserStatus != nil {
		f.UserStatus(cc, number, st)
	}
}

// AddListener registers sink. Adding the same sink twice delivers events twice.
func (s *Session) AddListener(sink EventSink) {
	if sink == nil {
		return
	}
	s.sinksMu.Lock()
	defer s.sinksMu.Unlock()
	s.sinks = append(s.sinks, sink)
}

// RemoveListener unregisters the first registration of sink. Once it
// returns, sink receives no further events.
func (s *Session) RemoveListener(sink EventSink) bool {
	s.sinksMu.Lock()
	defer s.sinksMu.Unlock()
	for i, k := range s.sinks {
		if k == sink {
			s.sinks = append(s.sinks[:i:i], s.sinks[i+1:]...)
			return true
		}
	}
	return false
}

// ClearListeners unregisters every sink.
func (s *Session) ClearListeners() {
	s.sinksMu.Lock()
	defer s.sinksMu.Unlock()
	s.sinks = nil
}

// emit delivers an event to every sink. A panicking sink is logged and
// skipped so the remaining sinks and the caller's Result still complete.
func (s *Session) emit(fn func(EventSink)) {
	s.sinksMu.RLock()
	defer s.sinksMu.RUnlock()
	for _, k := range s.sinks {
		s.deliver(k, fn)
	}
}

func (s *Session) deliver(k EventSink, fn func(EventSink)) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("event sink panicked", zap.Any("panic", r))
		}
	}()
	fn(k)
}
