package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"mini-reqresp/codec"
	"mini-reqresp/message"
)

type methodType struct {
	method    reflect.Method
	ArgType   reflect.Type
	ReplyType reflect.Type
}

type receiver struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// Methods dispatches envelope requests to exported methods of registered
// receivers. A method is callable when it has the form
//
//	func (t *T) Name(args *A, reply *R) error
//
// and is addressed as "T.Name". Args and replies are protobuf-encoded when
// their type implements proto.Message, JSON-encoded otherwise.
//
// A method error is returned to the caller inside the reply envelope; only an
// undecodable envelope makes Call fail.
type Methods struct {
	codec codec.Codec

	mu        sync.RWMutex
	receivers map[string]*receiver
}

// NewMethods creates a dispatcher for rcvr. Envelopes use codecType, which must
// be JSON or Binary.
func NewMethods(rcvr any, codecType codec.CodecType) (*Methods, error) {
	if codecType == codec.CodecTypeProto {
		return nil, errors.New("service: envelopes cannot use the proto codec")
	}
	m := &Methods{
		codec:     codec.GetCodec(codecType),
		receivers: make(map[string]*receiver),
	}
	if err := m.Register(rcvr); err != nil {
		return nil, err
	}
	return m, nil
}

// Register adds another receiver, named after its type.
func (m *Methods) Register(rcvr any) error {
	r, err := newReceiver(rcvr)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.receivers[r.name]; dup {
		return fmt.Errorf("service: %s already registered", r.name)
	}
	m.receivers[r.name] = r
	return nil
}

// Names lists the registered receiver names.
func (m *Methods) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.receivers))
	for name := range m.receivers {
		names = append(names, name)
	}
	return names
}

func (m *Methods) Ready(ctx context.Context) error {
	return ctx.Err()
}

func (m *Methods) Call(ctx context.Context, req *message.Request) ([]byte, error) {
	var env message.Envelope
	if err := m.codec.Decode(req.Payload, &env); err != nil {
		return nil, fmt.Errorf("service: decode envelope: %w", err)
	}

	reply := &message.Envelope{Method: env.Method}
	payload, err := m.dispatch(&env)
	if err != nil {
		reply.Error = err.Error()
	} else {
		reply.Payload = payload
	}
	return m.codec.Encode(reply)
}

// dispatch parses "Service.Method", decodes the args, invokes the method via
// reflection and encodes the reply.
func (m *Methods) dispatch(env *message.Envelope) ([]byte, error) {
	split := strings.Split(env.Method, ".")
	if len(split) != 2 {
		return nil, fmt.Errorf("invalid service method format %q", env.Method)
	}

	m.mu.RLock()
	r, ok := m.receivers[split[0]]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown service %q", split[0])
	}
	mt, ok := r.method[split[1]]
	if !ok {
		return nil, fmt.Errorf("unknown method %q", env.Method)
	}

	argv := reflect.New(mt.ArgType)
	replyv := reflect.New(mt.ReplyType)
	if err := codec.ForValue(argv.Interface()).Decode(env.Payload, argv.Interface()); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}

	if err := r.call(mt, argv, replyv); err != nil {
		return nil, err
	}
	return codec.ForValue(replyv.Interface()).Encode(replyv.Interface())
}

func newReceiver(rcvr any) (*receiver, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("service: rcvr must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("service: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	r := &receiver{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	r.registerMethods()
	if len(r.method) == 0 {
		return nil, fmt.Errorf("service: %s has no callable methods", r.name)
	}
	return r, nil
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// registerMethods keeps the exported methods shaped (receiver, *Args, *Reply) error.
func (r *receiver) registerMethods() {
	for i := 0; i < r.typ.NumMethod(); i++ {
		method := r.typ.Method(i)
		if method.Type.NumIn() != 3 || method.Type.NumOut() != 1 || method.Type.Out(0) != errorType ||
			method.Type.In(1).Kind() != reflect.Ptr || method.Type.In(2).Kind() != reflect.Ptr {
			continue
		}
		r.method[method.Name] = &methodType{
			method:    method,
			ArgType:   method.Type.In(1).Elem(),
			ReplyType: method.Type.In(2).Elem(),
		}
	}
}

// call invokes the method. A panic inside it is returned as an error so that
// it reaches the caller in the envelope instead of taking the node down.
func (r *receiver) call(mt *methodType, argv, replyv reflect.Value) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("method %s.%s panicked: %v", r.name, mt.method.Name, p)
		}
	}()
	args := [3]reflect.Value{r.rcvr, argv, replyv}
	results := mt.method.Func.Call(args[:])
	if !results[0].IsNil() {
		return results[0].Interface().(error)
	}
	return nil
}
