package server

import (
	"encoding/json"
	"fmt"
	"reflect"

	"duplexrpc/commander"
	"duplexrpc/payload"
)

// methodType stores the reflection metadata for a single RPC-compatible method.
type methodType struct {
	method    reflect.Method
	ArgType   reflect.Type
	ReplyType reflect.Type
}

// service wraps a user-defined struct (e.g., &Arith{}) and its RPC-compatible
// methods, and exposes them as commander.Task entries keyed "Name.Method".
type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// errorType is used to check if a method's return type is `error`.
var errorType = reflect.TypeOf((*error)(nil)).Elem()

// newService validates rcvr and scans its exported methods for the RPC
// method signature convention:
//
//	func (receiver) MethodName(args *ArgsType, reply *ReplyType) error
//
// Methods that don't match are silently skipped, same as the teacher's
// reflection scan.
func newService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("duplexrpc: rcvr must be a pointer, got %s", typ.Kind())
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("duplexrpc: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}

	val := reflect.ValueOf(rcvr)
	svc := &service{
		name:   typ.Elem().Name(),
		rcvr:   val,
		typ:    typ,
		method: make(map[string]*methodType),
	}
	svc.registerMethods()
	return svc, nil
}

func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		if method.Type.NumIn() != 3 || method.Type.NumOut() != 1 {
			continue
		}
		if method.Type.Out(0) != errorType {
			continue
		}
		if method.Type.In(1).Kind() != reflect.Ptr || method.Type.In(2).Kind() != reflect.Ptr {
			continue
		}
		s.method[method.Name] = &methodType{
			method:    method,
			ArgType:   method.Type.In(1).Elem(),
			ReplyType: method.Type.In(2).Elem(),
		}
	}
}

func (s *service) call(mType *methodType, argv, replyv reflect.Value) error {
	args := [3]reflect.Value{s.rcvr, argv, replyv}
	results := mType.method.Func.Call(args[:])
	if !results[0].IsNil() {
		return results[0].Interface().(error)
	}
	return nil
}

// tasks builds a commander.Task per exported method, keyed "ServiceName.Method",
// decoding the envelope's data into ArgType, invoking the method, and
// marshaling the reply back into the Task's return value. This is the same
// decode → reflect.Call → encode pipeline the teacher's businessHandler ran,
// restructured as one Task closure per method instead of a single dispatcher
// keyed by parsing "Service.Method" out of a shared RPCMessage.
func (s *service) tasks() map[string]commander.Task {
	out := make(map[string]commander.Task, len(s.method))
	for name, mType := range s.method {
		mType := mType
		out[s.name+"."+name] = func(c *commander.Commander, env payload.Envelope, svcRef any) ([]byte, error) {
			argv := reflect.New(mType.ArgType)
			replyv := reflect.New(mType.ReplyType)

			if len(env.Data) > 0 {
				if err := json.Unmarshal(env.Data, argv.Interface()); err != nil {
					return nil, err
				}
			}

			if err := s.call(mType, argv, replyv); err != nil {
				return nil, err
			}

			return json.Marshal(replyv.Interface())
		}
	}
	return out
}
