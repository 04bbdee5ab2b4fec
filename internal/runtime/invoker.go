package runtime

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
)

var (
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()
)

// serviceLocator hands out handler services by name, building lazy ones on
// first use.
type serviceLocator struct {
	mu       sync.Mutex
	services map[string]*lazyService
}

type lazyService struct {
	once    sync.Once
	factory func() (any, error)
	value   reflect.Value
	err     error
}

func newServiceLocator() *serviceLocator {
	return &serviceLocator{services: make(map[string]*lazyService)}
}

func (l *serviceLocator) add(name string, factory func() (any, error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services[name] = &lazyService{factory: factory}
}

func (l *serviceLocator) has(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.services[name]
	return ok
}

func (l *serviceLocator) get(name string) (reflect.Value, error) {
	l.mu.Lock()
	svc, ok := l.services[name]
	l.mu.Unlock()
	if !ok {
		return reflect.Value{}, &errspkg.ServiceNotFoundError{Kind: "name", Key: name}
	}
	svc.once.Do(func() {
		v, err := svc.factory()
		if err != nil {
			svc.err = fmt.Errorf("busflow: building handler %q: %w", name, err)
			return
		}
		if v == nil {
			svc.err = fmt.Errorf("busflow: handler %q factory returned nil: %w", name, errspkg.ErrHandlerRequired)
			return
		}
		svc.value = reflect.ValueOf(v)
	})
	return svc.value, svc.err
}

// invoke calls method on svc with msg. A leading context.Context parameter
// receives ctx. The message is passed by value or by pointer, whichever the
// method declares. The result is the first non-error return value.
func invoke(ctx context.Context, svc reflect.Value, method string, msg any) (any, error) {
	fn := svc.MethodByName(method)
	if !fn.IsValid() {
		return nil, fmt.Errorf("busflow: %s has no method %s", svc.Type(), method)
	}
	ft := fn.Type()

	args := make([]reflect.Value, 0, 2)
	next := 0
	if ft.NumIn() > 0 && ft.In(0) == contextType {
		args = append(args, reflect.ValueOf(ctx))
		next = 1
	}
	if next < ft.NumIn() {
		target := ft.In(next)
		if ft.IsVariadic() && next == ft.NumIn()-1 {
			target = target.Elem()
		}
		arg, err := adaptMessage(msg, target)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}

	return results(fn.Call(args))
}

func adaptMessage(msg any, target reflect.Type) (reflect.Value, error) {
	v := reflect.ValueOf(msg)
	if !v.IsValid() {
		return reflect.Zero(target), nil
	}
	if v.Type().AssignableTo(target) {
		return v, nil
	}
	if v.Kind() == reflect.Pointer && !v.IsNil() && v.Elem().Type().AssignableTo(target) {
		return v.Elem(), nil
	}
	if target.Kind() == reflect.Pointer && v.Type().AssignableTo(target.Elem()) {
		ptr := reflect.New(target.Elem())
		ptr.Elem().Set(v)
		return ptr, nil
	}
	return reflect.Value{}, fmt.Errorf("busflow: cannot pass %s as %s", v.Type(), target)
}

func results(out []reflect.Value) (any, error) {
	var (
		result any
		err    error
	)
	for _, v := range out {
		if v.Type() == errorType || (v.Type().Kind() == reflect.Interface && v.Type().Implements(errorType)) {
			if !v.IsNil() {
				err = v.Interface().(error)
			}
			continue
		}
		if result == nil {
			result = v.Interface()
		}
	}
	return result, err
}
