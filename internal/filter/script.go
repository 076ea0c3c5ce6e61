package filter

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/paulmach/osm"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
	"go.uber.org/zap"

	"github.com/wegman-software/osm-roadgrid/internal/logger"
	"github.com/wegman-software/osm-roadgrid/internal/roadclass"
)

// scriptFunc is the global a filter script must define. It receives the way
// tags as a table and the road class name and returns true to index the way.
const scriptFunc = "filter_way"

// compileScript parses Lua source and checks that it defines filter_way
func compileScript(name string, r io.Reader) (*lua.FunctionProto, error) {
	chunk, err := parse.Parse(r, name)
	if err != nil {
		return nil, fmt.Errorf("failed to parse filter script: %w", err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("failed to compile filter script: %w", err)
	}

	L, err := newScriptState(proto)
	if err != nil {
		return nil, err
	}
	L.Close()
	return proto, nil
}

func compileScriptFile(path string) (*lua.FunctionProto, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open filter script: %w", err)
	}
	defer f.Close()
	return compileScript(path, f)
}

// newScriptState runs the compiled chunk in a fresh interpreter
func newScriptState(proto *lua.FunctionProto) (*lua.LState, error) {
	L := lua.NewState()
	L.SetGlobal("print", L.NewFunction(luaPrint))

	L.Push(L.NewFunctionFromProto(proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		L.Close()
		return nil, fmt.Errorf("failed to run filter script: %w", err)
	}
	if L.GetGlobal(scriptFunc).Type() != lua.LTFunction {
		L.Close()
		return nil, fmt.Errorf("filter script does not define %s(tags, class)", scriptFunc)
	}
	return L, nil
}

// luaPrint sends script output to the filter log
func luaPrint(L *lua.LState) int {
	parts := make([]string, 0, L.GetTop())
	for i := 1; i <= L.GetTop(); i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	logger.Named("filter").Info(strings.Join(parts, "\t"))
	return 0
}

// script runs filter_way on a pool of interpreters. An LState is not safe
// for concurrent use, so each call borrows one; the pool grows to the number
// of concurrent callers.
type script struct {
	proto *lua.FunctionProto

	mu     sync.Mutex
	free   []*lua.LState
	all    []*lua.LState
	closed bool

	failures atomic.Int64
}

func newScript(proto *lua.FunctionProto) *script {
	return &script{proto: proto}
}

func (s *script) get() (*lua.LState, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("filter script is closed")
	}
	if n := len(s.free); n > 0 {
		L := s.free[n-1]
		s.free = s.free[:n-1]
		s.mu.Unlock()
		return L, nil
	}
	s.mu.Unlock()

	L, err := newScriptState(s.proto)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.all = append(s.all, L)
	s.mu.Unlock()
	return L, nil
}

func (s *script) put(L *lua.LState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.free = append(s.free, L)
}

// match calls filter_way. A failing call rejects the way; the first
// failure is logged and the rest are counted.
func (s *script) match(tags osm.Tags, class roadclass.Class) bool {
	ok, err := s.call(tags, class)
	if err != nil {
		if s.failures.Add(1) == 1 {
			logger.Named("filter").Warn("Filter script failed, rejecting way", zap.Error(err))
		}
		return false
	}
	return ok
}

func (s *script) call(tags osm.Tags, class roadclass.Class) (bool, error) {
	L, err := s.get()
	if err != nil {
		return false, err
	}
	defer s.put(L)

	t := L.CreateTable(0, len(tags))
	for _, tag := range tags {
		t.RawSetString(tag.Key, lua.LString(tag.Value))
	}

	if err := L.CallByParam(lua.P{
		Fn:      L.GetGlobal(scriptFunc),
		NRet:    1,
		Protect: true,
	}, t, lua.LString(class.String())); err != nil {
		return false, fmt.Errorf("%s: %w", scriptFunc, err)
	}

	ret := L.Get(-1)
	L.Pop(1)
	return lua.LVAsBool(ret), nil
}

func (s *script) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, L := range s.all {
		L.Close()
	}
	s.all, s.free = nil, nil
}
