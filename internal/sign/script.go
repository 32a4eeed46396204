package sign

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/dop251/goja"

	logx "xhsagent/pkg/logx"
)

// ScriptStrategy runs the platform's signing script in an in-process JS
// engine. The script is expected to shim whatever browser environment it
// needs and export a global sign(uri, data, cookie) function returning
// {"x-s", "x-t", "x-s-common", "x-b3-traceid"}.
//
// Each Sign call evaluates on its own runtime, so concurrent use is safe.
type ScriptStrategy struct {
	scriptPath string
	mnsPath    string
	log        logx.Logger

	mu      sync.RWMutex
	program *goja.Program
	mnsProg *goja.Program // optional
}

func NewScriptStrategy(scriptPath, mnsPath string, log logx.Logger) (*ScriptStrategy, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &ScriptStrategy{scriptPath: scriptPath, mnsPath: mnsPath, log: log}
	if err := s.Reinit(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Reinit recompiles the scripts from disk.
func (s *ScriptStrategy) Reinit(_ context.Context) error {
	prog, err := compileFile(s.scriptPath)
	if err != nil {
		return fmt.Errorf("sign script: %w", err)
	}
	var mns *goja.Program
	if s.mnsPath != "" {
		mns, err = compileFile(s.mnsPath)
		if err != nil {
			return fmt.Errorf("mns script: %w", err)
		}
	}

	s.mu.Lock()
	s.program = prog
	s.mnsProg = mns
	s.mu.Unlock()
	s.log.Debug("sign scripts compiled", logx.String("path", s.scriptPath))
	return nil
}

func compileFile(path string) (*goja.Program, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return goja.Compile(path, string(src), false)
}

func (s *ScriptStrategy) Sign(ctx context.Context, uri string, body any, cookie string) (Headers, error) {
	if err := ctx.Err(); err != nil {
		return Headers{}, err
	}
	s.mu.RLock()
	prog, mns := s.program, s.mnsProg
	s.mu.RUnlock()
	if prog == nil {
		return Headers{}, errors.New("sign script not loaded")
	}

	vm := goja.New()
	if _, err := vm.RunProgram(prog); err != nil {
		return Headers{}, fmt.Errorf("run sign script: %w", err)
	}

	res, err := callJS(vm, vm.GlobalObject(), "sign", vm.ToValue(uri), toJSValue(vm, body), vm.ToValue(cookie))
	if err != nil {
		return Headers{}, err
	}
	m, ok := res.Export().(map[string]any)
	if !ok {
		return Headers{}, fmt.Errorf("sign() returned %T, want object", res.Export())
	}

	h := Headers{
		XS:        str(m["x-s"]),
		XT:        str(m["x-t"]),
		XSCommon:  str(m["x-s-common"]),
		B3TraceID: str(m["x-b3-traceid"]),
	}
	if h.B3TraceID == "" {
		h.B3TraceID = newTraceID()
	}
	if h.XS == "" || h.XT == "" {
		return Headers{}, errors.New("sign() returned incomplete header set")
	}

	if mns != nil {
		token, err := s.mnsToken(mns, uri, body)
		if err != nil {
			// The auxiliary token is not required on every endpoint.
			s.log.Debug("mns token unavailable", logx.Err(err))
		} else {
			h.Mns = token
		}
	}
	return h, nil
}

// mnsToken evaluates window.getMnsToken(uri, data, md5(data)) on a fresh runtime.
func (s *ScriptStrategy) mnsToken(prog *goja.Program, uri string, body any) (string, error) {
	vm := goja.New()
	if _, err := vm.RunProgram(prog); err != nil {
		return "", fmt.Errorf("run mns script: %w", err)
	}

	owner := vm.GlobalObject()
	if w := vm.Get("window"); w != nil && !goja.IsUndefined(w) && !goja.IsNull(w) {
		if obj := w.ToObject(vm); obj != nil {
			owner = obj
		}
	}
	res, err := callJS(vm, owner, "getMnsToken",
		vm.ToValue(uri), toJSValue(vm, body), vm.ToValue(bodyMD5(body)))
	if err != nil {
		return "", err
	}
	return str(res.Export()), nil
}

func (s *ScriptStrategy) Close() error { return nil }

func callJS(vm *goja.Runtime, owner *goja.Object, name string, args ...goja.Value) (goja.Value, error) {
	fn, ok := goja.AssertFunction(owner.Get(name))
	if !ok {
		return nil, fmt.Errorf("script does not export %s()", name)
	}
	res, err := fn(owner, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return res, nil
}

// toJSValue passes the request body through JSON so the script sees plain
// objects rather than wrapped Go values.
func toJSValue(vm *goja.Runtime, body any) goja.Value {
	if body == nil {
		return goja.Null()
	}
	b, err := json.Marshal(body)
	if err != nil {
		return goja.Null()
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return goja.Null()
	}
	return vm.ToValue(v)
}

// bodyMD5 hashes the compact JSON encoding of the body, matching what the
// platform's own client hashes before requesting the auxiliary token.
func bodyMD5(body any) string {
	var data string
	if body != nil {
		if b, err := json.Marshal(body); err == nil {
			data = string(b)
		}
	}
	sum := md5.Sum([]byte(data))
	return hex.EncodeToString(sum[:])
}

func str(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		// JS numbers surface as float64; timestamps must not render as 1.7e+12.
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		return fmt.Sprint(x)
	}
}
