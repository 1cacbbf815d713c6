// Package lua runs a user Lua script as a notification handler.
//
// The script defines a global function that is called once per delivered
// notification:
//
//	function on_notification(n)
//	    print(n.address, n.characteristic, tohex(n.data), n.seq)
//	end
//
// Everything the script prints is captured as OutputRecords instead of going
// to the process stdout.
package lua

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/ringchan"
	"github.com/srg/blecentral/internal/subscription"
)

// HandlerFunction is the global the script must define.
const HandlerFunction = "on_notification"

// DefaultOutputCapacity is the size of the engine's output queue.
const DefaultOutputCapacity = 100

// OutputRecord is a single line written by the script.
type OutputRecord struct {
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"` // "stdout" or "stderr"
}

// ScriptError is a failure to load or run the script.
type ScriptError struct {
	Type       string // "syntax", "runtime", "api"
	Message    string
	Line       int
	Source     string
	Underlying error
}

func (e *ScriptError) Error() string {
	parts := []string{}
	if e.Source != "" {
		parts = append(parts, fmt.Sprintf("in %s", e.Source))
	}
	if e.Line > 0 {
		parts = append(parts, fmt.Sprintf("line %d", e.Line))
	}

	prefix := "Lua error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("Lua %s error (%s)", e.Type, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *ScriptError) Unwrap() error {
	return e.Underlying
}

// Is matches ScriptErrors of the same Type.
func (e *ScriptError) Is(target error) bool {
	var t *ScriptError
	if errors.As(target, &t) {
		return e.Type == t.Type
	}
	return false
}

var (
	ErrSyntax     = &ScriptError{Type: "syntax"}
	ErrRuntime    = &ScriptError{Type: "runtime"}
	ErrNoFunction = &ScriptError{Type: "api"}
)

// Engine owns one Lua state. All access to the state is serialized.
type Engine struct {
	mu     sync.Mutex
	state  *lua.State
	logger *logrus.Logger
	output *ringchan.RingChannel[OutputRecord]

	calls    atomic.Int64
	failures atomic.Int64
}

// NewEngine creates an engine with print capture installed.
func NewEngine(logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	e := &Engine{
		logger: logger,
		output: ringchan.New[OutputRecord](DefaultOutputCapacity),
	}
	e.reset()
	return e
}

func (e *Engine) reset() {
	if e.state != nil {
		e.state.Close()
	}
	e.state = lua.NewState()
	e.state.OpenLibs()
	e.registerPrintCapture()
	e.registerHelpers()
}

// OutputChannel returns the queue of captured script output.
func (e *Engine) OutputChannel() <-chan OutputRecord {
	return e.output.C()
}

func (e *Engine) emit(source, content string) {
	e.output.ForceSend(OutputRecord{Content: content, Timestamp: time.Now(), Source: source})
}

func (e *Engine) registerPrintCapture() {
	e.state.PushGoFunction(func(L *lua.State) int {
		top := L.GetTop()
		parts := make([]string, 0, top)
		for i := 1; i <= top; i++ {
			// Type, not IsNumber/IsString: Lua coerces numeric strings
			switch L.Type(i) {
			case lua.LUA_TNIL:
				parts = append(parts, "nil")
			case lua.LUA_TBOOLEAN:
				parts = append(parts, fmt.Sprintf("%t", L.ToBoolean(i)))
			case lua.LUA_TNUMBER:
				parts = append(parts, fmt.Sprintf("%v", L.ToNumber(i)))
			case lua.LUA_TSTRING:
				parts = append(parts, L.ToString(i))
			default:
				L.GetGlobal("tostring")
				L.PushValue(i)
				L.Call(1, 1)
				parts = append(parts, L.ToString(-1))
				L.Pop(1)
			}
		}
		e.emit("stdout", strings.Join(parts, "\t")+"\n")
		return 0
	})
	e.state.SetGlobal("print")
}

// registerHelpers installs tohex(s) for rendering binary payloads.
func (e *Engine) registerHelpers() {
	e.state.PushGoFunction(func(L *lua.State) int {
		L.PushString(hex.EncodeToString(L.ToBytes(1)))
		return 1
	})
	e.state.SetGlobal("tohex")
}

// parseError pops the error message on top of the stack.
func (e *Engine) parseError(errType, source string) *ScriptError {
	if e.state.GetTop() == 0 {
		return &ScriptError{Type: errType, Message: "unknown Lua error", Source: source}
	}
	msg := "non-string error object"
	if e.state.IsString(-1) {
		msg = e.state.ToString(-1)
	}
	e.state.Pop(1)

	// chunk:line: message
	line := 0
	message := msg
	if parts := strings.SplitN(msg, ":", 3); len(parts) == 3 {
		if n, err := fmt.Sscanf(strings.TrimSpace(parts[1]), "%d", &line); err == nil && n == 1 {
			message = strings.TrimSpace(parts[2])
		}
	}
	return &ScriptError{Type: errType, Message: message, Line: line, Source: source}
}

// LoadScriptFile loads the script at path.
func (e *Engine) LoadScriptFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read script %s: %w", path, err)
	}
	return e.LoadScript(string(content), path)
}

// LoadScript replaces the Lua state, runs script and checks that it defines
// HandlerFunction.
func (e *Engine) LoadScript(script, name string) error {
	if strings.TrimSpace(script) == "" {
		return &ScriptError{Type: "api", Message: "empty script", Source: name}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.reset()

	if status := e.state.LoadString(script); status != 0 {
		serr := e.parseError("syntax", name)
		e.emit("stderr", fmt.Sprintf("Lua syntax error: %s\n", serr.Message))
		return serr
	}
	if err := e.state.Call(0, 0); err != nil {
		e.state.SetTop(0)
		serr := &ScriptError{Type: "runtime", Message: err.Error(), Source: name, Underlying: err}
		e.emit("stderr", fmt.Sprintf("Lua runtime error: %s\n", serr.Message))
		return serr
	}

	e.state.GetGlobal(HandlerFunction)
	defined := e.state.IsFunction(-1)
	e.state.Pop(1)
	if !defined {
		return &ScriptError{Type: "api", Message: fmt.Sprintf("script does not define %s()", HandlerFunction), Source: name}
	}

	e.logger.WithField("script", name).Info("Lua notification handler loaded")
	return nil
}

// Handle calls the script's handler with one notification. Script failures
// are reported on the output queue and logged; they never stop delivery.
func (e *Engine) Handle(n subscription.Notification) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return
	}
	e.calls.Add(1)

	L := e.state
	L.GetGlobal(HandlerFunction)
	if !L.IsFunction(-1) {
		L.Pop(1)
		return
	}

	L.NewTable()
	setString := func(k, v string) {
		L.PushString(v)
		L.SetField(-2, k)
	}
	setString("address", n.Peer.String())
	setString("service", n.ServiceUUID)
	setString("characteristic", n.CharacteristicUUID)
	setString("data", string(n.Data))
	L.PushBoolean(n.Indication)
	L.SetField(-2, "indication")
	L.PushInteger(int64(n.Seq))
	L.SetField(-2, "seq")
	L.PushInteger(int64(n.Conn))
	L.SetField(-2, "conn")

	if err := L.Call(1, 0); err != nil {
		L.SetTop(0)
		e.failures.Add(1)
		e.emit("stderr", fmt.Sprintf("Lua runtime error: %v\n", err))
		e.logger.WithError(err).WithFields(logrus.Fields{
			"address":        n.Peer.String(),
			"characteristic": n.CharacteristicUUID,
		}).Warn("Lua notification handler failed")
	}
}

// Handler adapts the engine to a subscription handler.
func (e *Engine) Handler() subscription.Handler {
	return e.Handle
}

// Calls returns how many notifications were handed to the script.
func (e *Engine) Calls() int64 {
	return e.calls.Load()
}

// Errors returns how many handler invocations failed.
func (e *Engine) Errors() int64 {
	return e.failures.Load()
}

// Close releases the Lua state. Later notifications are ignored.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != nil {
		e.state.Close()
		e.state = nil
	}
}
