package tmpl

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecd/internal/sample"
)

// Context carries the per-sample bindings exposed to payload expressions.
type Context struct {
	FQCN               sample.FQCN
	PeripheralName     string
	ServiceName        string
	CharacteristicName string

	// StateTopic and ConfigTopic are bound once their own expressions have
	// been evaluated, so sibling leaves can cross-reference them.
	StateTopic  string
	ConfigTopic string
}

// stateTopicKey is the payload root key that is evaluated before every
// other leaf and re-bound into the expression scope.
const stateTopicKey = "state_topic"

// Evaluator runs payload expressions on an embedded ECMAScript engine. A
// string leaf containing a backtick is treated as a program and replaced by
// its completion value; everything else passes through untouched.
//
// The evaluator is safe for concurrent use; the underlying VM is not, so
// evaluations serialize on a mutex.
type Evaluator struct {
	mu  sync.Mutex
	vm  *goja.Runtime
	log *logrus.Logger
}

// NewEvaluator creates an Evaluator logging per-leaf failures to logger.
func NewEvaluator(logger *logrus.Logger) *Evaluator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Evaluator{
		vm:  goja.New(),
		log: logger,
	}
}

// IsExpression reports whether a string leaf is subject to evaluation.
func IsExpression(s string) bool {
	return strings.ContainsRune(s, '`')
}

// EvalString evaluates a single expression string (a topic template). A
// plain literal is returned unchanged.
func (e *Evaluator) EvalString(expr string, ctx Context) (string, error) {
	if !IsExpression(expr) {
		return expr, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	v, err := e.run(expr, ctx)
	if err != nil {
		return "", err
	}
	return toString(v), nil
}

// EvalTree evaluates a payload tree depth-first, left to right, returning a
// new tree. If the root object carries a state_topic key, that leaf is
// evaluated first and its result is re-bound into the context before the
// remaining leaves run. Per-leaf errors are non-fatal: the leaf is replaced
// by the error message and a warning is logged.
func (e *Evaluator) EvalTree(root *Node, ctx Context) *Node {
	if root == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	out := root.Clone()

	if st, ok := out.Get(stateTopicKey); ok && st.Kind == NodeString {
		if IsExpression(st.Str) {
			v, err := e.run(st.Str, ctx)
			if err != nil {
				e.warn(ctx, stateTopicKey, err)
				st.Str = err.Error()
			} else {
				st.Str = toString(v)
			}
		}
		ctx.StateTopic = st.Str
	}

	e.evalNode(out, ctx, "")
	return out
}

func (e *Evaluator) evalNode(n *Node, ctx Context, path string) {
	switch n.Kind {
	case NodeString:
		if !IsExpression(n.Str) {
			return
		}
		v, err := e.run(n.Str, ctx)
		if err != nil {
			e.warn(ctx, path, err)
			n.Str = err.Error()
			return
		}
		e.assign(n, v)

	case NodeArray:
		for i, item := range n.Items {
			e.evalNode(item, ctx, fmt.Sprintf("%s[%d]", path, i))
		}

	case NodeObject:
		for pair := n.Fields.Oldest(); pair != nil; pair = pair.Next() {
			if path == "" && pair.Key == stateTopicKey {
				continue // already evaluated and bound
			}
			childPath := pair.Key
			if path != "" {
				childPath = path + "." + pair.Key
			}
			e.evalNode(pair.Value, ctx, childPath)
		}
	}
}

// run executes one program with the context bound as globals. Callers hold
// the mutex.
func (e *Evaluator) run(src string, ctx Context) (goja.Value, error) {
	e.bind(ctx)
	v, err := e.vm.RunString(src)
	if err != nil {
		return nil, fmt.Errorf("template error: %w", err)
	}
	return v, nil
}

func (e *Evaluator) bind(ctx Context) {
	clean := ctx.FQCN.Clean()

	_ = e.vm.Set("adapter", ctx.FQCN.Adapter)
	_ = e.vm.Set("peripheral", ctx.FQCN.Peripheral)
	_ = e.vm.Set("peripheral_name", ctx.PeripheralName)
	_ = e.vm.Set("service_name", ctx.ServiceName)
	_ = e.vm.Set("characteristic_name", ctx.CharacteristicName)

	_ = e.vm.Set("clean_adapter", clean.Adapter)
	_ = e.vm.Set("clean_peripheral", clean.Peripheral)
	_ = e.vm.Set("clean_peripheral_name", sample.CleanString(ctx.PeripheralName))
	_ = e.vm.Set("clean_service_name", sample.CleanString(ctx.ServiceName))
	_ = e.vm.Set("clean_characteristic_name", sample.CleanString(ctx.CharacteristicName))

	_ = e.vm.Set("fqcn", map[string]string{
		"adapter":        ctx.FQCN.Adapter,
		"peripheral":     ctx.FQCN.Peripheral,
		"service":        ctx.FQCN.Service,
		"characteristic": ctx.FQCN.Characteristic,
	})
	_ = e.vm.Set("clean_fqcn", map[string]string{
		"adapter":        clean.Adapter,
		"peripheral":     clean.Peripheral,
		"service":        clean.Service,
		"characteristic": clean.Characteristic,
	})

	_ = e.vm.Set("state_topic", ctx.StateTopic)
	_ = e.vm.Set("config_topic", ctx.ConfigTopic)
}

// assign rewrites a string leaf with the completion value, keeping the JSON
// equivalent for non-string completions.
func (e *Evaluator) assign(n *Node, v goja.Value) {
	switch exported := v.Export().(type) {
	case string:
		n.Kind = NodeString
		n.Str = exported
	case bool:
		n.Kind = NodeBool
		n.Bool = exported
	case int64:
		n.Kind = NodeNumber
		n.Num = json.Number(fmt.Sprintf("%d", exported))
	case float64:
		n.Kind = NodeNumber
		n.Num = json.Number(fmt.Sprintf("%v", exported))
	case nil:
		n.Kind = NodeNull
	default:
		n.Kind = NodeString
		n.Str = toString(v)
	}
}

func (e *Evaluator) warn(ctx Context, path string, err error) {
	e.log.WithFields(logrus.Fields{
		"fqcn": ctx.FQCN.String(),
		"leaf": path,
	}).WithError(err).Warn("Discovery payload leaf failed to evaluate")
}

func toString(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}
