package vm

import "sync"

// ---------------------------------------------------------------------------
// Func: static function identity
// ---------------------------------------------------------------------------

// FuncKind tags how a frame's body was reached. The profiler names each kind
// differently.
type FuncKind uint8

const (
	KindNormal FuncKind = iota
	KindPseudoMain
	KindEval
)

func (k FuncKind) String() string {
	switch k {
	case KindNormal:
		return "normal"
	case KindPseudoMain:
		return "pseudomain"
	case KindEval:
		return "eval"
	}
	return "unknown"
}

// FuncID is the stable identity of a registered function.
type FuncID uint32

// Func is the static identity of a function: what a frame activates.
type Func struct {
	ID        FuncID
	Class     string // empty for free functions
	Name      string
	Unit      string // source unit path, used for pseudo-main naming
	Resumable bool   // generator or async function
	Async     bool   // resumable awaiting children (implies Resumable)

	fullName string
}

// FullName returns "Class>>name" for methods and "name" for free functions.
func (f *Func) FullName() string {
	if f.fullName != "" {
		return f.fullName
	}
	if f.Class == "" {
		return f.Name
	}
	return f.Class + ">>" + f.Name
}

// ---------------------------------------------------------------------------
// FuncTable: interned function identities
// ---------------------------------------------------------------------------

// FuncTable interns functions by full name so every frame of the same
// function shares one *Func. Safe for concurrent use.
type FuncTable struct {
	mu     sync.RWMutex
	byName map[string]*Func
	byID   []*Func
}

// NewFuncTable creates an empty function table.
func NewFuncTable() *FuncTable {
	return &FuncTable{
		byName: make(map[string]*Func),
		byID:   make([]*Func, 0, 256),
	}
}

// Define registers fn, or returns the already-registered function with the
// same full name.
func (t *FuncTable) Define(fn Func) *Func {
	name := fn.FullName()

	t.mu.RLock()
	if f, ok := t.byName[name]; ok {
		t.mu.RUnlock()
		return f
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if f, ok := t.byName[name]; ok {
		return f
	}

	f := &fn
	f.ID = FuncID(len(t.byID))
	f.fullName = name
	if f.Async {
		f.Resumable = true
	}
	t.byName[name] = f
	t.byID = append(t.byID, f)
	return f
}

// Lookup returns the function registered under a full name.
func (t *FuncTable) Lookup(fullName string) (*Func, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.byName[fullName]
	return f, ok
}

// ByID returns the function with the given id, or nil.
func (t *FuncTable) ByID(id FuncID) *Func {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(id) >= len(t.byID) {
		return nil
	}
	return t.byID[id]
}

// Len returns the number of registered functions.
func (t *FuncTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}
