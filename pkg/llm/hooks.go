package llm

// Hooks receives best-effort busy/free signals around each outbound call.
// Implementations must not block or panic; the bridge ignores them entirely
// when nil.
type Hooks interface {
	ModelBusy(model string)
	ModelFree(model string)
}

func notifyBusy(h Hooks, model string) {
	if h == nil {
		return
	}
	defer func() { _ = recover() }()
	h.ModelBusy(model)
}

func notifyFree(h Hooks, model string) {
	if h == nil {
		return
	}
	defer func() { _ = recover() }()
	h.ModelFree(model)
}
