package stream

// AdapterBase carries the late-bound emitter every venue adapter
// embeds. The client binds itself here during NewClient, which breaks
// the adapter/client construction cycle.
type AdapterBase struct {
	emitter Emitter
}

// Bind implements the Adapter Bind hook.
func (b *AdapterBase) Bind(e Emitter) {
	b.emitter = e
}

// Emitter returns the bound emitter. Nil until Bind is called.
func (b *AdapterBase) Emitter() Emitter {
	return b.emitter
}
