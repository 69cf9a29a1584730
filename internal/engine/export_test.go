package engine

// SetAfterRead installs a hook run between an operation's status read and
// its compare-and-set write.
func (e *Engine) SetAfterRead(fn func(op string)) { e.afterRead = fn }
