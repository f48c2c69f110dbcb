package vtl

// Context holds the variables visible to a render as a stack of scopes.
// The outermost scope holds the caller's bindings; directives and macro
// calls push inner scopes. A Context is owned by one render at a time.
type Context struct {
	scopes []map[string]any
}

// NewContext creates a context whose outermost scope is vars.
// The map is used directly, so #set on the outer scope is visible to the caller.
func NewContext(vars map[string]any) *Context {
	if vars == nil {
		vars = map[string]any{}
	}
	return &Context{scopes: []map[string]any{vars}}
}

// Get looks key up from the innermost scope outwards.
func (c *Context) Get(key string) (any, bool) {
	for i := len(c.scopes) - 1; i >= 0; i-- {
		if v, ok := c.scopes[i][key]; ok {
			return v, true
		}
	}
	return nil, false
}

// Has reports whether key is bound in any scope.
func (c *Context) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Put binds key in the innermost scope.
func (c *Context) Put(key string, value any) {
	c.scopes[len(c.scopes)-1][key] = value
}

// PutGlobal binds key in the outermost scope.
func (c *Context) PutGlobal(key string, value any) {
	c.scopes[0][key] = value
}

// Remove deletes key from the innermost scope only.
func (c *Context) Remove(key string) {
	delete(c.scopes[len(c.scopes)-1], key)
}

// Push opens a new innermost scope, optionally seeded with vars.
func (c *Context) Push(vars map[string]any) {
	if vars == nil {
		vars = map[string]any{}
	}
	c.scopes = append(c.scopes, vars)
}

// Pop discards the innermost scope. The caller's scope is never popped.
func (c *Context) Pop() {
	if len(c.scopes) > 1 {
		c.scopes = c.scopes[:len(c.scopes)-1]
	}
}

// Depth returns the number of scopes.
func (c *Context) Depth() int {
	return len(c.scopes)
}

// restore pops scopes until Depth is depth.
func (c *Context) restore(depth int) {
	for len(c.scopes) > depth && len(c.scopes) > 1 {
		c.Pop()
	}
}

// Keys returns the names bound in any scope.
func (c *Context) Keys() []string {
	seen := map[string]struct{}{}
	var keys []string
	for i := len(c.scopes) - 1; i >= 0; i-- {
		for k := range c.scopes[i] {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	return keys
}
