package rpc

type providerList struct {
	conns []Connection
	// Index of the provider to try first next time.
	next int
}

// registry maps rpc names to the connections providing them, in subscription
// order. Not safe for concurrent use; the Handler's lock protects it.
type registry struct {
	providers map[string]*providerList
}

func newRegistry() *registry {
	return &registry{providers: make(map[string]*providerList)}
}

// add returns false if conn already provides name.
func (r *registry) add(name string, conn Connection) bool {
	l, ok := r.providers[name]
	if !ok {
		l = new(providerList)
		r.providers[name] = l
	}
	for _, c := range l.conns {
		if c.Identity() == conn.Identity() {
			return false
		}
	}
	l.conns = append(l.conns, conn)
	return true
}

// remove returns false if conn didn't provide name.
func (r *registry) remove(name string, conn Connection) bool {
	l, ok := r.providers[name]
	if !ok {
		return false
	}
	for i, c := range l.conns {
		if c.Identity() == conn.Identity() {
			l.conns = append(l.conns[:i], l.conns[i+1:]...)
			if i < l.next {
				l.next--
			}
			if len(l.conns) == 0 {
				delete(r.providers, name)
			}
			return true
		}
	}
	return false
}

// removeAll removes conn from every name and returns those names.
func (r *registry) removeAll(conn Connection) []string {
	var names []string
	for name := range r.providers {
		if r.remove(name, conn) {
			names = append(names, name)
		}
	}
	return names
}

func (r *registry) count(name string) int {
	if l, ok := r.providers[name]; ok {
		return len(l.conns)
	}
	return 0
}

func (r *registry) total() int {
	n := 0
	for _, l := range r.providers {
		n += len(l.conns)
	}
	return n
}

// pick returns the next provider of name in round-robin order, skipping the
// identities in exclude. Returns nil if there is none.
func (r *registry) pick(name string, exclude map[string]bool) Connection {
	l, ok := r.providers[name]
	if !ok {
		return nil
	}
	n := len(l.conns)
	for i := 0; i < n; i++ {
		idx := (l.next + i) % n
		c := l.conns[idx]
		if exclude[c.Identity()] {
			continue
		}
		l.next = (idx + 1) % n
		return c
	}
	return nil
}
