package relay

import "errors"

// ErrIdentityNotFound is returned when no live connection is registered under an identity.
var ErrIdentityNotFound = errors.New("identity not found")

// Registry maps client identities to connection handles.
// It is owned by the hub goroutine and is not safe for concurrent use.
type Registry struct {
	byIdentity map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byIdentity: make(map[string]string)}
}

// Register points identity at handle, replacing any earlier mapping.
func (r *Registry) Register(identity, handle string) {
	r.byIdentity[identity] = handle
}

// Resolve returns the handle currently registered for identity.
func (r *Registry) Resolve(identity string) (string, error) {
	handle, ok := r.byIdentity[identity]
	if !ok {
		return "", ErrIdentityNotFound
	}
	return handle, nil
}

// Remove drops every identity still pointing at handle. Identities that were
// re-registered to a newer handle are left alone.
func (r *Registry) Remove(handle string) []string {
	var removed []string
	for identity, h := range r.byIdentity {
		if h == handle {
			delete(r.byIdentity, identity)
			removed = append(removed, identity)
		}
	}
	return removed
}

// Len reports the number of registered identities.
func (r *Registry) Len() int {
	return len(r.byIdentity)
}
