package serviceisolate

// Name is the reserved name of the service isolate. User isolates may not use it.
const Name = "vm-service"

// NameEquals reports whether name is the reserved service isolate name.
func NameEquals(name string) bool {
	return name == Name
}

// IsServiceIsolate reports whether candidate is the current service isolate.
// The answer may be stale as soon as it is returned.
func (c *Coordinator) IsServiceIsolate(candidate Isolate) bool {
	if isNil(candidate) {
		return false
	}
	iso := c.snap.Load().Isolate
	return iso != nil && iso == candidate
}

// IsServiceIsolateDescendant reports whether candidate was spawned by the
// service isolate. The service isolate itself is not its own descendant. A nil
// candidate, typed or not, is never a descendant.
func (c *Coordinator) IsServiceIsolateDescendant(candidate Isolate) bool {
	if isNil(candidate) {
		return false
	}
	return c.snap.Load().isDescendant(candidate)
}
