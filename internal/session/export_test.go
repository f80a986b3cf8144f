package session

// SetTeardownHook registers fn to observe the teardown steps of s.
func SetTeardownHook(s *Session, fn func(step string)) { s.onTeardown = fn }
