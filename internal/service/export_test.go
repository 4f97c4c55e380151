package service

// ReplaceProcess makes the cancellation of job id act on t instead of its
// scanner. It reports false until the scanner was spawned.
func (s *Supervisor) ReplaceProcess(id string, t Terminable) bool {
	p := s.lookup(id)
	if p == nil {
		return false
	}
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.runner == nil || p.terminating {
		return false
	}
	p.runner = t
	return true
}
