package settlement

// Default and maximum page sizes for participant listings.
const (
	DefaultPageLimit = 50
	MaxPageLimit     = 200
)

// Get returns a copy of the settlement record.
func (e *Engine) Get(id uint64) (*Settlement, error) {
	s, err := e.load(id)
	if err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

// CanExecute reports whether Execute would currently succeed. When it would
// not, reason carries a short human-readable explanation. The check is
// read-only and the answer can go stale the moment state changes.
func (e *Engine) CanExecute(id uint64) (bool, string, error) {
	s, err := e.load(id)
	if err != nil {
		return false, "", err
	}
	if s.Status.Terminal() {
		return false, "settlement closed", nil
	}
	if s.Status != StatusFullyFunded {
		return false, "not fully funded", nil
	}
	if e.now() > s.ExpiresAt {
		return false, "settlement expired", nil
	}
	if e.state.IsPaused(ModuleName) {
		return false, "module paused", nil
	}
	return true, "", nil
}

// ListByParticipant pages through every settlement the address takes part
// in, ordered by creation. Offsets beyond the end yield an empty page.
func (e *Engine) ListByParticipant(addr [20]byte, offset, limit int) ([]*Settlement, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	ids, err := e.state.SettlementIndex(addr)
	if err != nil {
		return nil, err
	}
	if offset >= len(ids) {
		return []*Settlement{}, nil
	}
	end := offset + limit
	if end > len(ids) {
		end = len(ids)
	}
	out := make([]*Settlement, 0, end-offset)
	for _, id := range ids[offset:end] {
		s, ok := e.state.SettlementGet(id)
		if !ok {
			return nil, ErrNotFound
		}
		out = append(out, s.Clone())
	}
	return out, nil
}

// Timeout reports the currently configured settlement window in seconds.
func (e *Engine) Timeout() (int64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	return e.timeout()
}

// Paused reports whether new settlement activity is blocked.
func (e *Engine) Paused() bool {
	if e == nil || e.state == nil {
		return false
	}
	return e.state.IsPaused(ModuleName)
}
